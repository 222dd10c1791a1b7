package db

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/registry"
)

var ErrTargetNotEmpty = errors.New("target registry is not empty")

// Migrate copies every node of the registry at oldConnect into the empty
// registry at targetConnect, keeping positions, and removes the old registry.
func Migrate(ctx context.Context, targetConnect, oldConnect string) error {
	log := logging.FromContext(ctx)
	log.Info(
		"attempting registry migration",
		zap.String("old", oldConnect),
		zap.String("target", targetConnect),
	)
	if oldConnect == targetConnect {
		log.Debug("skipping in-place registry migration")
		return nil
	}

	scheme, oldPath, err := registry.ParseConnect(oldConnect)
	if err != nil {
		return fmt.Errorf("parsing old registry: %w", err)
	}
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		log.Debug("skipping registry migration - old registry doesn't exist")
		return nil
	}

	oldStore, err := registry.Open(ctx, oldConnect)
	if err != nil {
		return fmt.Errorf("opening old registry: %w", err)
	}
	defer oldStore.Close()

	targetStore, err := registry.Open(ctx, targetConnect)
	if err != nil {
		return fmt.Errorf("opening target registry: %w", err)
	}
	defer targetStore.Close()

	count, err := targetStore.Count(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("counting target registry: %w", err)
	case count != 0:
		return fmt.Errorf("%w: holds %d nodes", ErrTargetNotEmpty, count)
	}

	count, err = oldStore.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting old registry: %w", err)
	}
	for position := uint64(1); position <= count; position++ {
		node, err := oldStore.FindByPosition(ctx, position)
		if err != nil {
			return fmt.Errorf("reading node %d: %w", position, err)
		}
		copied, _, err := targetStore.Append(ctx, node.Address, node.ServiceID)
		if err != nil {
			return fmt.Errorf("migrating node %d: %w", position, err)
		}
		if copied.Position != position {
			return fmt.Errorf("node %q moved from position %d to %d", node.Address, position, copied.Position)
		}
	}
	log.Info("copied nodes", zap.Uint64("count", count))

	// Remove old registry
	log.Info("removing the old registry")
	if err := oldStore.Close(); err != nil {
		return fmt.Errorf("closing old registry: %w", err)
	}
	if err := removeRegistry(scheme, oldPath); err != nil {
		return fmt.Errorf("removing old registry: %w", err)
	}
	log.Info("registry migrated to new location")
	return nil
}

func removeRegistry(scheme, path string) error {
	if scheme == registry.SchemeSQLite {
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return os.RemoveAll(path)
}
