package migrations

import (
	"context"
	"fmt"

	"github.com/spacemeshos/nameserver/db"
	"github.com/spacemeshos/nameserver/server"
)

func migrateRegistry(ctx context.Context, cfg *server.Config) error {
	if cfg.MigrateFrom == "" {
		return nil
	}
	if err := db.Migrate(ctx, cfg.ConnectString, cfg.MigrateFrom); err != nil {
		return fmt.Errorf("migrating registry %s -> %s: %w", cfg.MigrateFrom, cfg.ConnectString, err)
	}
	return nil
}
