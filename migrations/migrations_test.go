package migrations_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/nameserver/migrations"
	"github.com/spacemeshos/nameserver/registry"
	"github.com/spacemeshos/nameserver/server"
)

func TestMigrateNothingConfigured(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.NameserverDir = t.TempDir()
	require.NoError(t, migrations.Migrate(context.Background(), cfg))
}

func TestMigrateRegistry(t *testing.T) {
	dir := t.TempDir()
	cfg := server.DefaultConfig()
	cfg.MigrateFrom = "leveldb://" + filepath.Join(dir, "registry")
	cfg.ConnectString = "sqlite://" + filepath.Join(dir, "nameserver.db")

	old, err := registry.Open(context.Background(), cfg.MigrateFrom)
	require.NoError(t, err)
	_, _, err = old.Append(context.Background(), "addr1", "svc")
	require.NoError(t, err)
	require.NoError(t, old.Close())

	require.NoError(t, migrations.Migrate(context.Background(), cfg))

	store, err := registry.Open(context.Background(), cfg.ConnectString)
	require.NoError(t, err)
	defer store.Close()
	node, err := store.FindByAddress(context.Background(), "addr1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), node.Position)
}
