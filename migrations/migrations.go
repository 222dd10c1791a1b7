package migrations

import (
	"context"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/server"
)

// Migrate brings persisted state in line with cfg before the server starts.
func Migrate(ctx context.Context, cfg *server.Config) error {
	ctx = logging.NewContext(ctx, logging.FromContext(ctx).Named("migrations"))
	if err := migrateRegistry(ctx, cfg); err != nil {
		return err
	}
	return nil
}
