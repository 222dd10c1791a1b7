package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/topology"
)

// schema holds the migrations applied in order; PRAGMA user_version records
// how many of them the database has seen.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS server (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		service_id TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS server_url_idx ON server (url);`,
}

type sqliteStore struct {
	db *sql.DB
}

var _ Store = (*sqliteStore)(nil)

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating %v: %w", dir, err)
		}
	}
	// Appends open IMMEDIATE transactions so that the address check and the
	// insert happen under the database write lock. Concurrent writers wait on
	// the busy timeout instead of failing.
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database @ %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite database @ %s: %w", path, err)
	}
	s := &sqliteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logging.FromContext(ctx).Info("opened sqlite registry", zap.String("path", path))
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i := version; i < len(schema); i++ {
		if _, err := s.db.ExecContext(ctx, schema[i]); err != nil {
			return fmt.Errorf("applying schema migration %d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("recording schema version %d: %w", i+1, err)
		}
		logging.FromContext(ctx).Debug("applied schema migration", zap.Int("version", i+1))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func scanNode(row *sql.Row) (*Node, error) {
	var n Node
	if err := row.Scan(&n.Position, &n.Address, &n.ServiceID); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *sqliteStore) FindByAddress(ctx context.Context, address string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, url, service_id FROM server WHERE url = ?`, address)
	n, err := scanNode(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("querying node by address %q: %w", address, err)
	}
	return n, nil
}

func (s *sqliteStore) FindByPosition(ctx context.Context, position uint64) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, url, service_id FROM server WHERE id = ?`, position)
	n, err := scanNode(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("querying node by position %d: %w", position, err)
	}
	return n, nil
}

func (s *sqliteStore) Append(ctx context.Context, address, serviceID string) (*Node, *Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var existing uint64
	err = tx.QueryRowContext(ctx, `SELECT id FROM server WHERE url = ?`, address).Scan(&existing)
	switch {
	case err == nil:
		return nil, nil, fmt.Errorf("%w: %q holds position %d", ErrDuplicateAddress, address, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, nil, fmt.Errorf("checking address %q: %w", address, err)
	}

	n := &Node{Address: address, ServiceID: serviceID}
	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO server (url, service_id) VALUES (?, ?) RETURNING id`,
		address, serviceID,
	).Scan(&n.Position)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting node %q: %w", address, err)
	}

	var parent *Node
	if position, ok := topology.ParentOf(n.Position); ok {
		row := tx.QueryRowContext(ctx, `SELECT id, url, service_id FROM server WHERE id = ?`, position)
		parent, err = scanNode(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, nil, fmt.Errorf("%w: node %d expects its parent at %d", ErrParentNotFound, n.Position, position)
		case err != nil:
			return nil, nil, fmt.Errorf("querying parent at %d: %w", position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing node %q: %w", address, err)
	}
	return n, parent, nil
}

func (s *sqliteStore) Count(ctx context.Context) (uint64, error) {
	var count uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM server`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting nodes: %w", err)
	}
	return count, nil
}
