package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

//go:generate mockgen -package mocks -destination mocks/store.go . Store

var (
	ErrNotFound         = errors.New("node not found")
	ErrDuplicateAddress = errors.New("address already registered")
	ErrUnknownScheme    = errors.New("unknown store scheme")
	// ErrParentNotFound means the registry lost the record of a parent
	// position that must exist.
	ErrParentNotFound = errors.New("parent not found")
)

// Node is a registered member of the tree.
type Node struct {
	Position  uint64
	Address   string
	ServiceID string
}

// implement zap.ObjectMarshaler interface.
func (n Node) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("position", n.Position)
	enc.AddString("address", n.Address)
	enc.AddString("service_id", n.ServiceID)
	return nil
}

// Store persists nodes and hands out their positions.
//
// Implementations must assign positions from a sequence kept in the store
// itself and must make the address check, the insert and the parent lookup
// of Append a single atomic operation.
type Store interface {
	// FindByAddress returns the node registered with exactly this address.
	FindByAddress(ctx context.Context, address string) (*Node, error)
	// FindByPosition returns the node holding the position.
	FindByPosition(ctx context.Context, position uint64) (*Node, error)
	// Append stores a new node under the next free position and returns it
	// together with its parent, which is nil for the root.
	// It returns ErrDuplicateAddress if the address is already taken and
	// ErrParentNotFound if the parent position holds no node. Nothing is
	// stored when an error is returned.
	Append(ctx context.Context, address, serviceID string) (node, parent *Node, err error)
	// Count returns the number of registered nodes.
	Count(ctx context.Context) (uint64, error)
	Close() error
}

const (
	SchemeSQLite  = "sqlite"
	SchemeLevelDB = "leveldb"
)

// ParseConnect splits a connect string of the form <scheme>://<path>.
func ParseConnect(connect string) (scheme, path string, err error) {
	scheme, path, ok := strings.Cut(connect, "://")
	if !ok {
		return "", "", fmt.Errorf("malformed connect string %q: expected <scheme>://<path>", connect)
	}
	switch scheme {
	case SchemeSQLite, SchemeLevelDB:
		return scheme, path, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// Open opens the store described by a connect string, creating its schema if
// necessary.
func Open(ctx context.Context, connect string) (Store, error) {
	scheme, path, err := ParseConnect(connect)
	if err != nil {
		return nil, err
	}
	if scheme == SchemeLevelDB {
		return OpenLevelDB(ctx, path)
	}
	return OpenSQLite(ctx, path)
}
