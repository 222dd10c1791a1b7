package registry

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/topology"
)

var (
	seqKey       = []byte("seq")
	nodePrefix   = []byte("node/")
	addrPrefix   = []byte("addr/")
	syncedWrites = &opt.WriteOptions{Sync: true}
)

type levelStore struct {
	db *leveldb.DB
}

var _ Store = (*levelStore)(nil)

// OpenLevelDB opens (creating if needed) a LevelDB registry in dir.
func OpenLevelDB(ctx context.Context, dir string) (Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dir, err)
	}
	logging.FromContext(ctx).Info("opened leveldb registry", zap.String("dir", dir))
	return &levelStore{db}, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func nodeKey(position uint64) []byte {
	key := make([]byte, len(nodePrefix)+8)
	copy(key, nodePrefix)
	binary.BigEndian.PutUint64(key[len(nodePrefix):], position)
	return key
}

func addrKey(address string) []byte {
	return append(append([]byte{}, addrPrefix...), address...)
}

func encodePosition(position uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, position)
}

func decodePosition(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid position encoding of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func serializeNode(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, *n); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return buf.Bytes(), nil
}

func deserializeNode(data []byte) (*Node, error) {
	n := &Node{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), n); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %v", err)
	}
	return n, nil
}

func (s *levelStore) FindByAddress(ctx context.Context, address string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get(addrKey(address), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get position of %q from DB: %w", address, err)
	}
	position, err := decodePosition(data)
	if err != nil {
		return nil, fmt.Errorf("position of %q: %w", address, err)
	}
	return s.FindByPosition(ctx, position)
}

func (s *levelStore) FindByPosition(ctx context.Context, position uint64) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get(nodeKey(position), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get node %d from DB: %w", position, err)
	}
	return deserializeNode(data)
}

// Append runs in an exclusive LevelDB transaction, which serializes it against
// every other Append of this store.
func (s *levelStore) Append(ctx context.Context, address, serviceID string) (*Node, *Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return nil, nil, fmt.Errorf("opening append transaction: %w", err)
	}
	n, parent, err := appendNode(trans, address, serviceID)
	if err != nil {
		trans.Discard()
		return nil, nil, err
	}
	if err := trans.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing node %q: %w", address, err)
	}
	return n, parent, nil
}

func appendNode(trans *leveldb.Transaction, address, serviceID string) (*Node, *Node, error) {
	existing, err := trans.Get(addrKey(address), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, nil, fmt.Errorf("checking address %q: %w", address, err)
	default:
		position, _ := decodePosition(existing)
		return nil, nil, fmt.Errorf("%w: %q holds position %d", ErrDuplicateAddress, address, position)
	}

	var last uint64
	data, err := trans.Get(seqKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, nil, fmt.Errorf("querying sequence: %w", err)
	default:
		if last, err = decodePosition(data); err != nil {
			return nil, nil, fmt.Errorf("sequence: %w", err)
		}
	}

	n := &Node{Position: last + 1, Address: address, ServiceID: serviceID}
	var parent *Node
	if position, ok := topology.ParentOf(n.Position); ok {
		data, err := trans.Get(nodeKey(position), nil)
		switch {
		case errors.Is(err, leveldb.ErrNotFound):
			return nil, nil, fmt.Errorf("%w: node %d expects its parent at %d", ErrParentNotFound, n.Position, position)
		case err != nil:
			return nil, nil, fmt.Errorf("get parent %d from DB: %w", position, err)
		}
		if parent, err = deserializeNode(data); err != nil {
			return nil, nil, err
		}
	}

	serialized, err := serializeNode(n)
	if err != nil {
		return nil, nil, err
	}
	batch := new(leveldb.Batch)
	batch.Put(nodeKey(n.Position), serialized)
	batch.Put(addrKey(address), encodePosition(n.Position))
	batch.Put(seqKey, encodePosition(n.Position))
	if err := trans.Write(batch, syncedWrites); err != nil {
		return nil, nil, fmt.Errorf("storing node %q: %w", address, err)
	}
	return n, parent, nil
}

// Count relies on positions being gapless: the last assigned position is the
// number of nodes.
func (s *levelStore) Count(ctx context.Context) (uint64, error) {
	data, err := s.db.Get(seqKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("querying sequence: %w", err)
	}
	return decodePosition(data)
}
