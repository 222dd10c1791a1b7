package registration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/registration"
	"github.com/spacemeshos/nameserver/registry"
	"github.com/spacemeshos/nameserver/registry/mocks"
)

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func newRegistration(t *testing.T, connect string) *registration.Registration {
	t.Helper()
	ctx := testContext(t)
	store, err := registry.Open(ctx, connect)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	reg, err := registration.New(ctx, store)
	require.NoError(t, err)
	return reg
}

func sqliteConnect(t *testing.T) string {
	return "sqlite://" + filepath.Join(t.TempDir(), "nameserver.db")
}

func TestRegisterBuildsTree(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	reg := newRegistration(t, sqliteConnect(t))
	ctx := testContext(t)

	// The first node becomes the root.
	res, err := reg.Register(ctx, "addr1", "svc-1")
	req.NoError(err)
	req.True(res.Created)
	req.Equal(uint64(1), res.Node.Position)
	req.Nil(res.Parent)

	res, err = reg.Register(ctx, "addr2", "svc-2")
	req.NoError(err)
	req.Equal(uint64(2), res.Node.Position)
	req.Equal(&registry.Node{Position: 1, Address: "addr1", ServiceID: "svc-1"}, res.Parent)

	// Registering the root again replays its original, parentless answer.
	res, err = reg.Register(ctx, "addr1", "svc-1")
	req.NoError(err)
	req.False(res.Created)
	req.Equal(uint64(1), res.Node.Position)
	req.Nil(res.Parent)

	for i := 3; i <= 7; i++ {
		res, err = reg.Register(ctx, fmt.Sprintf("addr%d", i), "svc")
		req.NoError(err)
		req.Equal(uint64(i), res.Node.Position)
		req.Equal("addr1", res.Parent.Address)
	}

	res, err = reg.Register(ctx, "addr8", "svc")
	req.NoError(err)
	req.Equal(uint64(8), res.Node.Position)
	req.Equal("addr2", res.Parent.Address)
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	for _, connect := range []string{
		sqliteConnect(t),
		"leveldb://" + filepath.Join(t.TempDir(), "registry"),
	} {
		reg := newRegistration(t, connect)
		ctx := testContext(t)
		for i := 0; i < 10; i++ {
			_, err := reg.Register(ctx, fmt.Sprintf("node-%d", i), "svc")
			require.NoError(t, err)
		}

		first, err := reg.Register(ctx, "late", "svc-a")
		require.NoError(t, err)
		again, err := reg.Register(ctx, "late", "svc-b")
		require.NoError(t, err)

		require.True(t, first.Created)
		require.False(t, again.Created)
		require.Equal(t, first.Node, again.Node)
		require.Equal(t, first.Parent, again.Parent)
		require.Equal(t, "svc-a", again.Node.ServiceID)
	}
}

func TestReplaySurvivesRestart(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	connect := sqliteConnect(t)
	ctx := testContext(t)

	var before []*registration.Result
	{
		store, err := registry.Open(ctx, connect)
		req.NoError(err)
		reg, err := registration.New(ctx, store)
		req.NoError(err)
		for i := 0; i < 9; i++ {
			res, err := reg.Register(ctx, fmt.Sprintf("node-%d", i), "svc")
			req.NoError(err)
			before = append(before, res)
		}
		req.NoError(store.Close())
	}

	reg := newRegistration(t, connect)
	for i, want := range before {
		res, err := reg.Register(ctx, fmt.Sprintf("node-%d", i), "svc")
		req.NoError(err)
		req.False(res.Created)
		req.Equal(want.Node, res.Node)
		req.Equal(want.Parent, res.Parent)
	}
}

func TestConcurrentRegistrationsAreSequential(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	reg := newRegistration(t, sqliteConnect(t))
	ctx := testContext(t)

	const n = 40
	var (
		mu        sync.Mutex
		positions []uint64
		eg        errgroup.Group
	)
	for i := 0; i < n; i++ {
		address := fmt.Sprintf("10.1.0.%d:7000", i)
		eg.Go(func() error {
			res, err := reg.Register(ctx, address, "svc")
			if err != nil {
				return err
			}
			mu.Lock()
			positions = append(positions, res.Node.Position)
			mu.Unlock()
			return nil
		})
	}
	req.NoError(eg.Wait())

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	req.Len(positions, n)
	for i, p := range positions {
		req.Equal(uint64(i+1), p)
	}
}

func TestConcurrentRegistrationsOfSameAddress(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	connect := sqliteConnect(t)
	reg := newRegistration(t, connect)
	ctx := testContext(t)

	_, err := reg.Register(ctx, "root", "svc")
	req.NoError(err)

	const n = 8
	results := make([]*registration.Result, n)
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			res, err := reg.Register(ctx, "contended", "svc")
			results[i] = res
			return err
		})
	}
	req.NoError(eg.Wait())

	created := 0
	for _, res := range results {
		if res.Created {
			created++
		}
		req.Equal(results[0].Node, res.Node)
		req.Equal(results[0].Parent, res.Parent)
	}
	req.Equal(1, created)
	req.Equal(uint64(2), results[0].Node.Position)
}

func TestLosingRaceReplaysWinner(t *testing.T) {
	req := require.New(t)
	store := mocks.NewMockStore(gomock.NewController(t))
	store.EXPECT().Count(gomock.Any()).Return(uint64(1), nil)
	reg, err := registration.New(testContext(t), store)
	req.NoError(err)

	winner := &registry.Node{Position: 2, Address: "addr", ServiceID: "svc"}
	root := &registry.Node{Position: 1, Address: "root", ServiceID: "svc"}
	gomock.InOrder(
		store.EXPECT().FindByAddress(gomock.Any(), "addr").Return(nil, registry.ErrNotFound),
		store.EXPECT().Append(gomock.Any(), "addr", "svc").Return(nil, nil, registry.ErrDuplicateAddress),
		store.EXPECT().FindByAddress(gomock.Any(), "addr").Return(winner, nil),
		store.EXPECT().FindByPosition(gomock.Any(), uint64(1)).Return(root, nil),
	)

	res, err := reg.Register(testContext(t), "addr", "svc")
	req.NoError(err)
	req.False(res.Created)
	req.Equal(*winner, res.Node)
	req.Equal(root, res.Parent)
}

func TestMissingParentIsReported(t *testing.T) {
	t.Run("new node", func(t *testing.T) {
		req := require.New(t)
		store := mocks.NewMockStore(gomock.NewController(t))
		store.EXPECT().Count(gomock.Any()).Return(uint64(7), nil)
		reg, err := registration.New(testContext(t), store)
		req.NoError(err)

		store.EXPECT().FindByAddress(gomock.Any(), "addr8").Return(nil, registry.ErrNotFound)
		store.EXPECT().Append(gomock.Any(), "addr8", "svc").Return(nil, nil, registry.ErrParentNotFound)

		_, err = reg.Register(testContext(t), "addr8", "svc")
		req.ErrorIs(err, registration.ErrParentNotFound)
	})
	t.Run("registered node", func(t *testing.T) {
		req := require.New(t)
		store := mocks.NewMockStore(gomock.NewController(t))
		store.EXPECT().Count(gomock.Any()).Return(uint64(8), nil)
		reg, err := registration.New(testContext(t), store)
		req.NoError(err)

		store.EXPECT().FindByAddress(gomock.Any(), "addr8").
			Return(&registry.Node{Position: 8, Address: "addr8", ServiceID: "svc"}, nil)
		store.EXPECT().FindByPosition(gomock.Any(), uint64(2)).Return(nil, registry.ErrNotFound)

		_, err = reg.Register(testContext(t), "addr8", "svc")
		req.ErrorIs(err, registration.ErrParentNotFound)
	})
}

func TestFailedRegistrationStoresNothing(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "nameserver.db")
	reg := newRegistration(t, "sqlite://"+path)
	ctx := testContext(t)

	_, err := reg.Register(ctx, "addr1", "svc")
	req.NoError(err)

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(10000)")
	req.NoError(err)
	t.Cleanup(func() { req.NoError(db.Close()) })
	_, err = db.Exec("DELETE FROM server WHERE id = 1")
	req.NoError(err)

	_, err = reg.Register(ctx, "addr2", "svc")
	req.ErrorIs(err, registration.ErrParentNotFound)

	store, err := registry.Open(ctx, "sqlite://"+path)
	req.NoError(err)
	t.Cleanup(func() { req.NoError(store.Close()) })
	_, err = store.FindByAddress(ctx, "addr2")
	req.ErrorIs(err, registry.ErrNotFound)
	count, err := store.Count(ctx)
	req.NoError(err)
	req.Zero(count)
}

func TestReplayedResultsDoNotShareParent(t *testing.T) {
	req := require.New(t)
	reg := newRegistration(t, sqliteConnect(t))
	ctx := testContext(t)

	_, err := reg.Register(ctx, "addr1", "svc-1")
	req.NoError(err)
	first, err := reg.Register(ctx, "addr2", "svc-2")
	req.NoError(err)
	first.Parent.Address = "tampered"

	second, err := reg.Register(ctx, "addr2", "svc-2")
	req.NoError(err)
	req.Equal("addr1", second.Parent.Address)
	second.Parent.ServiceID = "tampered"

	third, err := reg.Register(ctx, "addr2", "svc-2")
	req.NoError(err)
	req.Equal(registry.Node{Position: 1, Address: "addr1", ServiceID: "svc-1"}, *third.Parent)
}

func TestStoreFailuresPropagate(t *testing.T) {
	errBroken := errors.New("disk on fire")
	t.Run("lookup", func(t *testing.T) {
		store := mocks.NewMockStore(gomock.NewController(t))
		store.EXPECT().Count(gomock.Any()).Return(uint64(0), nil)
		reg, err := registration.New(testContext(t), store)
		require.NoError(t, err)

		store.EXPECT().FindByAddress(gomock.Any(), "addr").Return(nil, errBroken)
		_, err = reg.Register(testContext(t), "addr", "svc")
		require.ErrorIs(t, err, errBroken)
	})
	t.Run("append", func(t *testing.T) {
		store := mocks.NewMockStore(gomock.NewController(t))
		store.EXPECT().Count(gomock.Any()).Return(uint64(0), nil)
		reg, err := registration.New(testContext(t), store)
		require.NoError(t, err)

		store.EXPECT().FindByAddress(gomock.Any(), "addr").Return(nil, registry.ErrNotFound)
		store.EXPECT().Append(gomock.Any(), "addr", "svc").Return(nil, nil, errBroken)
		_, err = reg.Register(testContext(t), "addr", "svc")
		require.ErrorIs(t, err, errBroken)
	})
	t.Run("count on startup", func(t *testing.T) {
		store := mocks.NewMockStore(gomock.NewController(t))
		store.EXPECT().Count(gomock.Any()).Return(uint64(0), errBroken)
		_, err := registration.New(testContext(t), store)
		require.ErrorIs(t, err, errBroken)
	})
}

func TestReplayCacheSkipsStore(t *testing.T) {
	req := require.New(t)
	store := mocks.NewMockStore(gomock.NewController(t))
	store.EXPECT().Count(gomock.Any()).Return(uint64(0), nil)
	reg, err := registration.New(testContext(t), store)
	req.NoError(err)

	root := &registry.Node{Position: 1, Address: "root", ServiceID: "svc"}
	store.EXPECT().FindByAddress(gomock.Any(), "root").Return(nil, registry.ErrNotFound).Times(1)
	store.EXPECT().Append(gomock.Any(), "root", "svc").Return(root, nil, nil).Times(1)

	first, err := reg.Register(testContext(t), "root", "svc")
	req.NoError(err)
	req.True(first.Created)

	second, err := reg.Register(testContext(t), "root", "svc")
	req.NoError(err)
	req.False(second.Created)
	req.Equal(first.Node, second.Node)
	req.Nil(second.Parent)
}

func TestRejectsEmptyAddress(t *testing.T) {
	store := mocks.NewMockStore(gomock.NewController(t))
	store.EXPECT().Count(gomock.Any()).Return(uint64(0), nil)
	reg, err := registration.New(testContext(t), store)
	require.NoError(t, err)

	_, err = reg.Register(testContext(t), "", "svc")
	require.ErrorIs(t, err, registration.ErrInvalidAddress)
}
