package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/registry"
	"github.com/spacemeshos/nameserver/topology"
)

var (
	ErrParentNotFound = registry.ErrParentNotFound
	ErrInvalidAddress = errors.New("invalid address")
)

// Result is the outcome of a registration.
type Result struct {
	Node registry.Node
	// Parent is nil for the root.
	Parent *registry.Node
	// Created is set if this call appended the node to the registry.
	Created bool
}

func (r *Result) clone() *Result {
	out := *r
	if r.Parent != nil {
		parent := *r.Parent
		out.Parent = &parent
	}
	return &out
}

// Registration assigns tree positions to nodes and resolves their parents.
// It keeps no topology state of its own; positions come from the registry.
type Registration struct {
	cfg    Config
	store  registry.Store
	replay *lru.Cache
}

type newRegistrationOptionFunc func(*newRegistrationOptions)

type newRegistrationOptions struct {
	cfg Config
}

func WithConfig(cfg Config) newRegistrationOptionFunc {
	return func(opts *newRegistrationOptions) {
		opts.cfg = cfg
	}
}

func New(ctx context.Context, store registry.Store, opts ...newRegistrationOptionFunc) (*Registration, error) {
	options := newRegistrationOptions{
		cfg: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", options.cfg.CacheSize)
	}
	replay, err := lru.New(options.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating replay cache: %w", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting registered nodes: %w", err)
	}
	nodesMetric.Set(float64(count))
	logging.FromContext(ctx).Info("registration service ready",
		zap.Uint64("nodes", count),
		zap.Int("branch_factor", topology.BranchFactor),
	)

	return &Registration{
		cfg:    options.cfg,
		store:  store,
		replay: replay,
	}, nil
}

// Register places the node reachable at address into the tree and returns
// its parent. Registering a known address returns the result of its first
// registration.
func (r *Registration) Register(ctx context.Context, address, serviceID string) (*Result, error) {
	start := time.Now()
	res, err := r.register(ctx, address, serviceID)
	durationMetric.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		requestsMetric.WithLabelValues(resultFailed).Inc()
	case res.Created:
		requestsMetric.WithLabelValues(resultCreated).Inc()
		nodesMetric.Inc()
	default:
		requestsMetric.WithLabelValues(resultExisting).Inc()
	}
	return res, err
}

func (r *Registration) register(ctx context.Context, address, serviceID string) (*Result, error) {
	logger := logging.FromContext(ctx).With(zap.String("address", address))
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	logger.Debug("node wants to register itself", zap.String("service_id", serviceID))

	if cached, ok := r.replay.Get(address); ok {
		logger.Debug("replaying cached registration")
		return cached.(*Result).clone(), nil
	}

	node, err := r.store.FindByAddress(ctx, address)
	switch {
	case err == nil:
		logger.Debug("node is already registered", zap.Uint64("position", node.Position))
		return r.resolve(ctx, node)
	case !errors.Is(err, registry.ErrNotFound):
		return nil, fmt.Errorf("looking up %q: %w", address, err)
	}

	node, parent, err := r.store.Append(ctx, address, serviceID)
	switch {
	case errors.Is(err, registry.ErrDuplicateAddress):
		// Another registration of this address committed first. Answer with
		// its record.
		logger.Debug("lost registration race", zap.Error(err))
		node, err = r.store.FindByAddress(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("reading concurrently registered %q: %w", address, err)
		}
		return r.resolve(ctx, node)
	case err != nil:
		return nil, fmt.Errorf("registering %q: %w", address, err)
	}
	logger.Info("registered node", zap.Object("node", node))
	return r.remember(&Result{Node: *node, Parent: parent, Created: true}), nil
}

// resolve looks up the parent of an already registered node.
func (r *Registration) resolve(ctx context.Context, node *registry.Node) (*Result, error) {
	res := &Result{Node: *node}
	parentPosition, ok := topology.ParentOf(node.Position)
	if ok {
		parent, err := r.store.FindByPosition(ctx, parentPosition)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return nil, fmt.Errorf("%w: node %d expects its parent at %d", ErrParentNotFound, node.Position, parentPosition)
		case err != nil:
			return nil, fmt.Errorf("looking up parent at %d: %w", parentPosition, err)
		}
		res.Parent = parent
		logging.FromContext(ctx).Debug("resolved parent", zap.Object("node", node), zap.Object("parent", parent))
	} else {
		logging.FromContext(ctx).Debug("node is the root", zap.Object("node", node))
	}
	return r.remember(res), nil
}

// remember caches a copy of res for replays and returns res.
func (r *Registration) remember(res *Result) *Result {
	cached := res.clone()
	cached.Created = false
	r.replay.Add(res.Node.Address, cached)
	return res
}
