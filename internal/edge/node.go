// Package edge implements the relay node that stands between client sessions
// and the coordinator. An edge node registers with the coordinator, serves
// its assigned sessions, forwards what it cannot answer locally, and caches
// finished assets by polling the coordinator's asset list and requesting
// replication of anything it lacks.
package edge

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/asset"
	"github.com/dreamware/parlor/internal/cluster"
	"github.com/dreamware/parlor/internal/config"
	"github.com/dreamware/parlor/internal/metrics"
	"github.com/dreamware/parlor/internal/replication"
)

// SessionCaller is the slice of a session's callback surface the node pushes
// into. *cluster.SessionClient satisfies it, and it doubles as a download
// destination.
type SessionCaller interface {
	Key() string
	AssignNode(ctx context.Context, notice cluster.AssignmentNotice) error
	WriteChunk(ctx context.Context, name string, chunk cluster.Chunk) error
	Commit(ctx context.Context, name string) error
}

// Node is one edge-node runtime.
type Node struct {
	cfg         config.Edge
	coord       *cluster.CoordinatorClient
	metrics     *metrics.Metrics
	logger      *zap.Logger
	dialSession func(addr string) SessionCaller

	mu         sync.Mutex
	id         int
	epoch      int64
	registered bool
	sessions   map[string]cluster.SessionIdentity
	store      *asset.Store
	pipeline   *replication.Pipeline
	requested  map[string]bool

	// transferCtx scopes outbound transfers to the current registration
	// generation; adopting a fresh identity cancels whatever is in flight.
	transferCtx    context.Context
	transferCancel context.CancelFunc
}

// NewNode creates a node that will register against cfg.CoordinatorAddr. The
// asset cache is created on first successful registration, under a
// per-node-ID directory.
func NewNode(cfg config.Edge, m *metrics.Metrics, logger *zap.Logger) *Node {
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:            cfg,
		coord:          cluster.NewCoordinatorClient(cfg.CoordinatorAddr),
		metrics:        m,
		logger:         logger.Named("edge"),
		dialSession:    func(addr string) SessionCaller { return cluster.NewSessionClient(addr) },
		sessions:       make(map[string]cluster.SessionIdentity),
		requested:      make(map[string]bool),
		transferCtx:    ctx,
		transferCancel: cancel,
	}
}

// Run registers with the coordinator and keeps the asset cache in sync until
// ctx is cancelled. Any connectivity failure against the coordinator drops
// the node back into the registration loop; the coordinator decides whether
// that comes back as a reconnect or a fresh identity.
func (n *Node) Run(ctx context.Context) error {
	for {
		hello := cluster.NodeHello{Addr: n.cfg.PublicAddr, ID: n.ID(), Epoch: n.Epoch()}
		welcome, err := n.coord.RegisterNode(ctx, hello)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Info("coordinator unreachable, retrying",
				zap.Duration("delay", n.cfg.ReconnectDelay), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.ReconnectDelay):
			}
			continue
		}

		if err := n.adopt(welcome); err != nil {
			return err
		}

		if err := n.syncLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Warn("lost coordinator, re-registering", zap.Error(err))
		}
	}
}

// adopt installs the identity the coordinator settled on. A new ID or epoch
// means this lifetime's residual state is void: the cache directory is
// recreated and the session map cleared.
func (n *Node) adopt(welcome cluster.NodeWelcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.registered && n.id == welcome.ID && n.epoch == welcome.Epoch {
		n.logger.Info("reconnected to coordinator", zap.Int("node_id", n.id))
		return nil
	}

	store, err := asset.NewStore(
		filepath.Join(n.cfg.DataDir, strconv.Itoa(welcome.ID)),
		cluster.DefaultReservationTTL,
		n.logger,
	)
	if err != nil {
		return err
	}

	n.transferCancel()
	n.transferCtx, n.transferCancel = context.WithCancel(context.Background())

	n.id = welcome.ID
	n.epoch = welcome.Epoch
	n.registered = true
	n.sessions = make(map[string]cluster.SessionIdentity)
	n.requested = make(map[string]bool)
	n.store = store
	n.pipeline = replication.NewPipeline(store, n.cfg.ChunkSize, n.metrics, n.logger)

	n.logger.Info("registered with coordinator",
		zap.Int("node_id", n.id), zap.Int64("epoch", n.epoch), zap.String("cache_dir", store.Dir()))
	return nil
}

// syncLoop polls the coordinator's finished-asset list and requests
// replication of anything missing locally. It returns on the first
// connectivity failure so Run can fall back to registration.
func (n *Node) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		if err := n.syncAssets(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// syncAssets requests replication for every finished asset the coordinator
// lists that is neither cached locally nor already requested. The requested
// set suppresses duplicate requests across polling rounds.
func (n *Node) syncAssets(ctx context.Context) error {
	names, err := n.coord.ListAssets(ctx)
	if err != nil {
		return err
	}

	n.mu.Lock()
	id := n.id
	have := make(map[string]bool)
	for _, name := range n.store.List() {
		have[name] = true
	}
	// Marks whose replicas have landed are spent; drop them so the set
	// only ever holds names actually in flight.
	for name := range n.requested {
		if have[name] {
			delete(n.requested, name)
		}
	}
	var want []string
	for _, name := range names {
		if !have[name] && !n.requested[name] {
			n.requested[name] = true
			want = append(want, name)
		}
	}
	n.mu.Unlock()

	for _, name := range want {
		n.logger.Info("requesting replication", zap.String("name", name))
		err := n.coord.RequestReplication(ctx, name, id)
		switch {
		case err == nil:
		case errors.Is(err, cluster.ErrDuplicateTransfer):
			// Already streaming toward us; the requested mark stands.
		default:
			n.mu.Lock()
			delete(n.requested, name)
			n.mu.Unlock()
			var ce *cluster.Error
			if errors.As(err, &ce) {
				n.logger.Warn("replication request rejected",
					zap.String("name", name), zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}

// ID returns the node's current assigned ID (0 before first registration).
func (n *Node) ID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Epoch returns the coordinator epoch this node last registered under.
func (n *Node) Epoch() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epoch
}

// runtime returns the store and pipeline once registration has completed.
func (n *Node) runtime() (*asset.Store, *replication.Pipeline, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.registered || n.store == nil {
		return nil, nil, cluster.ErrNotReady
	}
	return n.store, n.pipeline, nil
}
