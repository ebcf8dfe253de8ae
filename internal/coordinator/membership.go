package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/parlor/internal/cluster"
	"github.com/dreamware/parlor/internal/metrics"
)

// EdgeCaller is the slice of an edge node's capability surface the
// membership layer calls into. *cluster.EdgeClient satisfies it; tests
// substitute fakes.
type EdgeCaller interface {
	Status(ctx context.Context) (int64, error)
	SetAssignedID(ctx context.Context, welcome cluster.NodeWelcome) error
	AssignSession(ctx context.Context, s cluster.SessionIdentity) error
	Reset(ctx context.Context) error
}

// nodeEntry is one registered edge node. The entry is owned by the
// membership table; its session map transfers to the balancer on eviction.
type nodeEntry struct {
	id       int
	addr     string
	caller   EdgeCaller
	sessions map[string]cluster.SessionIdentity

	// probeGen stamps the probe task currently authorized to evict this
	// entry. A reconnect bumps it, invalidating the old task's eviction.
	probeGen    uint64
	cancelProbe context.CancelFunc
}

// Options configures a membership table. Zero durations and counts fall back
// to the cluster defaults.
type Options struct {
	Epoch            int64
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	MaxProbeFailures int

	// DialEdge builds the capability reference for a node address. Defaults
	// to cluster.NewEdgeClient.
	DialEdge func(addr string) EdgeCaller

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Membership is the coordinator-side registry of edge nodes and their
// assigned sessions, combined with the balancer's unassigned pool.
type Membership struct {
	epoch        int64
	probeEvery   time.Duration
	probeTimeout time.Duration
	maxFailures  int
	dialEdge     func(addr string) EdgeCaller
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu     sync.RWMutex // registration table; exclusive for any mutation
	nodes  map[int]*nodeEntry
	nextID int

	poolMu sync.Mutex // unassigned pool; always taken after mu
	pool   map[string]cluster.SessionIdentity

	gen atomic.Uint64
	wg  sync.WaitGroup
}

// NewMembership creates an empty membership table for one coordinator
// lifetime identified by opts.Epoch.
func NewMembership(opts Options) *Membership {
	if opts.Epoch == 0 {
		opts.Epoch = time.Now().UnixMilli()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = cluster.DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.MaxProbeFailures <= 0 {
		opts.MaxProbeFailures = cluster.DefaultMaxProbeFailures
	}
	if opts.DialEdge == nil {
		opts.DialEdge = func(addr string) EdgeCaller { return cluster.NewEdgeClient(addr) }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Membership{
		epoch:        opts.Epoch,
		probeEvery:   opts.ProbeInterval,
		probeTimeout: opts.ProbeTimeout,
		maxFailures:  opts.MaxProbeFailures,
		dialEdge:     opts.DialEdge,
		metrics:      opts.Metrics,
		logger:       opts.Logger.Named("membership"),
		nodes:        make(map[int]*nodeEntry),
		pool:         make(map[string]cluster.SessionIdentity),
	}
}

// Epoch returns the generation epoch of this coordinator lifetime.
func (m *Membership) Epoch() int64 { return m.epoch }

// RegisterNode handles a node hello. A candidate with a stale epoch or an
// unknown ID is treated as new: it gets the next unused ID and its residual
// state is cleared. A candidate with the current epoch and a known ID is a
// reconnect: the previous probe task is cancelled, the session map is kept,
// and the new capability reference is swapped in with every surviving
// assignment re-pushed. In both cases a fresh probe task is started and the
// unassigned pool is drained.
func (m *Membership) RegisterNode(ctx context.Context, hello cluster.NodeHello) (cluster.NodeWelcome, error) {
	m.mu.Lock()
	entry, known := m.nodes[hello.ID]
	fresh := hello.Epoch != m.epoch || !known

	var reassign []cluster.SessionIdentity
	if fresh {
		entry = &nodeEntry{
			id:       m.nextID,
			addr:     hello.Addr,
			caller:   m.dialEdge(hello.Addr),
			sessions: make(map[string]cluster.SessionIdentity),
		}
		m.nextID++
		m.nodes[entry.id] = entry
	} else {
		entry.cancelProbe()
		entry.addr = hello.Addr
		entry.caller = m.dialEdge(hello.Addr)
		for _, s := range entry.sessions {
			reassign = append(reassign, s)
		}
	}

	gen := m.gen.Add(1)
	entry.probeGen = gen
	probeCtx, cancel := context.WithCancel(context.Background())
	entry.cancelProbe = cancel

	id := entry.id
	caller := entry.caller
	m.mu.Unlock()

	welcome := cluster.NodeWelcome{ID: id, Epoch: m.epoch}
	if fresh {
		m.logger.Info("added node", zap.Int("node_id", id), zap.String("addr", hello.Addr))
		if err := caller.Reset(ctx); err != nil {
			m.logger.Warn("residual state clear failed", zap.Int("node_id", id), zap.Error(err))
		}
		if err := caller.SetAssignedID(ctx, welcome); err != nil {
			m.logger.Warn("assign-id push failed", zap.Int("node_id", id), zap.Error(err))
		}
	} else {
		m.logger.Info("node reconnected", zap.Int("node_id", id), zap.String("addr", hello.Addr))
		for _, s := range reassign {
			if err := caller.AssignSession(ctx, s); err != nil {
				m.logger.Warn("reassignment push failed",
					zap.Int("node_id", id), zap.String("username", s.Username), zap.Error(err))
			}
		}
	}

	m.wg.Add(1)
	go m.probe(probeCtx, id, caller, gen)

	m.drain(ctx)
	m.updateGauges()
	return welcome, nil
}

// Register creates a new session. It fails with ErrUsernameTaken when the
// username exists anywhere, pooled or assigned, and otherwise assigns the
// session through the balancer. Returns the current epoch.
func (m *Membership) Register(ctx context.Context, s cluster.SessionIdentity) (int64, error) {
	m.mu.Lock()
	m.poolMu.Lock()

	taken := false
	if _, ok := m.pool[s.Username]; ok {
		taken = true
	}
	for _, entry := range m.nodes {
		if _, ok := entry.sessions[s.Username]; ok {
			taken = true
			break
		}
	}
	if taken {
		m.poolMu.Unlock()
		m.mu.Unlock()
		return 0, cluster.Errorf(cluster.ErrUsernameTaken, "username %q is already taken", s.Username)
	}

	caller, notice := m.assignLocked(s)
	m.poolMu.Unlock()
	m.mu.Unlock()

	m.logger.Info("registered session", zap.String("username", s.Username))
	m.pushAssignment(ctx, caller, s, notice)
	m.updateGauges()
	return m.epoch, nil
}

// Login re-authenticates an existing session. The stored identity is
// replaced with the caller's (new callback endpoint) and, when the session
// sits on a node, the assignment notice is re-pushed. Returns the current
// epoch on every success path.
func (m *Membership) Login(ctx context.Context, s cluster.SessionIdentity) (int64, error) {
	m.mu.Lock()
	for _, entry := range m.nodes {
		old, ok := entry.sessions[s.Username]
		if !ok {
			continue
		}
		if old.Password != s.Password {
			m.mu.Unlock()
			return 0, cluster.Errorf(cluster.ErrWrongPassword, "wrong password for %q", s.Username)
		}
		entry.sessions[s.Username] = s
		caller := entry.caller
		notice := cluster.AssignmentNotice{NodeAddr: entry.addr, NodeID: entry.id, Epoch: m.epoch}
		m.mu.Unlock()

		m.logger.Info("session logged in",
			zap.String("username", s.Username), zap.Int("node_id", notice.NodeID))
		m.pushAssignment(ctx, caller, s, notice)
		return m.epoch, nil
	}
	m.mu.Unlock()

	m.poolMu.Lock()
	if old, ok := m.pool[s.Username]; ok {
		if old.Password != s.Password {
			m.poolMu.Unlock()
			return 0, cluster.Errorf(cluster.ErrWrongPassword, "wrong password for %q", s.Username)
		}
		m.pool[s.Username] = s
		m.poolMu.Unlock()
		m.logger.Info("session logged in, no node to assign yet", zap.String("username", s.Username))
		return m.epoch, nil
	}
	m.poolMu.Unlock()

	return 0, cluster.Errorf(cluster.ErrUnknownUser, "user %q does not exist", s.Username)
}

// Lookup returns the stored identity for username, wherever it sits.
func (m *Membership) Lookup(username string) (cluster.SessionIdentity, bool) {
	m.mu.RLock()
	for _, entry := range m.nodes {
		if s, ok := entry.sessions[username]; ok {
			m.mu.RUnlock()
			return s, true
		}
	}
	m.mu.RUnlock()

	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	s, ok := m.pool[username]
	return s, ok
}

// Users returns every registered username, assigned or pooled, sorted and
// without duplicates.
func (m *Membership) Users() []string {
	var users []string

	m.mu.RLock()
	for _, entry := range m.nodes {
		for username := range entry.sessions {
			users = append(users, username)
		}
	}
	m.mu.RUnlock()

	m.poolMu.Lock()
	for username := range m.pool {
		users = append(users, username)
	}
	m.poolMu.Unlock()

	slices.Sort(users)
	return slices.Compact(users)
}

// SessionsFor returns the usernames currently assigned to a node.
func (m *Membership) SessionsFor(nodeID int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.nodes[nodeID]
	if !ok {
		return nil, cluster.Errorf(cluster.ErrStaleGeneration, "no registered node %d", nodeID)
	}
	sessions := make([]string, 0, len(entry.sessions))
	for username := range entry.sessions {
		sessions = append(sessions, username)
	}
	slices.Sort(sessions)
	return sessions, nil
}

// Nodes returns a snapshot of every registered node.
func (m *Membership) Nodes() []cluster.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]cluster.NodeInfo, 0, len(m.nodes))
	for _, entry := range m.nodes {
		infos = append(infos, cluster.NodeInfo{
			ID:       entry.id,
			Addr:     entry.addr,
			Sessions: len(entry.sessions),
		})
	}
	slices.SortFunc(infos, func(a, b cluster.NodeInfo) int { return a.ID - b.ID })
	return infos
}

// NodeAddr returns the capability address of a registered node.
func (m *Membership) NodeAddr(nodeID int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.nodes[nodeID]
	if !ok {
		return "", cluster.Errorf(cluster.ErrStaleGeneration, "no registered node %d", nodeID)
	}
	return entry.addr, nil
}

// Close cancels every probe task and waits for them to stop.
func (m *Membership) Close() {
	m.mu.Lock()
	for _, entry := range m.nodes {
		entry.cancelProbe()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Membership) pushAssignment(ctx context.Context, caller EdgeCaller, s cluster.SessionIdentity, notice cluster.AssignmentNotice) {
	if caller == nil {
		return
	}
	if err := caller.AssignSession(ctx, s); err != nil {
		// The session discovers its assignment through its own polling; a
		// lost push is not fatal.
		m.logger.Warn("assignment push failed",
			zap.String("username", s.Username), zap.Int("node_id", notice.NodeID), zap.Error(err))
	}
}

func (m *Membership) updateGauges() {
	m.mu.RLock()
	assigned := 0
	for _, entry := range m.nodes {
		assigned += len(entry.sessions)
	}
	nodes := len(m.nodes)
	m.mu.RUnlock()

	m.poolMu.Lock()
	pooled := len(m.pool)
	m.poolMu.Unlock()

	m.metrics.RegisteredNodes.Set(float64(nodes))
	m.metrics.AssignedSessions.Set(float64(assigned))
	m.metrics.UnassignedSessions.Set(float64(pooled))
}
