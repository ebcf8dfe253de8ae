package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
)

// Assign places a session on the least-loaded registered node, or in the
// unassigned pool when no node is registered. Used both for fresh
// registrations and for failover re-insertion.
func (m *Membership) Assign(ctx context.Context, s cluster.SessionIdentity) {
	m.mu.Lock()
	m.poolMu.Lock()
	caller, notice := m.assignLocked(s)
	m.poolMu.Unlock()
	m.mu.Unlock()

	m.pushAssignment(ctx, caller, s, notice)
	m.updateGauges()
}

// assignLocked records the session on the node with the fewest assigned
// sessions, ties broken by iteration order, and returns the push target. It
// pools the session and returns a nil caller when no node is registered.
// Requires mu and poolMu held.
func (m *Membership) assignLocked(s cluster.SessionIdentity) (EdgeCaller, cluster.AssignmentNotice) {
	var best *nodeEntry
	for _, entry := range m.nodes {
		if best == nil || len(entry.sessions) < len(best.sessions) {
			best = entry
		}
	}
	if best == nil {
		m.pool[s.Username] = s
		m.logger.Info("no node available, session pooled", zap.String("username", s.Username))
		return nil, cluster.AssignmentNotice{}
	}

	best.sessions[s.Username] = s
	m.logger.Info("assigned session",
		zap.String("username", s.Username), zap.Int("node_id", best.id))
	return best.caller, cluster.AssignmentNotice{NodeAddr: best.addr, NodeID: best.id, Epoch: m.epoch}
}

// drain moves the whole unassigned pool onto registered nodes. Each member
// leaves the pool only once it has been recorded on a node; a pool that
// cannot be placed (all nodes gone again) stays put for the next drain.
func (m *Membership) drain(ctx context.Context) {
	m.poolMu.Lock()
	pending := make([]string, 0, len(m.pool))
	for username := range m.pool {
		pending = append(pending, username)
	}
	m.poolMu.Unlock()

	if len(pending) == 0 {
		return
	}
	m.logger.Info("draining unassigned pool", zap.Int("sessions", len(pending)))

	for _, username := range pending {
		m.mu.Lock()
		m.poolMu.Lock()
		s, still := m.pool[username]
		if !still {
			// A concurrent drain or login already moved it.
			m.poolMu.Unlock()
			m.mu.Unlock()
			continue
		}
		caller, notice := m.assignLocked(s)
		if caller != nil {
			delete(m.pool, username)
		}
		m.poolMu.Unlock()
		m.mu.Unlock()

		m.pushAssignment(ctx, caller, s, notice)
	}
	m.updateGauges()
}
