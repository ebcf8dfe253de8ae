package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// probe is the liveness-check task for one registered node. It polls the
// node's status endpoint on a backoff schedule: the period starts at the
// configured interval, halves after every consecutive failure, and resets on
// success. After maxFailures consecutive failures the node is evicted. The
// task exits when its context is cancelled by a reconnect, an eviction, or
// shutdown.
func (m *Membership) probe(ctx context.Context, nodeID int, caller EdgeCaller, gen uint64) {
	defer m.wg.Done()

	logger := m.logger.Named("probe").With(zap.Int("node_id", nodeID))
	period := m.probeEvery
	fails := 0

	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		logger.Debug("next probe scheduled",
			zap.Duration("period", period), zap.Int("failures", fails))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		_, err := caller.Status(probeCtx)
		cancel()

		if err == nil {
			period = m.probeEvery
			fails = 0
		} else {
			fails++
			period /= 2
			m.metrics.ProbeFailures.Inc()
			logger.Warn("probe failed",
				zap.Int("attempt", fails), zap.Int("max", m.maxFailures), zap.Error(err))

			if fails >= m.maxFailures {
				m.evict(nodeID, gen)
				return
			}
		}
		timer.Reset(period)
	}
}

// evict removes a node after repeated probe failures and re-inserts every
// session it held through the balancer. The removal happens under the
// table's exclusive lock, and only when the entry still carries the
// generation this probe task was started with; a reconnect in the meantime
// bumps the generation and the eviction aborts.
//
// The orphaned sessions move into the unassigned pool before either lock is
// released, so at no point is a username absent from both the table and the
// pool. A racing Register sees the orphan as taken, and a racing Login finds
// and updates the pooled identity instead of being clobbered by a stale one.
func (m *Membership) evict(nodeID int, gen uint64) {
	m.mu.Lock()
	entry, ok := m.nodes[nodeID]
	if !ok || entry.probeGen != gen {
		m.mu.Unlock()
		m.logger.Info("eviction superseded by reconnect", zap.Int("node_id", nodeID))
		return
	}
	entry.cancelProbe()
	delete(m.nodes, nodeID)

	m.poolMu.Lock()
	for username, s := range entry.sessions {
		m.pool[username] = s
	}
	orphaned := len(entry.sessions)
	m.poolMu.Unlock()
	m.mu.Unlock()

	m.metrics.Evictions.Inc()
	m.logger.Info("node evicted after repeated probe failures",
		zap.Int("node_id", nodeID), zap.Int("orphaned_sessions", orphaned))

	m.drain(context.Background())
	m.updateGauges()
}
