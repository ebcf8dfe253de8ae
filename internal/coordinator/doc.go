// Package coordinator implements the authoritative side of the watch-party
// cluster: the membership table of registered edge nodes, the least-loaded
// session balancer with its unassigned pool, and the liveness probing that
// drives failover.
//
// # Membership and epochs
//
// The coordinator picks a generation epoch once at startup. Every node
// registration and session credential carries the epoch it last saw; a
// mismatch means the coordinator has restarted and all previously issued
// node IDs and assignments are void. A registration with the current epoch
// and a known ID is a reconnect: the node keeps its session map and only its
// capability reference is swapped.
//
// # Liveness and failover
//
// One probe task runs per registered node. It polls the node's status
// endpoint on a backoff schedule: the period starts at the configured
// interval, halves after every consecutive failure, and resets on success.
// After the configured number of consecutive failures the node is evicted
// under the table's exclusive lock and every session it held is re-inserted
// through the balancer.
//
// Each probe task carries a generation value stamped into the node's table
// entry when the task starts. A reconnect replaces the stamp, so a stale
// task's eviction branch finds the mismatch and aborts instead of evicting a
// live node. This makes the eviction-vs-reconnect race resolvable without
// depending on cancellation timing.
//
// # Locking
//
// The registration table and the unassigned pool have separate locks.
// Assignment and login read and mutate the table under its exclusive lock,
// which is the same lock eviction removes nodes under, so a session is never
// assigned to a node mid-removal. When both locks are needed the table lock
// is always taken first.
package coordinator
