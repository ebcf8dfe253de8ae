// Package cluster holds the wire-level contract shared by the coordinator,
// edge nodes, and client sessions: request/response types, the error taxonomy
// that travels across RPC hops, JSON-over-HTTP helpers, and capability
// clients.
//
// Every process in the system addresses every other one through a capability
// reference, which on the wire is nothing more than a base URL. Holding a
// reference says nothing about the referenced process's liveness; that is
// only ever established by explicit probing. The three capability clients
// mirror the three roles:
//
//   - CoordinatorClient: calls into the coordinator (used by edge nodes and,
//     through an edge relay, by sessions).
//   - EdgeClient: calls into an edge node (used by the coordinator for
//     liveness probes, session assignment pushes, and replication).
//   - SessionClient: calls into a session's callback endpoint (used to push
//     assignment notices, room invitations, and download chunks).
//
// Errors raised on one side of an RPC are serialized as a JSON envelope with
// a machine-readable code and rebuilt on the other side, so errors.Is against
// the sentinels in this package works identically in-process and across the
// wire.
package cluster
