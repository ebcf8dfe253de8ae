// Package asset implements the per-node blob store for video assets.
//
// Every node in the system (the coordinator and each edge node) keeps its
// asset bytes under one directory, keyed by asset name. An in-progress asset
// lives in a ".temp"-suffixed file; finalizing renames it into place, and only
// finalized assets are visible to discovery queries. The directory is wiped on
// store creation because no state survives a process restart.
//
// The store has two write paths:
//
//   - The reservation path (Reserve, Append, Finalize) enforces ownership: a
//     name is claimed by one owner, and only that owner may append or
//     finalize until the reservation either finishes or expires. An
//     unfinished reservation that has seen no writes for the reservation TTL
//     is expired and may be reclaimed under a different owner.
//
//   - The cache path (CacheAppend, CacheCommit) fills a local replica from an
//     inbound transfer. Ownership was already checked at the source, so the
//     cache path only preserves the temp/commit visibility rule.
//
// Reservation checks, appends, and finalizes for one name are serialized by a
// per-name mutex registry, so two concurrent reservations for the same name
// can never both succeed and an append can never race an expiry check.
package asset
