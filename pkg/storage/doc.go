// Package storage keeps a local, non-authoritative history of lease
// and toggle events in a single-file BoltDB database.
//
// # Purpose
//
// The hub owns the truth about leases; this store exists so an
// operator on the box can answer "what has this agent been doing"
// without hub access:
//
//	burrow history leases
//	burrow history toggles
//
// Two buckets:
//
//   - leases: one record per allocation, keyed by lease id, stamped
//     with release time, duration and reason when the lease ends
//   - toggles: one record per rotation signal, keyed by nanosecond
//     timestamp so cursor order is chronological
//
// Writes come from the session manager as lifecycle events happen;
// reads come from the CLI. Both sides tolerate the file being absent
// or stale; losing it loses nothing but hindsight.
package storage
