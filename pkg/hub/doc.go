// Package hub implements the JSON-over-HTTP client for the burrow hub,
// the central coordinator that owns dongle leases and the task queue.
//
// # Architecture
//
// The hub is externally owned; this package is a thin typed client over
// its REST surface. Two layers:
//
//	┌──────────────────────────────────────────────────┐
//	│                   TaskAllocator                   │
//	│   (agentID, leaseID, exitIP) binding + rebind     │
//	├──────────────────────────────────────────────────┤
//	│                      Client                       │
//	│   AllocateLease  Heartbeat  Toggle  Release       │
//	│   AllocateBatch  SubmitResult                     │
//	└──────────────────────────────────────────────────┘
//
// Client is stateless transport: bearer-authenticated JSON POSTs with
// per-request timeouts, non-2xx responses surfaced as *APIError with
// the hub's error code when the body carries one. TaskAllocator adds
// the one piece of state the agent needs across a session: which lease
// and exit IP the next batch allocation is for.
//
// # Lease Protocol
//
// AllocateLease grants at most one resource per agent; ErrNoLease means
// the pool is exhausted, not a transport failure. Heartbeat renews the
// grant; a silent agent gets reclaimed. Toggle is an at-least-once
// rotation signal addressed by (server, resource), so it stays valid
// even while no lease is held. Release returns the resource together
// with the session's ReleaseStats.
//
// # Usage
//
//	client := hub.New(hub.Config{BaseURL: url, APIKey: key})
//	lease, err := client.AllocateLease(ctx, agentID)
//	if errors.Is(err, hub.ErrNoLease) { ... }
//
//	alloc := hub.NewTaskAllocator(client, agentID)
//	alloc.Rebind(lease.LeaseID, exitIP)
//	tasks, reason, err := alloc.Allocate(ctx, maxTasks)
//
// # Integration Points
//
// pkg/session drives the lease protocol; pkg/agent drives the task
// protocol through the allocator the session manager binds for it.
package hub
