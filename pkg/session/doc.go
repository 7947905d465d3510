// Package session owns one tunnel session's lifecycle: lease a dongle
// from the hub, build the namespace-backed tunnel, verify its egress
// address, and expose reconnect, toggle, release and heartbeat on top.
//
// # Architecture
//
// Connect drives an explicit state machine with a bounded attempt
// budget:
//
//	         ┌────────────────────────────────────────────┐
//	         │            retry (fresh lease)             │
//	         ▼                                            │
//	Idle → Leasing → BuildingTunnel → Verifying ──────────┤
//	                                      │               │
//	                                      ▼               │
//	                                  Connected       Failed
//	                                                (attempts spent)
//
// Within the budget (3 attempts, backoff 3s + 2s·attempt) all failures
// are internal. Only exhaustion surfaces, wrapped in ErrConnectFailed;
// the caller decides whether to keep retrying or abort.
//
// # Lease Poisoning
//
// An egress check that comes back empty after setup means the lease is
// structurally broken, not slow. The manager tears the namespace down,
// signals the hub to rotate that resource's IP (the poison toggle),
// releases the lease, and retries with a fresh one. A failed lease is
// never reused.
//
// # Invariants
//
// At most one lease and one live session exist per manager at any
// instant; connect never runs without the previous session torn down.
// All operations serialize on one mutex. Toggle without a lease warns
// and no-ops. Release and Cleanup are idempotent and safe on partial
// state, because they double as error-recovery paths.
//
// # Collaborators
//
// The manager speaks to the hub through LeaseClient, to the OS through
// Tunneler and re-points the agent's task allocator through Rebinder;
// all three are narrow interfaces satisfied by *hub.Client,
// *tunnel.Helper and *hub.TaskAllocator, and faked in tests. Lease and
// toggle events are mirrored to the local bolt store and the status
// writer when wired.
package session
