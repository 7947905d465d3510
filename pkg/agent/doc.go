/*
Package agent drives the outer loop of one burrow worker: pull a batch
of tasks through the live tunnel session, execute each as an isolated
subprocess inside the session's network namespace, submit results as
they complete, aggregate an exit-IP health score, and act on the toggle
policy's decision.

# Architecture

One agent owns one session manager and runs one batch cycle at a time:

	┌─────────────────────────────────────────────────────────────┐
	│                    RunIndependentLoop                        │
	└──────────────────────────┬──────────────────────────────────┘
	                           │
	                           ▼
	              ┌────────────────────────┐
	              │     RunBatchCycle      │
	              │                        │
	              │  1. egress pre-check   │──── no address ──► ipCheckFailed
	              │  2. heartbeat          │
	              │  3. allocate ≤ N tasks │──── empty ────────► noWork{reason}
	              │  4. staggered dispatch │
	              │  5. submit per result  │
	              │  6. aggregate + score  │
	              └───────────┬────────────┘
	                          │
	                          ▼
	              ┌────────────────────────┐
	              │    TogglePolicy        │
	              │  (priority ordered)    │
	              └───────────┬────────────┘
	                          │
	        ┌─────────────┬───┴───────┬──────────────┐
	        ▼             ▼           ▼              ▼
	   PREVENTIVE      BLOCKED   NO_WORK_STREAK   IP_CHECK_FAILED
	   release +       toggle +  toggle +         / MANUAL
	   clean exit      bounded   teardown +       toggle +
	                   reconnect cooldown +       reconnect
	                             reconnect        (unbounded)

# Batch Cycle

A cycle starts with a lightweight egress probe; a dead tunnel fails the
cycle immediately, before wasting an allocation call. A probe address
that differs from the allocator's bound IP means the hub rotated the
resource silently; the allocator is re-pointed so task compatibility is
judged against the real exit address.

Up to MaxThreads tasks run concurrently, each in its own subprocess
with its own profile directory, sharing only the namespace's network
identity. Starts are staggered by StaggerInterval per thread index.
Each result is submitted to the hub individually as it resolves,
followed by a heartbeat; the cycle then waits for every dispatched task
before aggregating. Score = successes - blocked; plain failures are
score-neutral because they are usually transient, not proof of
detection.

All counters (score, streaks, totals) mutate only on the control
goroutine that drains the result channel.

# No-Work Branching

An empty allocation carries a hub reason:

  - IP_ALL_USED: tasks exist but none is compatible with this exit IP.
    Rotate immediately and reconnect; the no-work streak is untouched.
  - Anything else (including a locally synthesized HUB_UNREACHABLE when
    the allocation call fails): increment the streak, wait NoWorkDelay,
    and let the policy decide. At MaxNoWorkStreak the session is torn
    down fully, the agent cools down for NoWorkCooldown, then
    reconnects with a fresh lease.

# Loop Termination

The loop exits exactly three ways:

  - PREVENTIVE decision: quota met on a healthy IP. Toggle, release the
    lease, return nil. No reconnect.
  - ErrBlockedReconnect: a BLOCKED toggle followed by
    BlockedReconnectAttempts failed reconnects.
  - Stop() or context cancellation: in-flight subprocesses are killed,
    the loop returns nil at the next boundary.

Connect failures at loop entry surface session.ErrConnectFailed to the
caller, which decides whether to retry or abort.

# Task Subprocess Contract

The executor is launched as `ip netns exec <namespace> <executor>` (or
directly when no namespace is set, for development) and receives the
task through BURROW_* environment variables: ALLOCATION_KEY, KEYWORD,
PRODUCT_ID, ITEM_ID, VENDOR_ITEM_ID, WORK_TYPE, THREAD_INDEX,
NAMESPACE, EXIT_IP and PROFILE_DIR. It reports by printing a single
line:

	BURROW_RESULT {"success":true,"extras":{"detected_version":"..."}}

Exit codes are a secondary signal: 0 without a marker still counts as
success; nonzero is classified BLOCKED when the combined output
contains a block indicator, EXIT_ERROR otherwise. Exceeding the hard
TaskTimeout force-kills the process plus anything matching its profile
path and reports TIMEOUT. Spawn failures report SPAWN_ERROR. Failed
tasks are never retried locally; every outcome reaches the hub.

# Integration Points

  - pkg/session: SessionController (connect, reconnect, toggle,
    release, heartbeat, cleanup)
  - pkg/hub: BatchAllocator (task allocation and result submission)
  - pkg/tunnel: EgressChecker (pre-cycle probe), ProcessSweeper
    (timeout kill sweep)
  - pkg/policy: the pure toggle decision
  - pkg/status: per-cycle slot snapshots
  - pkg/metrics: task, cycle and score series
*/
package agent
