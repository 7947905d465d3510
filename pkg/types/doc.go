/*
Package types defines the core data structures used throughout Burrow.

This package contains the fundamental types of Burrow's domain model:
dongle leases, tunnel sessions, tasks and their outcomes, batch cycle
aggregates, toggle decisions, and the local history records. These types
are used by all other packages for session management, hub communication,
and persistence.

# Core Types

Lease and session:
  - DongleLease: hub-issued exclusive lease on one exit-IP resource
  - TunnelSession: namespace + tunnel interface pair built from a lease
  - SessionState: idle, leasing, building_tunnel, verifying, connected, failed

Work execution:
  - Task: one batch-allocated unit of work (allocation key is the
    correlation id with the hub)
  - TaskOutcome: terminal result, reported to the hub exactly once
  - TaskErrorType: TIMEOUT, BLOCKED, EXIT_ERROR, SPAWN_ERROR
  - BatchCycleResult: per-cycle aggregate with the exit-IP health score

Rotation:
  - ToggleReason: IP_CHECK_FAILED, BLOCKED, NO_WORK_STREAK, PREVENTIVE, MANUAL
  - ToggleDecision: the toggle policy's verdict
  - NoWorkReason: why an allocation came back empty

History and accounting:
  - LeaseRecord, ToggleRecord: local observability records (pkg/storage)
  - ReleaseStats: cumulative summary submitted with a lease release

# Score

The exit-IP health signal is

	score = success count - blocked count

Plain failures (timeouts, crashes) never move the score: they are usually
transient or ambiguous and are not proof the IP was detected. Only blocked
outcomes count against the address.

# Design Patterns

All enums are typed string constants:

	type ToggleReason string
	const (
	    ToggleReasonBlocked ToggleReason = "BLOCKED"
	)

Wire-crossing and persisted types carry snake_case JSON tags; purely
in-memory types (ToggleDecision) carry none.

# Thread Safety

Types in this package are plain data. Mutation must be synchronized by
callers; within an agent process all counters are confined to the single
control goroutine that owns the batch loop.

# See Also

  - pkg/session for lease/session lifecycle
  - pkg/policy for how ToggleDecision is produced
  - pkg/hub for the wire-level requests these types ride in
*/
package types
