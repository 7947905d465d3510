// Package policy decides when a session's exit IP must rotate.
//
// The decision is a pure function of four numbers the agent tracks
// between toggles, evaluated in strict priority order:
//
//	1. IPCheckFailed        → IP_CHECK_FAILED   (tunnel structurally broken)
//	2. Score ≤ -2           → BLOCKED           (exit IP burned)
//	3. NoWorkStreak ≥ 3     → NO_WORK_STREAK    (hub starving this IP)
//	4. SuccessSinceToggle ≥ 50 → PREVENTIVE     (rotate before it burns)
//	otherwise               → no toggle
//
// Score is successes minus blocked outcomes; ordinary failures are
// score-neutral because they are usually transient and prove nothing
// about the IP. MANUAL (priority 5) exists in the reason enum but is
// armed by the agent on operator request, never produced by Decide,
// which keeps Decide pure and replayable.
//
// The policy owns no pacing: how often it is consulted, and what a
// toggle costs, are the agent's concern.
package policy
