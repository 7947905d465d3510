// Package metrics provides Prometheus instrumentation and health checking
// for the burrow agent.
//
// # Architecture
//
// Collectors are package-level variables registered once at init time with
// the default Prometheus registry. Components observe them directly; there
// is no metrics object to thread through constructors:
//
//	┌─────────────┐     ┌──────────────┐     ┌────────────────┐
//	│   session   │────▶│              │     │                │
//	├─────────────┤     │   package    │     │  /metrics via  │
//	│   agent     │────▶│  collectors  │────▶│   Handler()    │
//	├─────────────┤     │              │     │                │
//	│   tunnel    │────▶│              │     │                │
//	└─────────────┘     └──────────────┘     └────────────────┘
//
// All metrics carry the burrow_ prefix. Counters cover connect attempts,
// IP checks, heartbeats, toggles (by reason), tasks (by outcome), batch
// cycles (by result) and no-work polls (by reason). Histograms cover
// connect, IP-check and task durations. Gauges track the active lease,
// the running block score and successes since the last toggle.
//
// # Timers
//
// Timer wraps duration measurement for histogram observations:
//
//	timer := metrics.NewTimer()
//	// ... connect ...
//	timer.ObserveDuration(metrics.ConnectDuration)
//
// # Health Checking
//
// HealthChecker tracks named components and serves three endpoints:
//
//   - /health  - full report, 503 when any component is unhealthy
//   - /ready   - readiness, gated on the critical components (hub,
//     tunnel, session)
//   - /live    - liveness, 200 while the process runs
//
// Components report their own state:
//
//	health := metrics.NewHealthChecker()
//	health.RegisterComponent("hub")
//	health.UpdateComponent("hub", true, "")
//
// # Integration Points
//
// cmd/burrow mounts Handler() and the health handlers on the agent's
// local HTTP listener. pkg/session observes connect and IP-check
// metrics, pkg/agent observes task and cycle metrics, pkg/policy inputs
// are mirrored to the Score and SuccessSinceToggle gauges by the agent
// loop.
package metrics
