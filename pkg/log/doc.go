/*
Package log provides structured logging for Burrow built on zerolog.

A single global logger is initialized once at process start and consumed
through small helpers or component-scoped child loggers. Runtime paths log
structured events; the CLI prints user-facing lines with fmt directly.

# Usage

Initialize once in main:

	log.Init(log.Config{
	    Level:      log.InfoLevel,
	    JSONOutput: true, // console writer when false
	})

Component child loggers carry stable fields:

	logger := log.WithComponent("session")
	logger.Info().Str("lease_id", lease.LeaseID).Msg("dongle leased")

Field helpers exist for the identities that recur across the codebase:
agent id, namespace, lease id.

# Conventions

  - Errors ride on the event, not in the message:
    logger.Warn().Err(err).Msg("cleanup step failed")
  - Best-effort teardown paths log at debug/warn and continue; they never
    escalate a cleanup failure into a caller-visible error.
  - Fatal is reserved for unusable process configuration in main.

# See Also

  - pkg/metrics for the numeric counterpart of these events
*/
package log
