/*
Package api serves the per-slot ops listener.

Each worker process can expose one plain HTTP listener for operators
and supervisors. It carries no task or lease traffic; the hub never
calls in. Endpoints:

	GET  /metrics   Prometheus registry (pkg/metrics)
	GET  /healthz   component health, 503 when a critical one is down
	GET  /readyz    readiness, 503 with the not-ready component list
	GET  /livez     process liveness
	GET  /status    the slot's latest cycle snapshot (slot-<n>.json)
	POST /toggle    arm a MANUAL exit-IP rotation for the next cycle

The listener is optional; agents on shared hosts usually run with it
disabled and rely on status files alone.
*/
package api
