// Package tunnel builds and tears down the WireGuard-backed network
// namespaces that isolate burrow's task traffic.
//
// # Architecture
//
// Two layers, split so everything above the OS is testable without
// CAP_NET_ADMIN:
//
//	┌─────────────────────────────────────────────────────┐
//	│                       Helper                         │
//	│   Setup · CleanupNamespace · CleanupAllNamespaces    │
//	│   GetPublicIP: ordering, recovery, sweeps            │
//	├─────────────────────────────────────────────────────┤
//	│                       SysOps                         │
//	│   one method per OS touch point                      │
//	├──────────────────────────┬──────────────────────────┤
//	│        ExecSysOps        │        test fakes         │
//	│   iproute2 · pkill ·     │                          │
//	│   wgctrl                 │                          │
//	└──────────────────────────┴──────────────────────────┘
//
// # Setup Sequence
//
// Setup builds one session's namespace from a lease:
//
//	1. tear down leftovers under the same names
//	2. ip link add <wg-if> type wireguard          (host namespace)
//	3. wgctrl ConfigureDevice: key, peer, 0.0.0.0/0, keepalive
//	4. ip netns add <ns>
//	5. ip link set <wg-if> netns <ns>
//	6. ip -n <ns> addr add <client-cidr> dev <wg-if>
//	7. ip -n <ns> link set lo up; link set <wg-if> up
//	8. ip -n <ns> route replace default dev <wg-if>
//	9. write /etc/netns/<ns>/resolv.conf
//
// The device is keyed before the move (step 3 before 5): a WireGuard
// interface keeps its encrypted UDP socket in the namespace it was
// configured in, so configuring host-side is what lets the private
// namespace egress through the host's uplink. Any step failure runs
// CleanupNamespace and propagates a wrapped error.
//
// # Cleanup Semantics
//
// CleanupNamespace is the error-recovery path as well as the normal
// teardown, so it never returns an error: processes inside the
// namespace are killed, stray tunnel interfaces inside it deleted, the
// named interface removed host-side if it was stranded there, then the
// namespace and its /etc/netns directory go. Safe to call repeatedly
// and on partial state.
//
// CleanupAllNamespaces is the start/shutdown sweep: kills processes
// matching the namespace prefixes, removes orphaned host-side wg-
// interfaces, tears down every namespace with a current (brw-) or
// legacy (burrow-) prefix, verifies none remain and returns the count.
//
// # Names
//
// Namespace and interface names derive from the agent and lease so
// concurrent slots on one host never collide:
//
//	namespace  brw-<agent4>-<lease6>
//	interface  wg-<lease8>            (within IFNAMSIZ)
//
// # Egress Check
//
// GetPublicIP runs the IP-check command inside the namespace under a
// hard timeout. An empty answer means the tunnel is not passing
// traffic; that is an expected outcome the caller branches on, not an
// error.
//
// # Integration Points
//
// pkg/session drives Setup/Cleanup/GetPublicIP through the connect
// state machine; pkg/agent uses GetPublicIP for pre-cycle checks and
// cmd/burrow runs the sweep at start and shutdown.
package tunnel
