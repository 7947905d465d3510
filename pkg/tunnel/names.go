package tunnel

import "strings"

const (
	// NamespacePrefix marks namespaces created by current agents.
	NamespacePrefix = "brw-"

	// LegacyNamespacePrefix is still recognized by sweeps so upgraded
	// agents clean up namespaces left by older releases.
	LegacyNamespacePrefix = "burrow-"

	// InterfacePrefix marks tunnel interfaces owned by burrow.
	InterfacePrefix = "wg-"
)

// NamespaceName derives the per-session namespace name from the agent
// and lease identity: brw-<agent4>-<lease6>.
func NamespaceName(agentID, leaseID string) string {
	return NamespacePrefix + shortID(agentID, 4) + "-" + shortID(leaseID, 6)
}

// InterfaceName derives the tunnel interface name from the lease:
// wg-<lease8>. Stays within IFNAMSIZ (15 bytes).
func InterfaceName(leaseID string) string {
	return InterfacePrefix + shortID(leaseID, 8)
}

// IsOwnedNamespace reports whether a namespace name carries the current
// or legacy burrow prefix.
func IsOwnedNamespace(name string) bool {
	return strings.HasPrefix(name, NamespacePrefix) ||
		strings.HasPrefix(name, LegacyNamespacePrefix)
}

// shortID lowercases s, strips everything but [a-z0-9], and truncates
// to n characters. UUIDs and hex lease ids both reduce cleanly.
func shortID(s string, n int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > n {
		out = out[:n]
	}
	return out
}
