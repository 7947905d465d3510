package tunnel

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// DefaultDNS serves namespaces whose lease carries no resolvers of its
// own.
var DefaultDNS = []string{"1.1.1.1", "8.8.8.8"}

// Helper builds and tears down tunnel-backed network namespaces. All
// OS access goes through SysOps; the helper owns ordering, partial
// failure recovery and sweeps.
type Helper struct {
	sys    SysOps
	logger zerolog.Logger
}

// NewHelper creates a tunnel helper on top of the given SysOps.
func NewHelper(sys SysOps) *Helper {
	return &Helper{
		sys:    sys,
		logger: log.WithComponent("tunnel"),
	}
}

// Setup builds one session's namespace: interface created and keyed
// host-side, then moved into a fresh namespace, addressed, brought up,
// routed and given its own resolvers. Leftovers under the same names
// are torn down first, and any step failure triggers a best-effort
// cleanup before the error propagates.
func (h *Helper) Setup(namespaceID, ifName string, lease *types.DongleLease) error {
	// A crashed run may have left the same names behind.
	h.CleanupNamespace(namespaceID, ifName)

	fail := func(step string, err error) error {
		h.CleanupNamespace(namespaceID, ifName)
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := h.sys.CreateTunnelInterface(ifName); err != nil {
		return fail("create tunnel interface", err)
	}
	// Key material goes on while the device is still host-side; the
	// tunnel keeps its UDP socket in the namespace it was configured
	// in, which is exactly what routes namespace traffic out the host.
	if err := h.sys.ConfigureTunnel(ifName, lease); err != nil {
		return fail("configure tunnel", err)
	}
	if err := h.sys.CreateNamespace(namespaceID); err != nil {
		return fail("create namespace", err)
	}
	if err := h.sys.MoveInterfaceToNamespace(ifName, namespaceID); err != nil {
		return fail("move interface into namespace", err)
	}
	if err := h.sys.AssignAddress(namespaceID, ifName, lease.ClientAddress); err != nil {
		return fail("assign client address", err)
	}
	if err := h.sys.SetLinkUp(namespaceID, "lo"); err != nil {
		return fail("bring up loopback", err)
	}
	if err := h.sys.SetLinkUp(namespaceID, ifName); err != nil {
		return fail("bring up tunnel interface", err)
	}
	if err := h.sys.AddDefaultRoute(namespaceID, ifName); err != nil {
		return fail("install default route", err)
	}

	dns := lease.DNS
	if len(dns) == 0 {
		dns = DefaultDNS
	}
	if err := h.sys.WriteResolvConf(namespaceID, dns); err != nil {
		return fail("write resolv.conf", err)
	}

	h.logger.Info().
		Str("namespace", namespaceID).
		Str("interface", ifName).
		Str("lease_id", lease.LeaseID).
		Msg("Tunnel namespace ready")
	return nil
}

// CleanupNamespace tears down one session's namespace and interface.
// Every step is best-effort: this is also the error-recovery path, so
// it never fails and calling it twice is safe.
func (h *Helper) CleanupNamespace(namespaceID, ifName string) {
	exists, err := h.sys.NamespaceExists(namespaceID)
	if err != nil {
		h.logger.Debug().Err(err).Str("namespace", namespaceID).
			Msg("Namespace lookup failed during cleanup")
	}

	if exists {
		if err := h.sys.KillNamespaceProcesses(namespaceID); err != nil {
			h.logger.Debug().Err(err).Str("namespace", namespaceID).
				Msg("Killing namespace processes failed")
		}
		// A stale namespace can hold tunnel interfaces under other
		// names than ours.
		if names, err := h.sys.ListTunnelInterfaces(namespaceID); err == nil {
			for _, name := range names {
				if err := h.sys.DeleteInterface(namespaceID, name); err != nil {
					h.logger.Debug().Err(err).Str("interface", name).
						Msg("Interface removal inside namespace failed")
				}
			}
		}
		if err := h.sys.DeleteNamespace(namespaceID); err != nil {
			h.logger.Debug().Err(err).Str("namespace", namespaceID).
				Msg("Namespace removal failed")
		}
	}

	// The interface is stranded host-side when setup failed before the
	// move; absent on the happy path.
	if ifName != "" {
		if err := h.sys.DeleteInterface("", ifName); err != nil {
			h.logger.Debug().Err(err).Str("interface", ifName).
				Msg("Host-side interface removal failed")
		}
	}

	if err := h.sys.RemoveResolvConf(namespaceID); err != nil {
		h.logger.Debug().Err(err).Str("namespace", namespaceID).
			Msg("Resolv.conf removal failed")
	}
}

// CleanupAllNamespaces sweeps the host for leftover burrow namespaces
// and orphaned tunnel interfaces. Used at agent start and shutdown.
// With no prefixes given it covers the current and legacy prefixes.
// Returns the number of namespaces removed.
func (h *Helper) CleanupAllNamespaces(prefixes ...string) int {
	if len(prefixes) == 0 {
		prefixes = []string{NamespacePrefix, LegacyNamespacePrefix}
	}

	// Wrappers like "ip netns exec brw-..." can outlive their
	// namespace; kill them before touching namespaces so nothing holds
	// one open.
	for _, prefix := range prefixes {
		if err := h.sys.KillProcessesMatching(prefix); err != nil {
			h.logger.Debug().Err(err).Str("pattern", prefix).
				Msg("Process sweep failed")
		}
	}

	// Interfaces stranded host-side by interrupted setups.
	if names, err := h.sys.ListTunnelInterfaces(""); err == nil {
		for _, name := range names {
			if !strings.HasPrefix(name, InterfacePrefix) {
				continue
			}
			if err := h.sys.DeleteInterface("", name); err != nil {
				h.logger.Debug().Err(err).Str("interface", name).
					Msg("Orphaned interface removal failed")
			}
		}
	}

	names, err := h.sys.ListNamespaces()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Namespace sweep could not list namespaces")
		return 0
	}

	removed := 0
	for _, ns := range names {
		if !hasAnyPrefix(ns, prefixes) {
			continue
		}
		h.CleanupNamespace(ns, "")
		removed++
	}

	if removed > 0 {
		if names, err := h.sys.ListNamespaces(); err == nil {
			var left []string
			for _, ns := range names {
				if hasAnyPrefix(ns, prefixes) {
					left = append(left, ns)
				}
			}
			if len(left) > 0 {
				h.logger.Warn().Strs("namespaces", left).
					Msg("Namespaces survived the sweep")
			}
		}
		h.logger.Info().Int("removed", removed).Msg("Swept leftover namespaces")
	}
	return removed
}

// GetPublicIP checks the namespace's egress address with a hard bound.
// An empty result is an expected outcome (tunnel not passing traffic),
// not an error. An empty namespaceID checks from the host.
func (h *Helper) GetPublicIP(namespaceID string, timeout time.Duration) string {
	ip, err := h.sys.GetEgressIP(namespaceID, timeout)
	if err != nil {
		h.logger.Debug().Err(err).Str("namespace", namespaceID).
			Msg("Egress check came back empty")
		return ""
	}
	return ip
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
