package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cuemby/burrow/pkg/types"
)

// DefaultIPCheckURL is queried from inside a namespace to learn its
// egress address.
const DefaultIPCheckURL = "https://checkip.amazonaws.com"

// PersistentKeepalive keeps the tunnel's NAT mapping alive; the dongle
// servers sit behind carrier-grade NAT.
const PersistentKeepalive = 25 * time.Second

// netnsEtcDir holds per-namespace config; ip netns exec bind-mounts
// files under /etc/netns/<ns>/ over /etc for processes it launches.
const netnsEtcDir = "/etc/netns"

// SysOps models every OS touch point used to build, inspect and tear
// down tunnel-backed namespaces, so the helper and everything above it
// are testable without root. An empty namespaceID addresses the host
// namespace.
type SysOps interface {
	CreateNamespace(namespaceID string) error
	DeleteNamespace(namespaceID string) error
	NamespaceExists(namespaceID string) (bool, error)
	ListNamespaces() ([]string, error)

	CreateTunnelInterface(ifName string) error
	DeleteInterface(namespaceID, ifName string) error
	MoveInterfaceToNamespace(ifName, namespaceID string) error
	ConfigureTunnel(ifName string, lease *types.DongleLease) error
	AssignAddress(namespaceID, ifName, cidr string) error
	SetLinkUp(namespaceID, ifName string) error
	AddDefaultRoute(namespaceID, ifName string) error

	WriteResolvConf(namespaceID string, servers []string) error
	RemoveResolvConf(namespaceID string) error

	ListTunnelInterfaces(namespaceID string) ([]string, error)
	KillNamespaceProcesses(namespaceID string) error
	KillProcessesMatching(pattern string) error

	GetEgressIP(namespaceID string, timeout time.Duration) (string, error)
}

// ExecSysOps is the real SysOps: iproute2 and pkill via exec, WireGuard
// device configuration via wgctrl. Requires CAP_NET_ADMIN.
type ExecSysOps struct {
	// IPCheckURL overrides the egress-check endpoint.
	IPCheckURL string
}

// NewExecSysOps creates the production SysOps implementation.
func NewExecSysOps() *ExecSysOps {
	return &ExecSysOps{IPCheckURL: DefaultIPCheckURL}
}

func (s *ExecSysOps) CreateNamespace(namespaceID string) error {
	return runIP("netns", "add", namespaceID)
}

func (s *ExecSysOps) DeleteNamespace(namespaceID string) error {
	return runIP("netns", "del", namespaceID)
}

func (s *ExecSysOps) NamespaceExists(namespaceID string) (bool, error) {
	names, err := s.ListNamespaces()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == namespaceID {
			return true, nil
		}
	}
	return false, nil
}

func (s *ExecSysOps) ListNamespaces() ([]string, error) {
	out, err := runIPOutput("netns", "list")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		// lines look like "brw-1a2b-3c4d5e (id: 0)"
		fields := strings.Fields(line)
		if len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

func (s *ExecSysOps) CreateTunnelInterface(ifName string) error {
	return runIP("link", "add", ifName, "type", "wireguard")
}

func (s *ExecSysOps) DeleteInterface(namespaceID, ifName string) error {
	if namespaceID == "" {
		return runIP("link", "del", ifName)
	}
	return runIP("-n", namespaceID, "link", "del", ifName)
}

func (s *ExecSysOps) MoveInterfaceToNamespace(ifName, namespaceID string) error {
	return runIP("link", "set", ifName, "netns", namespaceID)
}

// ConfigureTunnel applies the lease's key material and peer to the
// device. Must run while the interface is still in the host namespace:
// wgctrl addresses devices by name in the caller's namespace, and the
// tunnel keeps its UDP socket where it was configured.
func (s *ExecSysOps) ConfigureTunnel(ifName string, lease *types.DongleLease) error {
	privateKey, err := wgtypes.ParseKey(lease.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	peerKey, err := wgtypes.ParseKey(lease.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	endpoint, err := net.ResolveUDPAddr("udp", lease.PeerEndpoint)
	if err != nil {
		return fmt.Errorf("resolve peer endpoint %q: %w", lease.PeerEndpoint, err)
	}

	// All traffic leaves through the tunnel.
	_, allAddrs, err := net.ParseCIDR("0.0.0.0/0")
	if err != nil {
		return err
	}
	keepalive := PersistentKeepalive

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("open wireguard control: %w", err)
	}
	defer client.Close()

	cfg := wgtypes.Config{
		PrivateKey:   &privateKey,
		ReplacePeers: true,
		Peers: []wgtypes.PeerConfig{
			{
				PublicKey:                   peerKey,
				Endpoint:                    endpoint,
				AllowedIPs:                  []net.IPNet{*allAddrs},
				PersistentKeepaliveInterval: &keepalive,
				ReplaceAllowedIPs:           true,
			},
		},
	}
	if err := client.ConfigureDevice(ifName, cfg); err != nil {
		return fmt.Errorf("configure device %s: %w", ifName, err)
	}
	return nil
}

func (s *ExecSysOps) AssignAddress(namespaceID, ifName, cidr string) error {
	if namespaceID == "" {
		return runIP("addr", "add", cidr, "dev", ifName)
	}
	return runIP("-n", namespaceID, "addr", "add", cidr, "dev", ifName)
}

func (s *ExecSysOps) SetLinkUp(namespaceID, ifName string) error {
	if namespaceID == "" {
		return runIP("link", "set", ifName, "up")
	}
	return runIP("-n", namespaceID, "link", "set", ifName, "up")
}

func (s *ExecSysOps) AddDefaultRoute(namespaceID, ifName string) error {
	if namespaceID == "" {
		return runIP("route", "replace", "default", "dev", ifName)
	}
	return runIP("-n", namespaceID, "route", "replace", "default", "dev", ifName)
}

func (s *ExecSysOps) WriteResolvConf(namespaceID string, servers []string) error {
	dir := filepath.Join(netnsEtcDir, namespaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	var b strings.Builder
	for _, server := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", server)
	}
	path := filepath.Join(dir, "resolv.conf")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *ExecSysOps) RemoveResolvConf(namespaceID string) error {
	if namespaceID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(netnsEtcDir, namespaceID))
}

func (s *ExecSysOps) ListTunnelInterfaces(namespaceID string) ([]string, error) {
	args := []string{"-o", "link", "show", "type", "wireguard"}
	if namespaceID != "" {
		args = append([]string{"-n", namespaceID}, args...)
	}
	out, err := runIPOutput(args...)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		// lines look like "12: wg-1a2b3c4d: <POINTOPOINT,NOARP> mtu 1420 ..."
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if i := strings.Index(name, "@"); i >= 0 {
			name = name[:i]
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *ExecSysOps) KillNamespaceProcesses(namespaceID string) error {
	out, err := runIPOutput("netns", "pids", namespaceID)
	if err != nil {
		return err
	}
	pids := strings.Fields(out)
	if len(pids) == 0 {
		return nil
	}
	args := append([]string{"-9"}, pids...)
	cmd := exec.Command("kill", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		// Races with processes exiting on their own are expected.
		return fmt.Errorf("kill %v: %w (output: %s)", pids, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *ExecSysOps) KillProcessesMatching(pattern string) error {
	cmd := exec.Command("pkill", "-9", "-f", pattern)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Exit status 1 means nothing matched.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("pkill -f %s: %w (output: %s)", pattern, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// GetEgressIP runs the IP check inside the namespace with a hard bound.
// An empty namespaceID checks from the host namespace (dev mode).
func (s *ExecSysOps) GetEgressIP(namespaceID string, timeout time.Duration) (string, error) {
	url := s.IPCheckURL
	if url == "" {
		url = DefaultIPCheckURL
	}
	maxTime := fmt.Sprintf("%d", int(timeout.Seconds()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if namespaceID == "" {
		cmd = exec.CommandContext(ctx, "curl", "-fsS", "--max-time", maxTime, url)
	} else {
		cmd = exec.CommandContext(ctx, "ip", "netns", "exec", namespaceID,
			"curl", "-fsS", "--max-time", maxTime, url)
	}
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("egress check in %q: %w", namespaceID, err)
	}
	addr := strings.TrimSpace(string(output))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("egress check in %q: not an address: %q", namespaceID, addr)
	}
	return addr, nil
}

// runIP executes an iproute2 command.
func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s failed: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// runIPOutput executes an iproute2 command and returns stdout.
func runIPOutput(args ...string) (string, error) {
	cmd := exec.Command("ip", args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ip %s failed: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}
