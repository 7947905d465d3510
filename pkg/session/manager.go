package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/status"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/tunnel"
	"github.com/cuemby/burrow/pkg/types"
)

// ErrConnectFailed is returned when connect exhausts its attempts.
// Callers decide whether to keep retrying or abort; everything before
// this point (fresh-lease retries, poisoned leases) is internal.
var ErrConnectFailed = errors.New("connect failed after exhausting attempts")

// LeaseClient is the slice of the hub API the session manager drives.
// *hub.Client satisfies it.
type LeaseClient interface {
	AllocateLease(ctx context.Context, agentID string) (*types.DongleLease, error)
	Heartbeat(ctx context.Context, leaseID string) error
	Toggle(ctx context.Context, serverAddress string, resourceNumber int, reason types.ToggleReason, message string) error
	Release(ctx context.Context, agentID, leaseID string, stats *types.ReleaseStats) error
}

// Tunneler is the slice of the tunnel helper the manager drives.
// *tunnel.Helper satisfies it.
type Tunneler interface {
	Setup(namespaceID, ifName string, lease *types.DongleLease) error
	CleanupNamespace(namespaceID, ifName string)
	GetPublicIP(namespaceID string, timeout time.Duration) string
}

// Rebinder re-points the task allocator at a fresh (lease, exit IP)
// pair after every successful connect. *hub.TaskAllocator satisfies it.
type Rebinder interface {
	Rebind(leaseID, exitIP string)
}

// Config carries the connect loop's timing knobs.
type Config struct {
	MaxConnectAttempts int
	ConnectBackoffBase time.Duration // wait after a failed attempt
	ConnectBackoffStep time.Duration // added per attempt number
	SettleWait         time.Duration // handshake settle before the IP check
	IPCheckTimeout     time.Duration
	ReconnectPause     time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 3,
		ConnectBackoffBase: 3 * time.Second,
		ConnectBackoffStep: 2 * time.Second,
		SettleWait:         3 * time.Second,
		IPCheckTimeout:     5 * time.Second,
		ReconnectPause:     2 * time.Second,
	}
}

// Manager owns one tunnel session's lifecycle: lease a dongle, build
// the namespace, verify egress, and expose reconnect/toggle/release/
// heartbeat on top. All operations serialize on one mutex; at most one
// lease and one live session exist at any instant.
type Manager struct {
	agentID string
	hub     LeaseClient
	tun     Tunneler
	alloc   Rebinder       // optional
	store   storage.Store  // optional, local history
	writer  *status.Writer // optional, toggle-history.jsonl
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	state   types.SessionState
	lease   *types.DongleLease
	session *types.TunnelSession
	stats   *Stats
}

// NewManager creates a session manager. alloc, store and writer may be
// nil; the corresponding side effects are skipped.
func NewManager(agentID string, hubClient LeaseClient, tun Tunneler, alloc Rebinder, store storage.Store, writer *status.Writer, cfg Config) *Manager {
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = 1
	}
	return &Manager{
		agentID: agentID,
		hub:     hubClient,
		tun:     tun,
		alloc:   alloc,
		store:   store,
		writer:  writer,
		cfg:     cfg,
		logger:  log.WithComponent("session").With().Str("agent_id", agentID).Logger(),
		state:   types.SessionStateIdle,
		stats:   newStats(),
	}
}

// Connect drives the lease→tunnel→verify machine until a session is
// live or the attempt budget is spent. Egress-verification failures
// poison the lease (teardown, toggle, release) and retry with a fresh
// one; they never surface. Only exhaustion returns ErrConnectFailed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	// A repeat Connect supersedes whatever is live; the old namespace
	// and lease must go first or both leak. No-ops on the first call
	// and on the Reconnect path, which already tore down.
	m.teardownSessionLocked()
	m.releaseLocked(ctx, "superseded")

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxConnectAttempts; attempt++ {
		err := m.connectOnce(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Connect attempt failed")

		if ctx.Err() != nil {
			break
		}
		if attempt+1 >= m.cfg.MaxConnectAttempts {
			break
		}
		backoff := m.cfg.ConnectBackoffBase + time.Duration(attempt)*m.cfg.ConnectBackoffStep
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			break
		}
	}
	m.setState(types.SessionStateFailed)
	return fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

func (m *Manager) connectOnce(ctx context.Context, attempt int) error {
	timer := metrics.NewTimer()
	m.stats.ConnectAttempts++
	metrics.ConnectAttemptsTotal.Inc()

	m.setState(types.SessionStateLeasing)
	lease, err := m.hub.AllocateLease(ctx, m.agentID)
	if err != nil {
		m.stats.ConnectFailures++
		metrics.ConnectFailuresTotal.Inc()
		return err
	}
	m.lease = lease
	metrics.LeaseActive.Set(1)
	m.recordLeaseAllocated(lease)

	namespaceID := tunnel.NamespaceName(m.agentID, lease.LeaseID)
	ifName := tunnel.InterfaceName(lease.LeaseID)

	m.setState(types.SessionStateBuildingTunnel)
	if err := m.tun.Setup(namespaceID, ifName, lease); err != nil {
		// Setup cleans its own partial state; release the lease so the
		// next attempt starts fresh.
		m.releaseLocked(ctx, "setup_failed")
		m.stats.ConnectFailures++
		metrics.ConnectFailuresTotal.Inc()
		return fmt.Errorf("tunnel setup: %w", err)
	}

	m.setState(types.SessionStateVerifying)
	select {
	case <-ctx.Done():
		m.tun.CleanupNamespace(namespaceID, ifName)
		m.releaseLocked(ctx, "canceled")
		m.stats.ConnectFailures++
		metrics.ConnectFailuresTotal.Inc()
		return ctx.Err()
	case <-time.After(m.cfg.SettleWait):
	}

	checkTimer := metrics.NewTimer()
	exitIP := m.tun.GetPublicIP(namespaceID, m.cfg.IPCheckTimeout)
	m.stats.recordIPCheck(checkTimer.Duration())
	checkTimer.ObserveDuration(metrics.IPCheckDuration)

	if exitIP == "" {
		// Lease poisoning: this lease verified broken, so tear down,
		// signal the hub to rotate the IP, release, and never reuse it.
		metrics.IPCheckFailuresTotal.Inc()
		m.logger.Warn().
			Str("lease_id", lease.LeaseID).
			Int("attempt", attempt).
			Msg("Egress verification failed, poisoning lease")
		m.tun.CleanupNamespace(namespaceID, ifName)
		m.toggleLocked(ctx, types.ToggleReasonIPCheckFailed, "connect verification failed")
		m.releaseLocked(ctx, "ip_check_failed")
		m.stats.ConnectFailures++
		metrics.ConnectFailuresTotal.Inc()
		return fmt.Errorf("egress verification failed for lease %s", lease.LeaseID)
	}

	m.session = &types.TunnelSession{
		NamespaceID:   namespaceID,
		InterfaceName: ifName,
		LeaseID:       lease.LeaseID,
		ExitIP:        exitIP,
		CreatedAt:     time.Now(),
	}
	m.setState(types.SessionStateConnected)

	duration := timer.Duration()
	m.stats.recordConnect(duration)
	timer.ObserveDuration(metrics.ConnectDuration)
	m.recordLeaseVerified(lease, exitIP)

	if m.alloc != nil {
		m.alloc.Rebind(lease.LeaseID, exitIP)
	}

	m.logger.Info().
		Str("lease_id", lease.LeaseID).
		Str("namespace", namespaceID).
		Str("exit_ip", exitIP).
		Dur("took", duration).
		Msg("Session connected")
	return nil
}

// Reconnect tears down the current session and lease, pauses briefly,
// and connects again. The allocator is re-pointed on success.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownSessionLocked()
	m.releaseLocked(ctx, "reconnect")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.ReconnectPause):
	}
	return m.connectLocked(ctx)
}

// ToggleIP signals the hub to rotate the held lease's exit IP. Without
// a lease it warns and no-ops; the signal is at-least-once and the hub
// tolerates duplicates.
func (m *Manager) ToggleIP(ctx context.Context, reason types.ToggleReason, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toggleLocked(ctx, reason, message)
}

func (m *Manager) toggleLocked(ctx context.Context, reason types.ToggleReason, message string) error {
	if m.lease == nil {
		m.logger.Warn().Str("reason", string(reason)).Msg("Toggle requested without a lease")
		return nil
	}

	if err := m.hub.Toggle(ctx, m.lease.ServerAddress, m.lease.ResourceNumber, reason, message); err != nil {
		m.logger.Warn().Err(err).Str("reason", string(reason)).Msg("Toggle signal failed")
		return err
	}

	m.stats.recordToggle(reason)
	metrics.TogglesTotal.WithLabelValues(string(reason)).Inc()

	rec := &types.ToggleRecord{
		Timestamp:      time.Now().UTC(),
		Reason:         reason,
		Message:        message,
		LeaseID:        m.lease.LeaseID,
		ResourceNumber: m.lease.ResourceNumber,
		ServerAddress:  m.lease.ServerAddress,
	}
	if m.store != nil {
		if err := m.store.AppendToggle(rec); err != nil {
			m.logger.Debug().Err(err).Msg("Toggle history write failed")
		}
	}
	if m.writer != nil {
		m.writer.AppendToggle(rec)
	}

	m.logger.Info().
		Str("reason", string(reason)).
		Str("message", message).
		Int("resource", m.lease.ResourceNumber).
		Msg("Toggle signaled")
	return nil
}

// ReleaseDongle returns the held lease with cumulative statistics.
// Without a lease it is a no-op.
func (m *Manager) ReleaseDongle(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(ctx, reason)
}

func (m *Manager) releaseLocked(ctx context.Context, reason string) error {
	if m.lease == nil {
		return nil
	}
	lease := m.lease

	now := time.Now()
	stats := m.stats.ReleaseStats(lease, reason, now)
	err := m.hub.Release(ctx, m.agentID, lease.LeaseID, stats)
	if err != nil {
		// The hub reclaims silent leases on its own; dropping ours
		// locally keeps the one-lease invariant.
		m.logger.Warn().Err(err).Str("lease_id", lease.LeaseID).Msg("Release call failed")
	}

	m.stats.finalizeLease(lease.LeaseID, now, reason)
	if m.store != nil {
		if err := m.store.FinalizeLease(lease.LeaseID, now, reason); err != nil {
			m.logger.Debug().Err(err).Msg("Lease history finalize failed")
		}
	}

	m.lease = nil
	metrics.LeaseActive.Set(0)
	m.logger.Info().
		Str("lease_id", lease.LeaseID).
		Str("reason", reason).
		Msg("Lease released")
	return err
}

// Heartbeat renews the held lease; a no-op without one.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease == nil {
		return nil
	}
	if err := m.hub.Heartbeat(ctx, m.lease.LeaseID); err != nil {
		return err
	}
	metrics.HeartbeatsTotal.Inc()
	return nil
}

// Cleanup releases the lease and tears down the namespace. Idempotent;
// safe on partial and already-clean state.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(ctx, "cleanup")
	m.teardownSessionLocked()
	m.setState(types.SessionStateIdle)
}

func (m *Manager) teardownSessionLocked() {
	if m.session == nil {
		return
	}
	m.tun.CleanupNamespace(m.session.NamespaceID, m.session.InterfaceName)
	m.session = nil
}

// State returns the connect machine's current state.
func (m *Manager) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ExitIP returns the live session's verified egress address, or "".
func (m *Manager) ExitIP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ExitIP
}

// NamespaceID returns the live session's namespace, or "".
func (m *Manager) NamespaceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.NamespaceID
}

// Lease returns a copy of the held lease, or nil.
func (m *Manager) Lease() *types.DongleLease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return nil
	}
	lease := *m.lease
	return &lease
}

// Stats returns a copy of the cumulative statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.copy()
}

func (m *Manager) setState(state types.SessionState) {
	if m.state == state {
		return
	}
	m.logger.Debug().
		Str("from", string(m.state)).
		Str("to", string(state)).
		Msg("Session state changed")
	m.state = state
}

func (m *Manager) recordLeaseAllocated(lease *types.DongleLease) {
	rec := types.LeaseRecord{
		LeaseID:        lease.LeaseID,
		ResourceNumber: lease.ResourceNumber,
		ServerAddress:  lease.ServerAddress,
		AllocatedAt:    lease.AllocatedAt,
	}
	m.stats.addLease(rec)
	if m.store != nil {
		if err := m.store.AppendLease(&rec); err != nil {
			m.logger.Debug().Err(err).Msg("Lease history write failed")
		}
	}
}

func (m *Manager) recordLeaseVerified(lease *types.DongleLease, exitIP string) {
	m.stats.setLeaseExitIP(lease.LeaseID, exitIP)
	if m.store != nil {
		rec := types.LeaseRecord{
			LeaseID:        lease.LeaseID,
			ResourceNumber: lease.ResourceNumber,
			ServerAddress:  lease.ServerAddress,
			ExitIP:         exitIP,
			AllocatedAt:    lease.AllocatedAt,
		}
		if err := m.store.AppendLease(&rec); err != nil {
			m.logger.Debug().Err(err).Msg("Lease history write failed")
		}
	}
}
