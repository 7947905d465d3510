package types

import (
	"time"
)

// DongleLease is a hub-issued lease on one exit-IP resource ("dongle").
// A lease is exclusively owned by one agent between allocate and release
// and must be heartbeated or the hub reclaims it.
type DongleLease struct {
	LeaseID        string    `json:"lease_id"`
	ResourceNumber int       `json:"resource_number"` // exit resource slot on the dongle server
	ServerAddress  string    `json:"server_address"`  // dongle server that owns the resource
	PrivateKey     string    `json:"private_key"`     // client tunnel key, base64
	PeerPublicKey  string    `json:"peer_public_key"` // server tunnel key, base64
	PeerEndpoint   string    `json:"peer_endpoint"`   // host:port
	ClientAddress  string    `json:"client_address"`  // CIDR assigned inside the tunnel
	DNS            []string  `json:"dns,omitempty"`   // namespace-local resolvers
	AllocatedAt    time.Time `json:"allocated_at"`
}

// TunnelSession is the OS-level pairing of a network namespace and a
// tunnel interface, built from a lease. At most one live session exists
// per agent at any instant.
type TunnelSession struct {
	NamespaceID   string    `json:"namespace_id"`
	InterfaceName string    `json:"interface_name"`
	LeaseID       string    `json:"lease_id"`
	ExitIP        string    `json:"exit_ip"` // verified egress address
	CreatedAt     time.Time `json:"created_at"`
}

// SessionState tracks the connect state machine of a session manager.
type SessionState string

const (
	SessionStateIdle           SessionState = "idle"
	SessionStateLeasing        SessionState = "leasing"
	SessionStateBuildingTunnel SessionState = "building_tunnel"
	SessionStateVerifying      SessionState = "verifying"
	SessionStateConnected      SessionState = "connected"
	SessionStateFailed         SessionState = "failed"
)

// Task is one batch-allocated unit of work. The allocation key is the
// correlation id between allocate and result submission and is never
// reused after a terminal state.
type Task struct {
	AllocationKey string `json:"allocation_key"`
	Keyword       string `json:"keyword"`
	ProductID     string `json:"product_id"`
	ItemID        string `json:"item_id"`
	VendorItemID  string `json:"vendor_item_id"`
	WorkType      string `json:"work_type"`
}

// TaskErrorType classifies a failed task subprocess.
type TaskErrorType string

const (
	TaskErrorTimeout TaskErrorType = "TIMEOUT"     // hard wall-clock timeout, force-killed
	TaskErrorBlocked TaskErrorType = "BLOCKED"     // block indicators in diagnostic output
	TaskErrorExit    TaskErrorType = "EXIT_ERROR"  // nonzero exit without block indicators
	TaskErrorSpawn   TaskErrorType = "SPAWN_ERROR" // subprocess never started
)

// TaskOutcome is the terminal result of one task, reported to the hub
// exactly once. Extras carry executor-provided key/values on success
// (cookies, detected version, exit IP).
type TaskOutcome struct {
	AllocationKey string            `json:"allocation_key"`
	Success       bool              `json:"success"`
	ErrorType     TaskErrorType     `json:"error_type,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	Extras        map[string]string `json:"extras,omitempty"`
}

// Blocked reports whether the outcome counts against the exit IP.
func (o *TaskOutcome) Blocked() bool {
	return !o.Success && o.ErrorType == TaskErrorBlocked
}

// NoWorkReason explains an empty batch allocation.
type NoWorkReason string

const (
	// NoWorkIPAllUsed means the hub has no task compatible with the
	// current exit IP. The agent rotates immediately; this is not a
	// failure condition.
	NoWorkIPAllUsed NoWorkReason = "IP_ALL_USED"

	// NoWorkNoActiveTasks means the hub queue is empty for every IP.
	NoWorkNoActiveTasks NoWorkReason = "NO_ACTIVE_TASKS"

	// NoWorkHubUnreachable is synthesized locally when the allocation
	// call itself fails; it feeds the same branching as an ordinary
	// empty allocation.
	NoWorkHubUnreachable NoWorkReason = "HUB_UNREACHABLE"
)

// BatchCycleResult is the ephemeral aggregate of one batch cycle.
// Score = SuccessCount - BlockedCount; failures are score-neutral.
type BatchCycleResult struct {
	SuccessCount  int          `json:"success_count"`
	FailCount     int          `json:"fail_count"`
	BlockedCount  int          `json:"blocked_count"`
	Score         int          `json:"score"`
	NoWork        bool         `json:"no_work"`
	NoWorkReason  NoWorkReason `json:"no_work_reason,omitempty"`
	IPCheckFailed bool         `json:"ip_check_failed"`
}

// TaskCount returns the number of tasks the cycle dispatched.
func (r *BatchCycleResult) TaskCount() int {
	return r.SuccessCount + r.FailCount + r.BlockedCount
}

// ToggleReason tags a toggle request with why the exit IP must rotate.
type ToggleReason string

const (
	// ToggleReasonIPCheckFailed: egress verification failed after tunnel
	// setup; the session is structurally broken.
	ToggleReasonIPCheckFailed ToggleReason = "IP_CHECK_FAILED"

	// ToggleReasonBlocked: score fell to the block threshold; the exit
	// IP is burned.
	ToggleReasonBlocked ToggleReason = "BLOCKED"

	// ToggleReasonNoWorkStreak: the hub had no work assignable to this
	// IP for consecutive cycles.
	ToggleReasonNoWorkStreak ToggleReason = "NO_WORK_STREAK"

	// ToggleReasonPreventive: proactive rotation of an aging but
	// healthy IP.
	ToggleReasonPreventive ToggleReason = "PREVENTIVE"

	// ToggleReasonManual: operator-requested rotation.
	ToggleReasonManual ToggleReason = "MANUAL"
)

// ToggleDecision is the output of the toggle policy.
type ToggleDecision struct {
	ShouldToggle bool
	Reason       ToggleReason
	Priority     int // 1 is highest; first match wins
	Message      string
}

// LeaseRecord is one entry in the local lease history.
type LeaseRecord struct {
	LeaseID        string        `json:"lease_id"`
	ResourceNumber int           `json:"resource_number"`
	ServerAddress  string        `json:"server_address"`
	ExitIP         string        `json:"exit_ip,omitempty"`
	AllocatedAt    time.Time     `json:"allocated_at"`
	ReleasedAt     time.Time     `json:"released_at,omitzero"`
	Duration       time.Duration `json:"duration_ns,omitempty"`
	ReleaseReason  string        `json:"release_reason,omitempty"`
}

// ToggleRecord is one entry in the local toggle history.
type ToggleRecord struct {
	Timestamp      time.Time    `json:"timestamp"`
	Reason         ToggleReason `json:"reason"`
	Message        string       `json:"message,omitempty"`
	LeaseID        string       `json:"lease_id"`
	ResourceNumber int          `json:"resource_number"`
	ServerAddress  string       `json:"server_address"`
}

// ReleaseStats is the cumulative session summary submitted with a
// lease release.
type ReleaseStats struct {
	SessionSeconds   int64                `json:"session_seconds"`
	ConnectAttempts  int                  `json:"connect_attempts"`
	ConnectSuccesses int                  `json:"connect_successes"`
	ConnectFailures  int                  `json:"connect_failures"`
	AvgConnectMs     int64                `json:"avg_connect_ms"`
	Toggles          map[ToggleReason]int `json:"toggles,omitempty"`
	ReleaseReason    string               `json:"release_reason,omitempty"`
}
