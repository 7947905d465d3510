package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// ResultMarker prefixes the one stdout line carrying the executor's
// structured result. Everything else on stdout/stderr is diagnostics.
const ResultMarker = "BURROW_RESULT "

// DefaultTaskTimeout is the hard wall-clock limit for one task
// subprocess. There is no cooperative cancellation into the executor;
// exceeding this kills the process group outright.
const DefaultTaskTimeout = 180 * time.Second

// DefaultBlockIndicators mark a nonzero exit as BLOCKED when any of
// them appears in the subprocess's combined output. Matching is
// case-insensitive substring.
var DefaultBlockIndicators = []string{
	"captcha",
	"access denied",
	"blocked",
	"http 403",
}

// TaskEnv carries per-dispatch context into the executor environment.
type TaskEnv struct {
	ThreadIndex int
	NamespaceID string // empty runs in the current namespace (dev mode)
	ExitIP      string
}

// TaskRunner executes one task to a terminal outcome. Outcomes are
// reported to the hub exactly once and never retried locally.
type TaskRunner interface {
	Run(ctx context.Context, task types.Task, env TaskEnv) *types.TaskOutcome
}

// ProcessSweeper kills stray processes a force-killed task left
// behind, matched by command-line pattern.
type ProcessSweeper interface {
	KillProcessesMatching(pattern string) error
}

// RunnerConfig configures the subprocess runner.
type RunnerConfig struct {
	Executor        string   // executor binary path
	Args            []string // fixed arguments prepended before env-driven config
	Timeout         time.Duration
	ProfileBaseDir  string   // per-task profile directories live under here
	BlockIndicators []string // overrides DefaultBlockIndicators when set
}

// SubprocessRunner launches the task executor as an isolated
// subprocess bound to the session's network namespace.
type SubprocessRunner struct {
	cfg     RunnerConfig
	sweeper ProcessSweeper
	logger  zerolog.Logger
}

// NewSubprocessRunner creates a runner. sweeper may be nil; without it
// timed-out tasks lose the profile-path process sweep.
func NewSubprocessRunner(cfg RunnerConfig, sweeper ProcessSweeper) *SubprocessRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTaskTimeout
	}
	if cfg.ProfileBaseDir == "" {
		cfg.ProfileBaseDir = filepath.Join(os.TempDir(), "burrow-profiles")
	}
	if len(cfg.BlockIndicators) == 0 {
		cfg.BlockIndicators = DefaultBlockIndicators
	}
	return &SubprocessRunner{
		cfg:     cfg,
		sweeper: sweeper,
		logger:  log.WithComponent("runner"),
	}
}

// Run executes one task and always returns a terminal outcome; failures
// are classified, never propagated as errors.
func (r *SubprocessRunner) Run(ctx context.Context, task types.Task, env TaskEnv) *types.TaskOutcome {
	start := time.Now()

	profileDir, err := r.freshProfileDir(task.AllocationKey, env.ThreadIndex)
	if err != nil {
		return r.finish(task, start, failure(types.TaskErrorSpawn, fmt.Sprintf("profile dir: %v", err)))
	}
	defer os.RemoveAll(profileDir)

	cmd := r.command(env.NamespaceID)
	cmd.Env = append(os.Environ(), taskEnviron(task, env, profileDir)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().
		Str("allocation_key", task.AllocationKey).
		Str("namespace", env.NamespaceID).
		Int("thread", env.ThreadIndex).
		Msg("Starting task subprocess")

	if err := cmd.Start(); err != nil {
		return r.finish(task, start, failure(types.TaskErrorSpawn, err.Error()))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		r.kill(cmd, profileDir)
		<-done
		return r.finish(task, start, failure(types.TaskErrorTimeout, fmt.Sprintf("killed after %s", r.cfg.Timeout)))
	case <-ctx.Done():
		r.kill(cmd, profileDir)
		<-done
		return r.finish(task, start, failure(types.TaskErrorExit, "killed: shutdown requested"))
	}

	if res, ok := parseResultLine(stdout.Bytes()); ok {
		if res.Success {
			return r.finish(task, start, success(res.Extras))
		}
		errType := res.ErrorType
		if errType == "" {
			errType = types.TaskErrorExit
		}
		return r.finish(task, start, failure(errType, res.ErrorMessage))
	}

	// No marker: the exit code is all we have.
	if waitErr == nil {
		return r.finish(task, start, success(nil))
	}
	combined := stdout.String() + "\n" + stderr.String()
	if containsBlockIndicator(combined, r.cfg.BlockIndicators) {
		return r.finish(task, start, failure(types.TaskErrorBlocked, diagnosticTail(combined)))
	}
	return r.finish(task, start, failure(types.TaskErrorExit, fmt.Sprintf("%v: %s", waitErr, diagnosticTail(combined))))
}

// command builds the executor invocation. A non-empty namespace wraps
// it in `ip netns exec` so the subprocess inherits the tunnel's network
// identity.
func (r *SubprocessRunner) command(namespaceID string) *exec.Cmd {
	if namespaceID == "" {
		return exec.Command(r.cfg.Executor, r.cfg.Args...)
	}
	args := append([]string{"netns", "exec", namespaceID, r.cfg.Executor}, r.cfg.Args...)
	return exec.Command("ip", args...)
}

func (r *SubprocessRunner) kill(cmd *exec.Cmd, profileDir string) {
	if cmd.Process != nil {
		// Ignore errors: the process may have exited while we decided.
		_ = cmd.Process.Kill()
	}
	if r.sweeper != nil {
		// The executor forks helpers (browsers) that survive the parent
		// kill; they all carry the profile path on their command line.
		if err := r.sweeper.KillProcessesMatching(profileDir); err != nil {
			r.logger.Debug().Err(err).Str("pattern", profileDir).Msg("Profile process sweep failed")
		}
	}
}

func (r *SubprocessRunner) freshProfileDir(allocationKey string, threadIndex int) (string, error) {
	dir := filepath.Join(r.cfg.ProfileBaseDir, fmt.Sprintf("task-%d-%s", threadIndex, sanitizeKey(allocationKey)))
	// A leftover profile from a previous run must not leak state in.
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (r *SubprocessRunner) finish(task types.Task, start time.Time, outcome *types.TaskOutcome) *types.TaskOutcome {
	outcome.AllocationKey = task.AllocationKey
	outcome.DurationMs = time.Since(start).Milliseconds()

	evt := r.logger.Debug()
	if !outcome.Success {
		evt = r.logger.Info()
	}
	evt.Str("allocation_key", task.AllocationKey).
		Bool("success", outcome.Success).
		Str("error_type", string(outcome.ErrorType)).
		Int64("duration_ms", outcome.DurationMs).
		Msg("Task finished")
	return outcome
}

func success(extras map[string]string) *types.TaskOutcome {
	return &types.TaskOutcome{Success: true, Extras: extras}
}

func failure(errType types.TaskErrorType, message string) *types.TaskOutcome {
	return &types.TaskOutcome{ErrorType: errType, ErrorMessage: message}
}

// taskEnviron flattens the task and dispatch context into the
// executor's environment contract.
func taskEnviron(task types.Task, env TaskEnv, profileDir string) []string {
	return []string{
		"BURROW_ALLOCATION_KEY=" + task.AllocationKey,
		"BURROW_KEYWORD=" + task.Keyword,
		"BURROW_PRODUCT_ID=" + task.ProductID,
		"BURROW_ITEM_ID=" + task.ItemID,
		"BURROW_VENDOR_ITEM_ID=" + task.VendorItemID,
		"BURROW_WORK_TYPE=" + task.WorkType,
		"BURROW_THREAD_INDEX=" + strconv.Itoa(env.ThreadIndex),
		"BURROW_NAMESPACE=" + env.NamespaceID,
		"BURROW_EXIT_IP=" + env.ExitIP,
		"BURROW_PROFILE_DIR=" + profileDir,
	}
}

type resultLine struct {
	Success      bool                `json:"success"`
	ErrorType    types.TaskErrorType `json:"error_type,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Extras       map[string]string   `json:"extras,omitempty"`
}

// parseResultLine extracts the marker-prefixed result from stdout. The
// last marker wins if the executor printed more than one. Malformed
// JSON is treated as no marker; the exit code then decides.
func parseResultLine(stdout []byte) (*resultLine, bool) {
	var found *resultLine
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, ResultMarker) {
			continue
		}
		var res resultLine
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, ResultMarker)), &res); err != nil {
			continue
		}
		found = &res
	}
	return found, found != nil
}

func containsBlockIndicator(output string, indicators []string) bool {
	lowered := strings.ToLower(output)
	for _, ind := range indicators {
		if strings.Contains(lowered, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

// diagnosticTail condenses subprocess output into a single short line
// suitable for an error message.
func diagnosticTail(output string) string {
	const maxLen = 300
	s := strings.Join(strings.Fields(output), " ")
	if len(s) > maxLen {
		s = s[len(s)-maxLen:]
	}
	return s
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
