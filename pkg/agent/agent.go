package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/policy"
	"github.com/cuemby/burrow/pkg/status"
	"github.com/cuemby/burrow/pkg/types"
)

// ErrBlockedReconnect terminates the loop when a blocked exit IP could
// not be replaced within the bounded reconnect budget.
var ErrBlockedReconnect = errors.New("blocked: reconnect attempts exhausted")

// SessionController is the slice of the session manager the agent
// drives. *session.Manager satisfies it.
type SessionController interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	ToggleIP(ctx context.Context, reason types.ToggleReason, message string) error
	ReleaseDongle(ctx context.Context, reason string) error
	Heartbeat(ctx context.Context) error
	Cleanup(ctx context.Context)
	State() types.SessionState
	NamespaceID() string
	ExitIP() string
	Lease() *types.DongleLease
}

// BatchAllocator requests tasks and submits results for the bound
// (agent, lease, exit IP) triple. *hub.TaskAllocator satisfies it.
type BatchAllocator interface {
	Allocate(ctx context.Context, maxTasks int) ([]types.Task, types.NoWorkReason, error)
	SubmitResult(ctx context.Context, outcome *types.TaskOutcome) error
	ExitIP() string
	SetExitIP(exitIP string)
}

// EgressChecker performs the lightweight pre-cycle egress probe.
// *tunnel.Helper satisfies it.
type EgressChecker interface {
	GetPublicIP(namespaceID string, timeout time.Duration) string
}

// Config tunes the batch loop.
type Config struct {
	MaxThreads               int           // concurrent task subprocesses per cycle
	StaggerInterval          time.Duration // delay between consecutive task starts
	NoWorkDelay              time.Duration // wait after an empty cycle below the streak threshold
	NoWorkCooldown           time.Duration // wait between teardown and reconnect on a starved streak
	ReconnectDelay           time.Duration // retry delay for unbounded reconnects
	BlockedReconnectAttempts int           // reconnect budget after a BLOCKED toggle
	BlockedReconnectDelay    time.Duration
	PreCheckTimeout          time.Duration // egress probe bound at cycle start
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxThreads:               4,
		StaggerInterval:          2 * time.Second,
		NoWorkDelay:              10 * time.Second,
		NoWorkCooldown:           30 * time.Second,
		ReconnectDelay:           10 * time.Second,
		BlockedReconnectAttempts: 5,
		BlockedReconnectDelay:    10 * time.Second,
		PreCheckTimeout:          5 * time.Second,
	}
}

// Agent drives the outer loop of one worker: pull a batch of tasks
// through the live session, execute them as isolated subprocesses,
// submit results, aggregate a score and act on the toggle policy's
// decision. All counters live on the single control goroutine that
// drains the result channel; nothing else writes them.
type Agent struct {
	agentID string
	session SessionController
	alloc   BatchAllocator
	egress  EgressChecker
	runner  TaskRunner
	policy  *policy.Policy
	writer  *status.Writer
	cfg     Config
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	manualToggle bool

	// Loop counters, control goroutine only.
	score              int
	successSinceToggle int
	noWorkStreak       int
	cycles             int
	tasksSucceeded     int
	tasksFailed        int
	tasksBlocked       int
	toggles            int
}

// New creates an agent. pol defaults to policy.New(); writer may be
// nil to skip status snapshots.
func New(agentID string, sess SessionController, alloc BatchAllocator, egress EgressChecker, runner TaskRunner, pol *policy.Policy, writer *status.Writer, cfg Config) *Agent {
	def := DefaultConfig()
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = def.MaxThreads
	}
	if cfg.StaggerInterval <= 0 {
		cfg.StaggerInterval = def.StaggerInterval
	}
	if cfg.NoWorkDelay <= 0 {
		cfg.NoWorkDelay = def.NoWorkDelay
	}
	if cfg.NoWorkCooldown <= 0 {
		cfg.NoWorkCooldown = def.NoWorkCooldown
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.BlockedReconnectAttempts <= 0 {
		cfg.BlockedReconnectAttempts = def.BlockedReconnectAttempts
	}
	if cfg.BlockedReconnectDelay <= 0 {
		cfg.BlockedReconnectDelay = def.BlockedReconnectDelay
	}
	if cfg.PreCheckTimeout <= 0 {
		cfg.PreCheckTimeout = def.PreCheckTimeout
	}
	if pol == nil {
		pol = policy.New()
	}
	return &Agent{
		agentID: agentID,
		session: sess,
		alloc:   alloc,
		egress:  egress,
		runner:  runner,
		policy:  pol,
		writer:  writer,
		cfg:     cfg,
		logger:  log.WithComponent("agent").With().Str("agent_id", agentID).Logger(),
		stopCh:  make(chan struct{}),
	}
}

// RunIndependentLoop connects if needed and repeats batch cycles until
// a clean preventive exit, an exhausted blocked reconnect, a failed
// connect, or Stop/context cancellation (both return nil).
func (a *Agent) RunIndependentLoop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.ensureConnected(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil || a.stopRequested() {
			return nil
		}

		if a.takeManualToggle() {
			done, err := a.act(ctx, policy.Manual(""))
			if err != nil || done {
				return err
			}
			continue
		}

		res, err := a.RunBatchCycle(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil || a.stopRequested() {
			return nil
		}
		a.cycles++

		done, err := a.handleCycle(ctx, res)
		a.writeSnapshot()
		if err != nil || done {
			return err
		}
	}
}

// RunOnce executes a single batch cycle including decision handling.
func (a *Agent) RunOnce(ctx context.Context) (*types.BatchCycleResult, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return nil, err
	}
	res, err := a.RunBatchCycle(ctx)
	if err != nil {
		return nil, err
	}
	a.cycles++
	_, err = a.handleCycle(ctx, res)
	a.writeSnapshot()
	return res, err
}

// RunBatchCycle performs one cycle: egress pre-check, heartbeat,
// allocation, staggered parallel execution, incremental result
// submission, aggregation. It never returns a partial result; the
// caller always gets the full cycle accounting.
func (a *Agent) RunBatchCycle(ctx context.Context) (*types.BatchCycleResult, error) {
	res := &types.BatchCycleResult{}

	// Fail fast: a dead tunnel makes the allocation call and every
	// task pointless.
	ns := a.session.NamespaceID()
	ip := a.egress.GetPublicIP(ns, a.cfg.PreCheckTimeout)
	if ip == "" {
		a.logger.Warn().Str("namespace", ns).Msg("Egress pre-check returned no address")
		metrics.IPCheckFailuresTotal.Inc()
		metrics.BatchCyclesTotal.WithLabelValues("ip_check_failed").Inc()
		res.IPCheckFailed = true
		return res, nil
	}

	if bound := a.alloc.ExitIP(); bound != "" && ip != bound {
		// The hub can rotate a resource behind our back. Re-point the
		// allocator so task compatibility is judged against reality.
		a.logger.Warn().
			Str("bound_ip", bound).
			Str("current_ip", ip).
			Msg("Exit IP changed hub-side, re-pointing allocator")
		a.alloc.SetExitIP(ip)
	}

	if err := a.session.Heartbeat(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Heartbeat failed")
	}

	tasks, reason, err := a.alloc.Allocate(ctx, a.cfg.MaxThreads)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Task allocation failed")
		res.NoWork = true
		res.NoWorkReason = types.NoWorkHubUnreachable
		metrics.NoWorkTotal.WithLabelValues(string(res.NoWorkReason)).Inc()
		metrics.BatchCyclesTotal.WithLabelValues("no_work").Inc()
		return res, nil
	}
	if len(tasks) == 0 {
		a.logger.Info().Str("reason", string(reason)).Msg("No work allocated")
		res.NoWork = true
		res.NoWorkReason = reason
		metrics.NoWorkTotal.WithLabelValues(string(reason)).Inc()
		metrics.BatchCyclesTotal.WithLabelValues("no_work").Inc()
		return res, nil
	}

	a.logger.Info().Int("tasks", len(tasks)).Str("exit_ip", ip).Msg("Dispatching batch")

	results := make(chan *types.TaskOutcome, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t types.Task) {
			defer wg.Done()
			// Staggered starts keep the tunnel from absorbing every
			// cold start at once.
			if idx > 0 {
				select {
				case <-time.After(time.Duration(idx) * a.cfg.StaggerInterval):
				case <-ctx.Done():
					results <- &types.TaskOutcome{
						AllocationKey: t.AllocationKey,
						ErrorType:     types.TaskErrorExit,
						ErrorMessage:  "canceled before start",
					}
					return
				}
			}
			results <- a.runner.Run(ctx, t, TaskEnv{ThreadIndex: idx, NamespaceID: ns, ExitIP: ip})
		}(i, task)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Results aggregate here only. Submission is per-result, not
	// batched, so the hub sees progress even while a later task hangs.
	for outcome := range results {
		a.submitOutcome(ctx, outcome)
		switch {
		case outcome.Success:
			res.SuccessCount++
		case outcome.Blocked():
			res.BlockedCount++
		default:
			res.FailCount++
		}
		metrics.TasksTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
		metrics.TaskDuration.Observe(float64(outcome.DurationMs) / 1000)
	}

	res.Score = res.SuccessCount - res.BlockedCount
	metrics.BatchCyclesTotal.WithLabelValues("work").Inc()
	return res, nil
}

// RequestToggle arms a MANUAL rotation, honored at the next cycle
// boundary. Safe from any goroutine.
func (a *Agent) RequestToggle() {
	a.mu.Lock()
	a.manualToggle = true
	a.mu.Unlock()
	a.logger.Info().Msg("Manual toggle requested")
}

// Stop requests graceful termination. In-flight task subprocesses are
// killed and the loop exits at the next boundary.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("Stop requested")
		close(a.stopCh)
	})
}

func (a *Agent) ensureConnected(ctx context.Context) error {
	if a.session.State() == types.SessionStateConnected {
		return nil
	}
	return a.session.Connect(ctx)
}

// handleCycle folds one cycle result into the loop counters and acts
// on the policy decision. done=true means the loop should exit.
func (a *Agent) handleCycle(ctx context.Context, res *types.BatchCycleResult) (bool, error) {
	if res.IPCheckFailed {
		return a.act(ctx, a.policy.Decide(policy.Snapshot{IPCheckFailed: true}))
	}

	if res.NoWork {
		if res.NoWorkReason == types.NoWorkIPAllUsed {
			// The hub has work, just none compatible with this exit
			// IP. Rotate immediately; the streak tracks genuine
			// starvation, not this.
			a.logger.Info().Msg("No task compatible with current exit IP, rotating")
			return a.act(ctx, types.ToggleDecision{
				ShouldToggle: true,
				Reason:       types.ToggleReasonNoWorkStreak,
				Priority:     3,
				Message:      "ip_all_used",
			})
		}

		a.noWorkStreak++
		a.logger.Info().
			Int("streak", a.noWorkStreak).
			Str("reason", string(res.NoWorkReason)).
			Msg("No work this cycle")

		if decision := a.policy.Decide(a.policySnapshot()); decision.ShouldToggle {
			return a.act(ctx, decision)
		}
		a.wait(ctx, a.cfg.NoWorkDelay)
		return false, nil
	}

	a.noWorkStreak = 0
	a.score += res.Score
	a.successSinceToggle += res.SuccessCount
	a.tasksSucceeded += res.SuccessCount
	a.tasksFailed += res.FailCount
	a.tasksBlocked += res.BlockedCount
	metrics.Score.Set(float64(a.score))
	metrics.SuccessSinceToggle.Set(float64(a.successSinceToggle))

	a.logger.Info().
		Int("success", res.SuccessCount).
		Int("fail", res.FailCount).
		Int("blocked", res.BlockedCount).
		Int("score", a.score).
		Int("success_since_toggle", a.successSinceToggle).
		Msg("Batch cycle complete")

	if decision := a.policy.Decide(a.policySnapshot()); decision.ShouldToggle {
		return a.act(ctx, decision)
	}
	return false, nil
}

// act executes a toggle decision: signal the hub, reset per-IP
// counters, then recover per reason. Returns done=true when the loop
// must terminate.
func (a *Agent) act(ctx context.Context, d types.ToggleDecision) (bool, error) {
	a.logger.Info().
		Str("reason", string(d.Reason)).
		Int("priority", d.Priority).
		Str("message", d.Message).
		Msg("Acting on toggle decision")

	// Toggle is an at-least-once signal; a failed call must not stall
	// the rotation itself.
	if err := a.session.ToggleIP(ctx, d.Reason, d.Message); err != nil {
		a.logger.Warn().Err(err).Msg("Toggle signal failed")
	}
	a.toggles++

	if d.Reason != types.ToggleReasonPreventive {
		a.score = 0
		a.successSinceToggle = 0
		a.noWorkStreak = 0
		metrics.Score.Set(0)
		metrics.SuccessSinceToggle.Set(0)
	}

	switch d.Reason {
	case types.ToggleReasonPreventive:
		// Quota met on a healthy IP: release and exit cleanly.
		err := a.session.ReleaseDongle(ctx, "preventive")
		return true, err

	case types.ToggleReasonBlocked:
		return false, a.reconnectBounded(ctx)

	case types.ToggleReasonNoWorkStreak:
		if d.Message == "ip_all_used" {
			return false, a.reconnectForever(ctx)
		}
		// Genuine starvation: full teardown, cooldown, fresh lease.
		a.session.Cleanup(ctx)
		a.wait(ctx, a.cfg.NoWorkCooldown)
		return false, a.reconnectForever(ctx)

	default: // IP_CHECK_FAILED, MANUAL
		return false, a.reconnectForever(ctx)
	}
}

// reconnectBounded retries within the blocked budget and aborts with
// ErrBlockedReconnect when it runs out.
func (a *Agent) reconnectBounded(ctx context.Context) error {
	for attempt := 1; attempt <= a.cfg.BlockedReconnectAttempts; attempt++ {
		err := a.session.Reconnect(ctx)
		if err == nil {
			return nil
		}
		a.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", a.cfg.BlockedReconnectAttempts).
			Msg("Reconnect after block failed")
		if ctx.Err() != nil {
			return nil
		}
		if attempt < a.cfg.BlockedReconnectAttempts {
			a.wait(ctx, a.cfg.BlockedReconnectDelay)
		}
	}
	return ErrBlockedReconnect
}

// reconnectForever retries until it works or the loop is stopping.
func (a *Agent) reconnectForever(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := a.session.Reconnect(ctx)
		if err == nil {
			return nil
		}
		a.logger.Warn().Err(err).Msg("Reconnect failed, retrying")
		a.wait(ctx, a.cfg.ReconnectDelay)
	}
}

func (a *Agent) submitOutcome(ctx context.Context, outcome *types.TaskOutcome) {
	if err := a.alloc.SubmitResult(ctx, outcome); err != nil {
		a.logger.Error().
			Err(err).
			Str("allocation_key", outcome.AllocationKey).
			Msg("Result submission failed")
	}
	// Lease must stay warm across a long batch.
	if err := a.session.Heartbeat(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Post-result heartbeat failed")
	}
}

func (a *Agent) stopRequested() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Agent) takeManualToggle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	armed := a.manualToggle
	a.manualToggle = false
	return armed
}

func (a *Agent) policySnapshot() policy.Snapshot {
	return policy.Snapshot{
		NoWorkStreak:       a.noWorkStreak,
		Score:              a.score,
		SuccessSinceToggle: a.successSinceToggle,
	}
}

func (a *Agent) writeSnapshot() {
	if a.writer == nil {
		return
	}
	snap := &status.Snapshot{
		AgentID:            a.agentID,
		State:              string(a.session.State()),
		ExitIP:             a.session.ExitIP(),
		Score:              a.score,
		SuccessSinceToggle: a.successSinceToggle,
		NoWorkStreak:       a.noWorkStreak,
		Cycles:             a.cycles,
		TasksSucceeded:     a.tasksSucceeded,
		TasksFailed:        a.tasksFailed,
		TasksBlocked:       a.tasksBlocked,
		Toggles:            a.toggles,
	}
	if lease := a.session.Lease(); lease != nil {
		snap.LeaseID = lease.LeaseID
		snap.ResourceNumber = lease.ResourceNumber
	}
	a.writer.WriteSnapshot(snap)
}

func (a *Agent) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func outcomeLabel(o *types.TaskOutcome) string {
	if o.Success {
		return "success"
	}
	if o.ErrorType == "" {
		return strings.ToLower(string(types.TaskErrorExit))
	}
	return strings.ToLower(string(o.ErrorType))
}
