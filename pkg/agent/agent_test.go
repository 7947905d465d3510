package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/policy"
	"github.com/cuemby/burrow/pkg/status"
	"github.com/cuemby/burrow/pkg/types"
)

type sessionToggle struct {
	reason  types.ToggleReason
	message string
}

type fakeSession struct {
	mu    sync.Mutex
	state types.SessionState
	lease *types.DongleLease

	connects       int
	reconnectCalls int
	cleanups       int
	heartbeats     int
	toggles        []sessionToggle
	releases       []string

	connectErr   error
	reconnectErr error
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = types.SessionStateConnected
	f.lease = &types.DongleLease{
		LeaseID:        fmt.Sprintf("lease%03d", f.connects+f.reconnectCalls),
		ResourceNumber: 7,
	}
	return nil
}

func (f *fakeSession) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectCalls++
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.state = types.SessionStateConnected
	f.lease = &types.DongleLease{
		LeaseID:        fmt.Sprintf("lease%03d", f.connects+f.reconnectCalls),
		ResourceNumber: 7,
	}
	return nil
}

func (f *fakeSession) ToggleIP(_ context.Context, reason types.ToggleReason, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, sessionToggle{reason, message})
	return nil
}

func (f *fakeSession) ReleaseDongle(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, reason)
	f.lease = nil
	return nil
}

func (f *fakeSession) Heartbeat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeSession) Cleanup(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	f.lease = nil
	f.state = types.SessionStateIdle
}

func (f *fakeSession) State() types.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) NamespaceID() string { return "brw-test-ns" }
func (f *fakeSession) ExitIP() string      { return "198.51.100.7" }

func (f *fakeSession) Lease() *types.DongleLease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lease
}

type batchStep struct {
	tasks  []types.Task
	reason types.NoWorkReason
	err    error
}

// fakeAllocator plays back scripted allocation steps and invokes
// onDrained once the script runs out, which tests use to stop the loop.
type fakeAllocator struct {
	mu        sync.Mutex
	steps     []batchStep
	exitIP    string
	repoints  []string
	submitted []*types.TaskOutcome
	onDrained func()
	drained   bool
}

func (f *fakeAllocator) Allocate(context.Context, int) ([]types.Task, types.NoWorkReason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		if !f.drained {
			f.drained = true
			if f.onDrained != nil {
				f.onDrained()
			}
		}
		return nil, types.NoWorkNoActiveTasks, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.tasks, step.reason, step.err
}

func (f *fakeAllocator) SubmitResult(_ context.Context, outcome *types.TaskOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outcome)
	return nil
}

func (f *fakeAllocator) ExitIP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitIP
}

func (f *fakeAllocator) SetExitIP(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoints = append(f.repoints, ip)
	f.exitIP = ip
}

type fakeEgress struct {
	mu    sync.Mutex
	queue []string // "" entries model failed probes; empty queue answers the default
}

func (f *fakeEgress) GetPublicIP(string, time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "198.51.100.7"
	}
	ip := f.queue[0]
	f.queue = f.queue[1:]
	return ip
}

// fakeRunner resolves each task by its WorkType: "success", "blocked",
// "timeout" or "fail".
type fakeRunner struct {
	mu   sync.Mutex
	envs []TaskEnv
}

func (f *fakeRunner) Run(_ context.Context, task types.Task, env TaskEnv) *types.TaskOutcome {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()

	outcome := &types.TaskOutcome{AllocationKey: task.AllocationKey, DurationMs: 5}
	switch task.WorkType {
	case "blocked":
		outcome.ErrorType = types.TaskErrorBlocked
	case "timeout":
		outcome.ErrorType = types.TaskErrorTimeout
	case "fail":
		outcome.ErrorType = types.TaskErrorExit
	default:
		outcome.Success = true
	}
	return outcome
}

func makeTasks(workTypes ...string) []types.Task {
	tasks := make([]types.Task, len(workTypes))
	for i, wt := range workTypes {
		tasks[i] = types.Task{
			AllocationKey: fmt.Sprintf("alloc-%03d", i),
			Keyword:       "widget",
			WorkType:      wt,
		}
	}
	return tasks
}

func loopConfig() Config {
	return Config{
		MaxThreads:               4,
		StaggerInterval:          time.Millisecond,
		NoWorkDelay:              time.Millisecond,
		NoWorkCooldown:           time.Millisecond,
		ReconnectDelay:           time.Millisecond,
		BlockedReconnectAttempts: 2,
		BlockedReconnectDelay:    time.Millisecond,
		PreCheckTimeout:          time.Millisecond,
	}
}

func newTestAgent(sess *fakeSession, alloc *fakeAllocator, egress *fakeEgress, pol *policy.Policy, writer *status.Writer) *Agent {
	return New("agent-1", sess, alloc, egress, &fakeRunner{}, pol, writer, loopConfig())
}

func TestRunBatchCycle_AllSucceed(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success", "success", "success")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)

	res, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 0, res.FailCount)
	assert.Equal(t, 0, res.BlockedCount)
	assert.Equal(t, 3, res.Score)
	assert.False(t, res.NoWork)
	assert.Len(t, alloc.submitted, 3, "every result submits individually")
	// One heartbeat up front plus one per result.
	assert.Equal(t, 4, sess.heartbeats)
}

func TestRunBatchCycle_Aggregation(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success", "blocked", "timeout", "success", "fail")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)

	res, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.BlockedCount)
	assert.Equal(t, 2, res.FailCount, "timeouts count as fail, not blocked")
	assert.Equal(t, 1, res.Score, "score = success - blocked; fail is neutral")
	assert.Equal(t, 5, res.TaskCount())
}

func TestRunBatchCycle_PreCheckFailureFailsFast(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{queue: []string{""}}, nil, nil)

	res, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, res.IPCheckFailed)
	assert.Equal(t, 0, res.TaskCount())
	assert.Len(t, alloc.steps, 1, "no allocation call on a dead tunnel")
	assert.Equal(t, 0, sess.heartbeats)
}

func TestRunBatchCycle_SilentIPChangeRepointsAllocator(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{exitIP: "198.51.100.7"}
	a := newTestAgent(sess, alloc, &fakeEgress{queue: []string{"203.0.113.99"}}, nil, nil)

	_, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"203.0.113.99"}, alloc.repoints)
}

func TestRunBatchCycle_AllocationErrorIsNoWork(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{steps: []batchStep{{err: errors.New("connection refused")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)

	res, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err, "an unreachable hub is a no-work condition, not a cycle failure")

	assert.True(t, res.NoWork)
	assert.Equal(t, types.NoWorkHubUnreachable, res.NoWorkReason)
}

func TestRunBatchCycle_EmptyAllocationCarriesReason(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{steps: []batchStep{{reason: types.NoWorkIPAllUsed}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)

	res, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, res.NoWork)
	assert.Equal(t, types.NoWorkIPAllUsed, res.NoWorkReason)
}

func TestRunBatchCycle_TaskEnvBinding(t *testing.T) {
	sess := &fakeSession{}
	require.NoError(t, sess.Connect(context.Background()))
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success", "success")}}}
	runner := &fakeRunner{}
	a := New("agent-1", sess, alloc, &fakeEgress{}, runner, nil, nil, loopConfig())

	_, err := a.RunBatchCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, runner.envs, 2)
	indices := map[int]bool{}
	for _, env := range runner.envs {
		assert.Equal(t, "brw-test-ns", env.NamespaceID)
		assert.Equal(t, "198.51.100.7", env.ExitIP)
		indices[env.ThreadIndex] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, indices)
}

// Scenario: the hub returns tasks and all succeed; no toggle follows.
func TestLoop_WorkWithoutToggle(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success", "success", "success")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)
	alloc.onDrained = a.Stop

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	assert.Equal(t, 1, sess.connects)
	assert.Empty(t, sess.toggles)
	assert.Equal(t, 0, sess.reconnectCalls)
	assert.Len(t, alloc.submitted, 3)
}

// Scenario: an empty allocation tagged IP_ALL_USED rotates immediately
// without touching the starvation streak.
func TestLoop_IPAllUsedTogglesImmediately(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{{reason: types.NoWorkIPAllUsed}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)
	alloc.onDrained = a.Stop

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	require.Len(t, sess.toggles, 1)
	assert.Equal(t, types.ToggleReasonNoWorkStreak, sess.toggles[0].reason)
	assert.Equal(t, "ip_all_used", sess.toggles[0].message)
	assert.Equal(t, 1, sess.reconnectCalls)
	assert.Equal(t, 0, sess.cleanups, "immediate rotation skips the cooldown teardown")
}

// Scenario: three consecutive starved cycles tear the session down,
// cool off, then reconnect with a fresh lease.
func TestLoop_NoWorkStreakTearsDownAndReconnects(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{
		{reason: types.NoWorkNoActiveTasks},
		{reason: types.NoWorkNoActiveTasks},
		{reason: types.NoWorkNoActiveTasks},
	}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)
	alloc.onDrained = a.Stop

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	require.Len(t, sess.toggles, 1)
	assert.Equal(t, types.ToggleReasonNoWorkStreak, sess.toggles[0].reason)
	assert.NotEqual(t, "ip_all_used", sess.toggles[0].message)
	assert.Equal(t, 1, sess.cleanups, "starved streak requires a full teardown")
	assert.Equal(t, 1, sess.reconnectCalls)
}

// Scenario: successSinceToggle reaches the preventive threshold; the
// loop toggles, releases and terminates cleanly without reconnecting.
func TestLoop_PreventiveQuotaExitsCleanly(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success", "success", "success", "success", "success")}}}
	pol := &policy.Policy{BlockThreshold: -2, MaxNoWorkStreak: 3, PreventiveToggleAt: 5}
	a := newTestAgent(sess, alloc, &fakeEgress{}, pol, nil)

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	require.Len(t, sess.toggles, 1)
	assert.Equal(t, types.ToggleReasonPreventive, sess.toggles[0].reason)
	assert.Equal(t, []string{"preventive"}, sess.releases)
	assert.Equal(t, 0, sess.reconnectCalls, "preventive exit never reconnects")
}

// Scenario: the score hits the block threshold and every bounded
// reconnect attempt fails; the loop aborts with ErrBlockedReconnect.
func TestLoop_BlockedReconnectExhaustion(t *testing.T) {
	sess := &fakeSession{reconnectErr: errors.New("no leases left")}
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("blocked", "blocked", "fail")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)

	err := a.RunIndependentLoop(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockedReconnect)

	require.Len(t, sess.toggles, 1)
	assert.Equal(t, types.ToggleReasonBlocked, sess.toggles[0].reason)
	assert.Equal(t, 2, sess.reconnectCalls, "bounded by BlockedReconnectAttempts")
}

func TestLoop_BlockedReconnectRecovery(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("blocked", "blocked")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)
	alloc.onDrained = a.Stop

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	require.Len(t, sess.toggles, 1)
	assert.Equal(t, types.ToggleReasonBlocked, sess.toggles[0].reason)
	assert.Equal(t, 1, sess.reconnectCalls)
}

// Scenario: a failed pre-check rotates with the highest-priority reason
// and rebuilds the tunnel.
func TestLoop_PreCheckFailureTogglesAndReconnects(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{}
	a := newTestAgent(sess, alloc, &fakeEgress{queue: []string{""}}, nil, nil)
	alloc.onDrained = a.Stop

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	require.Len(t, sess.toggles, 1)
	assert.Equal(t, types.ToggleReasonIPCheckFailed, sess.toggles[0].reason)
	assert.Equal(t, 1, sess.reconnectCalls)
}

func TestLoop_ManualToggleAtCycleBoundary(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)
	alloc.onDrained = a.Stop

	a.RequestToggle()
	require.NoError(t, a.RunIndependentLoop(context.Background()))

	require.NotEmpty(t, sess.toggles)
	assert.Equal(t, types.ToggleReasonManual, sess.toggles[0].reason)
	assert.Equal(t, "operator requested rotation", sess.toggles[0].message)
	assert.Equal(t, 1, sess.reconnectCalls)
	// The armed request fires once, then ordinary cycles resume.
	assert.Len(t, alloc.submitted, 1)
}

func TestLoop_ConnectFailureSurfaces(t *testing.T) {
	sess := &fakeSession{connectErr: errors.New("no dongles available")}
	a := newTestAgent(sess, &fakeAllocator{}, &fakeEgress{}, nil, nil)

	err := a.RunIndependentLoop(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, sess.reconnectCalls)
}

// Cumulative score and task counters land in the slot snapshot.
func TestLoop_SnapshotAccounting(t *testing.T) {
	dir := t.TempDir()
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{
		{tasks: makeTasks("success", "success", "blocked", "fail")},
		{tasks: makeTasks("success")},
	}}
	writer := status.NewWriter(dir, 0)
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, writer)
	alloc.onDrained = a.Stop

	require.NoError(t, a.RunIndependentLoop(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "slot-0.json"))
	require.NoError(t, err)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	assert.Equal(t, "agent-1", snap.AgentID)
	// (2-1) from the first cycle, (1-0) from the second.
	assert.Equal(t, 2, snap.Score)
	assert.Equal(t, 3, snap.SuccessSinceToggle)
	assert.Equal(t, 3, snap.TasksSucceeded)
	assert.Equal(t, 1, snap.TasksFailed)
	assert.Equal(t, 1, snap.TasksBlocked)
	assert.Equal(t, "lease001", snap.LeaseID)
	assert.GreaterOrEqual(t, snap.Cycles, 2)
}

func TestRunOnce(t *testing.T) {
	sess := &fakeSession{}
	alloc := &fakeAllocator{steps: []batchStep{{tasks: makeTasks("success", "fail")}}}
	a := newTestAgent(sess, alloc, &fakeEgress{}, nil, nil)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sess.connects)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailCount)
	assert.Empty(t, sess.toggles)
}

func TestStop_IsIdempotent(t *testing.T) {
	a := newTestAgent(&fakeSession{}, &fakeAllocator{}, &fakeEgress{}, nil, nil)
	a.Stop()
	a.Stop()
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		name    string
		outcome *types.TaskOutcome
		want    string
	}{
		{"success", &types.TaskOutcome{Success: true}, "success"},
		{"blocked", &types.TaskOutcome{ErrorType: types.TaskErrorBlocked}, "blocked"},
		{"timeout", &types.TaskOutcome{ErrorType: types.TaskErrorTimeout}, "timeout"},
		{"untyped failure", &types.TaskOutcome{}, "exit_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeLabel(tt.outcome))
		})
	}
}
