package hub

import (
	"context"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// TaskAllocator binds the hub's task operations to one agent's current
// lease and verified exit IP. The session manager re-points it on every
// reconnect; the agent re-points the exit IP when the hub rotates it
// silently between cycles.
type TaskAllocator struct {
	client  *Client
	agentID string

	mu      sync.RWMutex
	leaseID string
	exitIP  string
}

// NewTaskAllocator creates an unbound allocator for the agent.
func NewTaskAllocator(client *Client, agentID string) *TaskAllocator {
	return &TaskAllocator{client: client, agentID: agentID}
}

// Rebind points the allocator at a new lease and exit IP after a
// connect or reconnect.
func (a *TaskAllocator) Rebind(leaseID, exitIP string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaseID = leaseID
	a.exitIP = exitIP
}

// SetExitIP updates only the exit IP, keeping the lease binding. Used
// when a pre-cycle check observes a hub-side rotation.
func (a *TaskAllocator) SetExitIP(exitIP string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exitIP = exitIP
}

// ExitIP returns the currently bound exit IP.
func (a *TaskAllocator) ExitIP() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exitIP
}

// LeaseID returns the currently bound lease.
func (a *TaskAllocator) LeaseID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leaseID
}

// Allocate requests up to maxTasks tasks for the bound exit IP.
func (a *TaskAllocator) Allocate(ctx context.Context, maxTasks int) ([]types.Task, types.NoWorkReason, error) {
	a.mu.RLock()
	leaseID, exitIP := a.leaseID, a.exitIP
	a.mu.RUnlock()

	resp, err := a.client.AllocateBatch(ctx, a.agentID, leaseID, exitIP, maxTasks)
	if err != nil {
		return nil, "", err
	}
	if len(resp.Tasks) == 0 {
		return nil, resp.Reason, nil
	}
	return resp.Tasks, "", nil
}

// SubmitResult reports one terminal task outcome.
func (a *TaskAllocator) SubmitResult(ctx context.Context, outcome *types.TaskOutcome) error {
	return a.client.SubmitResult(ctx, outcome)
}
