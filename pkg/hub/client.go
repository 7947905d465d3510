package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// DefaultTimeout bounds hub calls that carry no tighter deadline.
const DefaultTimeout = 10 * time.Second

// ErrNoLease is returned by AllocateLease when the hub has no free
// dongle resource for this agent.
var ErrNoLease = errors.New("no lease available")

// APIError is a structured hub error: HTTP status plus the hub's own
// error code and message when the body carries them.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hub: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("hub: %s (status %d)", e.Message, e.StatusCode)
}

// Config configures a hub client.
type Config struct {
	BaseURL string        // e.g. https://hub.example.com
	APIKey  string        // bearer token
	Timeout time.Duration // per-request; DefaultTimeout when zero
}

// Client is the JSON-over-HTTP hub client. All methods are safe for
// concurrent use; each call is bounded by the passed context and the
// configured request timeout, whichever fires first.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a hub client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type allocateLeaseRequest struct {
	AgentID string `json:"agent_id"`
}

// AllocateLease asks the hub for an exclusive lease on one exit-IP
// resource. Returns ErrNoLease when the pool is exhausted.
func (c *Client) AllocateLease(ctx context.Context, agentID string) (*types.DongleLease, error) {
	var lease types.DongleLease
	err := c.post(ctx, "/v1/dongles/allocate", allocateLeaseRequest{AgentID: agentID}, &lease)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.Code == "NO_LEASE_AVAILABLE") {
			return nil, fmt.Errorf("allocate lease: %w", ErrNoLease)
		}
		return nil, fmt.Errorf("allocate lease: %w", err)
	}
	if lease.LeaseID == "" {
		return nil, fmt.Errorf("allocate lease: %w", ErrNoLease)
	}
	if lease.AllocatedAt.IsZero() {
		lease.AllocatedAt = time.Now()
	}
	return &lease, nil
}

// Heartbeat renews the lease so the hub does not reclaim it.
func (c *Client) Heartbeat(ctx context.Context, leaseID string) error {
	path := "/v1/dongles/" + url.PathEscape(leaseID) + "/heartbeat"
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("heartbeat lease %s: %w", leaseID, err)
	}
	return nil
}

type toggleRequest struct {
	ServerAddress  string `json:"server_address"`
	ResourceNumber int    `json:"resource_number"`
	Reason         string `json:"reason"`
	Message        string `json:"message,omitempty"`
}

// Toggle asks the dongle server behind the hub to rotate the exit IP of
// a resource. The signal is at-least-once; the hub tolerates duplicates.
func (c *Client) Toggle(ctx context.Context, serverAddress string, resourceNumber int, reason types.ToggleReason, message string) error {
	req := toggleRequest{
		ServerAddress:  serverAddress,
		ResourceNumber: resourceNumber,
		Reason:         string(reason),
		Message:        message,
	}
	if err := c.post(ctx, "/v1/dongles/toggle", req, nil); err != nil {
		return fmt.Errorf("toggle resource %d on %s: %w", resourceNumber, serverAddress, err)
	}
	return nil
}

type releaseRequest struct {
	AgentID string              `json:"agent_id"`
	LeaseID string              `json:"lease_id"`
	Stats   *types.ReleaseStats `json:"stats,omitempty"`
}

// Release returns the lease to the hub together with the session
// summary stats.
func (c *Client) Release(ctx context.Context, agentID, leaseID string, stats *types.ReleaseStats) error {
	req := releaseRequest{AgentID: agentID, LeaseID: leaseID, Stats: stats}
	if err := c.post(ctx, "/v1/dongles/release", req, nil); err != nil {
		return fmt.Errorf("release lease %s: %w", leaseID, err)
	}
	return nil
}

type allocateBatchRequest struct {
	AgentID  string `json:"agent_id"`
	LeaseID  string `json:"lease_id"`
	ExitIP   string `json:"exit_ip"`
	MaxTasks int    `json:"max_tasks"`
}

// BatchResponse is the hub's answer to a batch allocation: either tasks
// or, when empty, the reason there were none for this exit IP.
type BatchResponse struct {
	Tasks  []types.Task       `json:"tasks"`
	Reason types.NoWorkReason `json:"no_work_reason,omitempty"`
}

// AllocateBatch requests up to maxTasks tasks compatible with the bound
// exit IP. An empty batch is not an error; Reason says why.
func (c *Client) AllocateBatch(ctx context.Context, agentID, leaseID, exitIP string, maxTasks int) (*BatchResponse, error) {
	req := allocateBatchRequest{
		AgentID:  agentID,
		LeaseID:  leaseID,
		ExitIP:   exitIP,
		MaxTasks: maxTasks,
	}
	var resp BatchResponse
	if err := c.post(ctx, "/v1/tasks/allocate", req, &resp); err != nil {
		return nil, fmt.Errorf("allocate batch: %w", err)
	}
	if len(resp.Tasks) == 0 && resp.Reason == "" {
		resp.Reason = types.NoWorkNoActiveTasks
	}
	return &resp, nil
}

// SubmitResult reports one terminal task outcome to the hub. The
// allocation key inside the outcome correlates it with the task.
func (c *Client) SubmitResult(ctx context.Context, outcome *types.TaskOutcome) error {
	if outcome.AllocationKey == "" {
		return errors.New("submit result: empty allocation key")
	}
	if err := c.post(ctx, "/v1/tasks/result", outcome, nil); err != nil {
		return fmt.Errorf("submit result %s: %w", outcome.AllocationKey, err)
	}
	return nil
}

// post sends a JSON POST and decodes the JSON response into out when
// out is non-nil. Non-2xx responses become an *APIError.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// apiError builds an *APIError from a non-2xx response, preferring the
// hub's structured JSON error body when present.
func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(b)),
	}
	var errResp struct {
		Error     string `json:"error"`
		ErrorCode string `json:"error_code"`
	}
	if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		apiErr.Code = errResp.ErrorCode
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
