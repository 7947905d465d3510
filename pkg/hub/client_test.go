package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: 2 * time.Second})
}

func TestAllocateLease(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/dongles/allocate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agent-1", req["agent_id"])

		json.NewEncoder(w).Encode(types.DongleLease{
			LeaseID:        "lease-123",
			ResourceNumber: 7,
			ServerAddress:  "dongle-3.internal",
			PrivateKey:     "cHJpdmF0ZQ==",
			PeerPublicKey:  "cHVibGlj",
			PeerEndpoint:   "203.0.113.10:51820",
			ClientAddress:  "10.8.0.7/32",
		})
	})

	lease, err := client.AllocateLease(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "lease-123", lease.LeaseID)
	assert.Equal(t, 7, lease.ResourceNumber)
	assert.Equal(t, "dongle-3.internal", lease.ServerAddress)
	assert.False(t, lease.AllocatedAt.IsZero(), "AllocatedAt should default to now")
}

func TestAllocateLease_PoolExhausted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "no free dongle resources",
			"error_code": "NO_LEASE_AVAILABLE",
		})
	})

	lease, err := client.AllocateLease(context.Background(), "agent-1")
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, ErrNoLease)
}

func TestAllocateLease_EmptyLeaseID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := client.AllocateLease(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrNoLease)
}

func TestHeartbeat(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Heartbeat(context.Background(), "lease-123"))
	assert.Equal(t, "/v1/dongles/lease-123/heartbeat", gotPath)
}

func TestToggle(t *testing.T) {
	var got toggleRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/dongles/toggle", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.Toggle(context.Background(), "dongle-3.internal", 7, types.ToggleReasonBlocked, "score hit threshold")
	require.NoError(t, err)
	assert.Equal(t, "dongle-3.internal", got.ServerAddress)
	assert.Equal(t, 7, got.ResourceNumber)
	assert.Equal(t, "BLOCKED", got.Reason)
	assert.Equal(t, "score hit threshold", got.Message)
}

func TestRelease(t *testing.T) {
	var got releaseRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/dongles/release", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	stats := &types.ReleaseStats{
		SessionSeconds:   120,
		ConnectAttempts:  2,
		ConnectSuccesses: 1,
		ConnectFailures:  1,
		Toggles:          map[types.ToggleReason]int{types.ToggleReasonBlocked: 1},
		ReleaseReason:    "preventive",
	}
	require.NoError(t, client.Release(context.Background(), "agent-1", "lease-123", stats))
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "lease-123", got.LeaseID)
	require.NotNil(t, got.Stats)
	assert.Equal(t, int64(120), got.Stats.SessionSeconds)
	assert.Equal(t, 1, got.Stats.Toggles[types.ToggleReasonBlocked])
}

func TestAllocateBatch(t *testing.T) {
	var got allocateBatchRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/allocate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(BatchResponse{
			Tasks: []types.Task{
				{AllocationKey: "ak-1", Keyword: "widget", WorkType: "rank"},
				{AllocationKey: "ak-2", Keyword: "gadget", WorkType: "rank"},
			},
		})
	})

	resp, err := client.AllocateBatch(context.Background(), "agent-1", "lease-123", "198.51.100.4", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxTasks)
	assert.Equal(t, "198.51.100.4", got.ExitIP)
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, "ak-1", resp.Tasks[0].AllocationKey)
	assert.Empty(t, resp.Reason)
}

func TestAllocateBatch_NoWork(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantReason types.NoWorkReason
	}{
		{
			name:       "explicit reason",
			body:       `{"tasks":[],"no_work_reason":"IP_ALL_USED"}`,
			wantReason: types.NoWorkIPAllUsed,
		},
		{
			name:       "empty without reason defaults",
			body:       `{"tasks":[]}`,
			wantReason: types.NoWorkNoActiveTasks,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})

			resp, err := client.AllocateBatch(context.Background(), "agent-1", "lease-123", "198.51.100.4", 4)
			require.NoError(t, err)
			assert.Empty(t, resp.Tasks)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestSubmitResult(t *testing.T) {
	var got types.TaskOutcome
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/result", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	outcome := &types.TaskOutcome{
		AllocationKey: "ak-1",
		Success:       false,
		ErrorType:     types.TaskErrorBlocked,
		ErrorMessage:  "captcha page",
		DurationMs:    4215,
	}
	require.NoError(t, client.SubmitResult(context.Background(), outcome))
	assert.Equal(t, "ak-1", got.AllocationKey)
	assert.Equal(t, types.TaskErrorBlocked, got.ErrorType)
}

func TestSubmitResult_EmptyAllocationKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the hub")
	})

	err := client.SubmitResult(context.Background(), &types.TaskOutcome{Success: true})
	assert.Error(t, err)
}

func TestAPIError_StructuredBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "api key revoked",
			"error_code": "AUTH_REVOKED",
		})
	})

	err := client.Heartbeat(context.Background(), "lease-123")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "AUTH_REVOKED", apiErr.Code)
	assert.Equal(t, "api key revoked", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "AUTH_REVOKED")
}

func TestAPIError_PlainBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	err := client.Heartbeat(context.Background(), "lease-123")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Equal(t, "internal error", apiErr.Message)
}

func TestClientContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.Heartbeat(ctx, "lease-123")
	assert.Error(t, err)
}

func TestTaskAllocator_Binding(t *testing.T) {
	var got allocateBatchRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/tasks/allocate" {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(BatchResponse{Reason: types.NoWorkNoActiveTasks})
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	alloc := NewTaskAllocator(client, "agent-1")
	alloc.Rebind("lease-123", "198.51.100.4")
	assert.Equal(t, "lease-123", alloc.LeaseID())
	assert.Equal(t, "198.51.100.4", alloc.ExitIP())

	tasks, reason, err := alloc.Allocate(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, types.NoWorkNoActiveTasks, reason)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "lease-123", got.LeaseID)
	assert.Equal(t, "198.51.100.4", got.ExitIP)

	// Silent hub-side rotation re-points only the exit IP.
	alloc.SetExitIP("198.51.100.9")
	_, _, err = alloc.Allocate(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", got.ExitIP)
	assert.Equal(t, "lease-123", got.LeaseID)
}
