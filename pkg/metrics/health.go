package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ComponentStatus tracks the health of an agent component
type ComponentStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthChecker aggregates component health for the HTTP endpoints
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]*ComponentStatus
	startTime  time.Time
}

// criticalComponents must all be healthy for the agent to be ready
var criticalComponents = []string{"hub", "tunnel", "session"}

// NewHealthChecker creates a health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentStatus),
		startTime:  time.Now(),
	}
}

// RegisterComponent adds a component to track (starts unhealthy)
func (h *HealthChecker) RegisterComponent(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.components[name] = &ComponentStatus{
		Name:      name,
		Healthy:   false,
		LastCheck: time.Now(),
	}
}

// UpdateComponent updates a component's health status
func (h *HealthChecker) UpdateComponent(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.components[name]; ok {
		c.Healthy = healthy
		c.Message = message
		c.LastCheck = time.Now()
	}
}

// HealthResponse is the body returned by the health endpoint
type HealthResponse struct {
	Status     string                      `json:"status"`
	Uptime     string                      `json:"uptime"`
	Components map[string]*ComponentStatus `json:"components"`
}

// GetHealth returns the overall status and a snapshot of all components
func (h *HealthChecker) GetHealth() HealthResponse {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snapshot := make(map[string]*ComponentStatus, len(h.components))
	allHealthy := true
	for name, c := range h.components {
		copied := *c
		snapshot[name] = &copied
		if !c.Healthy {
			allHealthy = false
		}
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}

	return HealthResponse{
		Status:     status,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Components: snapshot,
	}
}

// GetReadiness reports whether all critical components are healthy
func (h *HealthChecker) GetReadiness() (bool, []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var notReady []string
	for _, name := range criticalComponents {
		c, ok := h.components[name]
		if !ok || !c.Healthy {
			notReady = append(notReady, name)
		}
	}

	return len(notReady) == 0, notReady
}

// HealthHandler serves the full health report
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.GetHealth()

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// ReadyHandler serves readiness based on critical components
func (h *HealthChecker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready, notReady := h.GetReadiness()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":     false,
			"not_ready": notReady,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"ready": true})
}

// LivenessHandler always returns 200 while the process is running
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"alive": true})
}
