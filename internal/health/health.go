// Package health serves the courier's liveness and readiness probes.
// Readiness aggregates registered component checks (queue store,
// collector endpoint) and reports the active processing mode and
// pending queue depth alongside them.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// PipelineInfo is the delivery-state summary attached to readiness
// responses.
type PipelineInfo struct {
	ProcessingMode string `json:"processing_mode,omitempty"`
	QueueDepth     int    `json:"queue_depth"`
	BreakerState   string `json:"breaker_state,omitempty"`
	PulseMode      string `json:"pulse_mode,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Pipeline   *PipelineInfo             `json:"pipeline,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error
// describing the issue.
type CheckFunc func() error

// Checker provides liveness and readiness probes for the courier.
type Checker struct {
	mu              sync.RWMutex
	readinessChecks map[string]CheckFunc
	pipelineInfo    func() PipelineInfo
	shuttingDown    atomic.Bool
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{
		readinessChecks: make(map[string]CheckFunc),
	}
}

// RegisterReadiness registers a named readiness check.
// The check is called on each /ready request.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks[name] = check
}

// SetPipelineInfo registers the delivery-state provider included in
// readiness responses.
func (c *Checker) SetPipelineInfo(fn func() PipelineInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelineInfo = fn
}

// SetShuttingDown marks the instance as shutting down.
// After this, both /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
// Liveness checks that the process is running and not in shutdown.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    StatusDown,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Components: map[string]ComponentCheck{
					"process": {Status: StatusDown, Message: "shutting down"},
				},
			})
			return
		}

		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint.
// Readiness runs all registered checks; if any fail, the response is 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    StatusDown,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Components: map[string]ComponentCheck{
					"process": {Status: StatusDown, Message: "shutting down"},
				},
			})
			return
		}

		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.readinessChecks))
		for k, v := range c.readinessChecks {
			checks[k] = v
		}
		info := c.pipelineInfo
		c.mu.RUnlock()

		overall := StatusUp
		components := make(map[string]ComponentCheck, len(checks))

		for name, check := range checks {
			if err := check(); err != nil {
				overall = StatusDown
				components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			} else {
				components[name] = ComponentCheck{Status: StatusUp}
			}
		}

		resp := Response{
			Status:     overall,
			Components: components,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		if info != nil {
			pi := info()
			resp.Pipeline = &pi
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
