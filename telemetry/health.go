package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthOK       HealthStatus = "ok"
	HealthFailed   HealthStatus = "failed"
)

// Health is the operator-facing status of the poll loop.
type Health struct {
	mu     sync.RWMutex
	status HealthStatus
	reason string
	since  time.Time
}

func NewHealth() *Health {
	return &Health{status: HealthStarting, since: time.Now()}
}

func (h *Health) set(status HealthStatus, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HealthFailed {
		// failure is permanent
		return
	}
	if h.status != status {
		h.since = time.Now()
	}
	h.status = status
	h.reason = reason
}

func (h *Health) MarkRunning() { h.set(HealthOK, "") }

func (h *Health) MarkFailed(reason string) { h.set(HealthFailed, reason) }

func (h *Health) Status() (HealthStatus, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.reason
}

type healthResponse struct {
	Status HealthStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Since  time.Time    `json:"since"`
}

// ServeHTTP answers 503 once the poll loop failed for good.
func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	rsp := healthResponse{Status: h.status, Reason: h.reason, Since: h.since}
	h.mu.RUnlock()

	code := http.StatusOK
	if rsp.Status == HealthFailed {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rsp)
}
