package model

import (
	"sync"
	"time"
)

const (
	// FailureThreshold is the number of consecutive failures that opens an
	// endpoint's circuit.
	FailureThreshold = 3

	// RecoveryTimeout is how long an open circuit stays closed to traffic
	// before a half-open probe is allowed.
	RecoveryTimeout = 30 * time.Second
)

// EndpointHealth is a snapshot of an endpoint's circuit state.
type EndpointHealth struct {
	ConsecutiveFailures int
	LastFailure         time.Time
	LastSuccess         time.Time
	TotalRequests       int64
	TotalFailures       int64
}

// HealthTracker implements a per-endpoint circuit breaker. Endpoints with no
// recorded history are considered available.
type HealthTracker struct {
	mu     sync.RWMutex
	states map[string]*EndpointHealth
	now    func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		states: make(map[string]*EndpointHealth),
		now:    time.Now,
	}
}

// MarkSuccess resets the failure count for an endpoint.
func (h *HealthTracker) MarkSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state(name)
	s.ConsecutiveFailures = 0
	s.LastSuccess = h.now()
	s.TotalRequests++
}

// MarkFailure increments the failure count for an endpoint.
func (h *HealthTracker) MarkFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state(name)
	s.ConsecutiveFailures++
	s.LastFailure = h.now()
	s.TotalRequests++
	s.TotalFailures++
}

// IsAvailable reports whether traffic may be sent to the endpoint. The
// circuit opens after FailureThreshold consecutive failures and transitions
// to half-open once RecoveryTimeout has elapsed since the last failure.
func (h *HealthTracker) IsAvailable(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.states[name]
	if !ok {
		return true
	}
	if s.ConsecutiveFailures < FailureThreshold {
		return true
	}
	return h.now().Sub(s.LastFailure) >= RecoveryTimeout
}

// Health returns a copy of the endpoint's state.
func (h *HealthTracker) Health(name string) (EndpointHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.states[name]
	if !ok {
		return EndpointHealth{}, false
	}
	return *s, true
}

// FilterAvailable returns the subset of names with closed or half-open
// circuits, preserving order. When all circuits are open the full input is
// returned so callers can still probe for recovery.
func (h *HealthTracker) FilterAvailable(names []string) []string {
	available := make([]string, 0, len(names))
	for _, n := range names {
		if h.IsAvailable(n) {
			available = append(available, n)
		}
	}
	if len(available) == 0 {
		return names
	}
	return available
}

func (h *HealthTracker) state(name string) *EndpointHealth {
	s, ok := h.states[name]
	if !ok {
		s = &EndpointHealth{}
		h.states[name] = s
	}
	return s
}
