package bridged

import (
	"sort"
	"strings"
	"sync"

	"mintedbridge/observability"
)

// HealthStatus classifies a transfer direction.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// DirectionHealth is the tracked state for one logical transfer direction.
type DirectionHealth struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures uint         `json:"consecutive_failures"`
}

// DirectionHealthTracker maintains per-direction health derived from
// consecutive failure counts. A clean success or an explicit operator reset
// are the only ways out of the failed state.
type DirectionHealthTracker struct {
	mu            sync.Mutex
	directions    map[string]*DirectionHealth
	softThreshold uint
	hardThreshold uint
	metrics       *observability.BridgeMetrics
}

// NewDirectionHealthTracker constructs a tracker. The soft threshold marks a
// direction degraded; the hard threshold marks it failed.
func NewDirectionHealthTracker(softThreshold, hardThreshold uint, metrics *observability.BridgeMetrics) *DirectionHealthTracker {
	if softThreshold == 0 {
		softThreshold = 3
	}
	if hardThreshold <= softThreshold {
		hardThreshold = softThreshold * 2
	}
	return &DirectionHealthTracker{
		directions:    make(map[string]*DirectionHealth),
		softThreshold: softThreshold,
		hardThreshold: hardThreshold,
		metrics:       metrics,
	}
}

// Record feeds one submission outcome into the direction's health state.
func (t *DirectionHealthTracker) Record(direction string, success bool) DirectionHealth {
	key := normalizeDirection(direction)
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.directions[key]
	if !ok {
		state = &DirectionHealth{Status: HealthOK}
		t.directions[key] = state
	}
	if success {
		state.Status = HealthOK
		state.ConsecutiveFailures = 0
	} else {
		state.ConsecutiveFailures++
		switch {
		case state.ConsecutiveFailures >= t.hardThreshold:
			state.Status = HealthFailed
		case state.ConsecutiveFailures >= t.softThreshold:
			state.Status = HealthDegraded
		}
	}
	if t.metrics != nil {
		t.metrics.ConsecutiveFailures.WithLabelValues(key).Set(float64(state.ConsecutiveFailures))
	}
	return *state
}

// Status returns the current health for a direction. Unknown directions are
// reported healthy: a direction with no history has nothing held against it.
func (t *DirectionHealthTracker) Status(direction string) DirectionHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.directions[normalizeDirection(direction)]; ok {
		return *state
	}
	return DirectionHealth{Status: HealthOK}
}

// Reset clears a direction's failure history. Operator action only.
func (t *DirectionHealthTracker) Reset(direction string) {
	key := normalizeDirection(direction)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.directions[key] = &DirectionHealth{Status: HealthOK}
	if t.metrics != nil {
		t.metrics.ConsecutiveFailures.WithLabelValues(key).Set(0)
	}
}

// Snapshot returns all tracked directions sorted by name.
func (t *DirectionHealthTracker) Snapshot() map[string]DirectionHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]DirectionHealth, len(t.directions))
	keys := make([]string, 0, len(t.directions))
	for key := range t.directions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out[key] = *t.directions[key]
	}
	return out
}

func normalizeDirection(direction string) string {
	return strings.ToLower(strings.TrimSpace(direction))
}
