package bridged

import (
	"context"
	"sync"

	"mintedbridge/alerts"
	"mintedbridge/observability"
)

// AnomalyGuard observes consecutive reverts/errors across all monitored
// operations and trips a global pause when the configured threshold is
// reached. The guard never clears itself: flapping between paused and live
// under sustained failure is exactly what it exists to prevent.
type AnomalyGuard struct {
	mu                   sync.Mutex
	consecutiveReverts   uint
	maxConsecutiveFaults uint
	tripped              bool
	sink                 alerts.Sink
	metrics              *observability.BridgeMetrics
}

// NewAnomalyGuard constructs a guard tripping at maxConsecutiveFaults.
func NewAnomalyGuard(maxConsecutiveFaults uint, sink alerts.Sink, metrics *observability.BridgeMetrics) *AnomalyGuard {
	if maxConsecutiveFaults == 0 {
		maxConsecutiveFaults = 5
	}
	if sink == nil {
		sink = alerts.NopSink{}
	}
	return &AnomalyGuard{
		maxConsecutiveFaults: maxConsecutiveFaults,
		sink:                 sink,
		metrics:              metrics,
	}
}

// RecordSuccess resets the consecutive failure count. A success while tripped
// does NOT clear the trip.
func (g *AnomalyGuard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveReverts = 0
}

// RecordFailure increments the counter and trips the guard at the threshold.
func (g *AnomalyGuard) RecordFailure(ctx context.Context, reason string) {
	g.mu.Lock()
	g.consecutiveReverts++
	shouldTrip := !g.tripped && g.consecutiveReverts >= g.maxConsecutiveFaults
	if shouldTrip {
		g.tripped = true
		if g.metrics != nil {
			g.metrics.AnomalyTripped.Set(1)
		}
	}
	g.mu.Unlock()

	if shouldTrip {
		g.sink.Send(ctx, alerts.Message{
			Severity: alerts.SeverityCritical,
			Title:    "bridge relay paused",
			Body:     "consecutive failure threshold reached; relaying halted until operator reset",
			Fields:   map[string]string{"reason": reason},
		})
	}
}

// IsTripped is a pure read of the pause state.
func (g *AnomalyGuard) IsTripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// ConsecutiveFailures returns the current counter value.
func (g *AnomalyGuard) ConsecutiveFailures() uint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveReverts
}

// Reset clears the trip. This is the explicit operator/administrative action;
// nothing in the relay calls it automatically.
func (g *AnomalyGuard) Reset(ctx context.Context) {
	g.mu.Lock()
	wasTripped := g.tripped
	g.tripped = false
	g.consecutiveReverts = 0
	if g.metrics != nil {
		g.metrics.AnomalyTripped.Set(0)
	}
	g.mu.Unlock()

	if wasTripped {
		g.sink.Send(ctx, alerts.Message{
			Severity: alerts.SeverityInfo,
			Title:    "bridge relay resumed",
			Body:     "anomaly guard reset by operator",
		})
	}
}
