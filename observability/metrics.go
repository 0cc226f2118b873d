package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics

	oracleGuardOnce sync.Once
	oracleGuardReg  *OracleGuardMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// BridgeMetrics exposes Prometheus collectors for the relay orchestrator and the
// attestation processing pipeline.
type BridgeMetrics struct {
	Attestations        *prometheus.CounterVec
	ValidationFailures  *prometheus.CounterVec
	DirectionOutcomes   *prometheus.CounterVec
	Retries             *prometheus.CounterVec
	ConsecutiveFailures *prometheus.GaugeVec
	AnomalyTripped      prometheus.Gauge
	InFlight            prometheus.Gauge
	ProcessingLatency   *prometheus.HistogramVec
}

// Bridge returns the lazily-initialised bridge metrics registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			Attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "attestations_total",
				Help:      "Attestations processed segmented by outcome.",
			}, []string{"outcome"}),
			ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "validation_failures_total",
				Help:      "Attestation validation failures segmented by reason code.",
			}, []string{"reason"}),
			DirectionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "direction_outcomes_total",
				Help:      "Relay submissions segmented by direction and outcome.",
			}, []string{"direction", "outcome"}),
			Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "retries_total",
				Help:      "Transient-failure retries segmented by direction.",
			}, []string{"direction"}),
			ConsecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "direction_consecutive_failures",
				Help:      "Current consecutive failure count per transfer direction.",
			}, []string{"direction"}),
			AnomalyTripped: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "anomaly_tripped",
				Help:      "1 when the anomaly guard has paused relaying, 0 otherwise.",
			}),
			InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "inflight_operations",
				Help:      "Ledger submissions currently in flight.",
			}),
			ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "minted",
				Subsystem: "bridge",
				Name:      "processing_duration_seconds",
				Help:      "End-to-end latency from source event to destination receipt.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"direction"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.Attestations,
			bridgeRegistry.ValidationFailures,
			bridgeRegistry.DirectionOutcomes,
			bridgeRegistry.Retries,
			bridgeRegistry.ConsecutiveFailures,
			bridgeRegistry.AnomalyTripped,
			bridgeRegistry.InFlight,
			bridgeRegistry.ProcessingLatency,
		)
	})
	return bridgeRegistry
}

// OracleGuardMetrics exposes collectors for the oracle circuit-breaker keeper.
type OracleGuardMetrics struct {
	Checks       *prometheus.CounterVec
	Resets       *prometheus.CounterVec
	DeviationBps *prometheus.GaugeVec
	TrippedState *prometheus.GaugeVec
}

// OracleGuard returns the lazily-initialised keeper metrics registry.
func OracleGuard() *OracleGuardMetrics {
	oracleGuardOnce.Do(func() {
		oracleGuardReg = &OracleGuardMetrics{
			Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "oracleguard",
				Name:      "checks_total",
				Help:      "Breaker poll cycles segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "oracleguard",
				Name:      "resets_total",
				Help:      "Breaker reset submissions segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			DeviationBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "oracleguard",
				Name:      "deviation_bps",
				Help:      "Last observed deviation between oracle and reference price.",
			}, []string{"asset"}),
			TrippedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "oracleguard",
				Name:      "tripped",
				Help:      "1 when the asset breaker is tripped, 0 otherwise.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			oracleGuardReg.Checks,
			oracleGuardReg.Resets,
			oracleGuardReg.DeviationBps,
			oracleGuardReg.TrippedState,
		)
	})
	return oracleGuardReg
}

// ReconMetrics exposes collectors for the reconciliation keeper.
type ReconMetrics struct {
	Cycles        *prometheus.CounterVec
	Corrections   prometheus.Counter
	DriftObserved prometheus.Gauge
	Borrowers     prometheus.Gauge
	LastIndexed   prometheus.Gauge
}

// Recon returns the lazily-initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "recon",
				Name:      "cycles_total",
				Help:      "Reconciliation cycles segmented by outcome.",
			}, []string{"outcome"}),
			Corrections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "minted",
				Subsystem: "recon",
				Name:      "corrections_total",
				Help:      "Correction transactions submitted.",
			}),
			DriftObserved: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "recon",
				Name:      "drift_wei",
				Help:      "Drift corrected by the most recent reconciliation.",
			}),
			Borrowers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "recon",
				Name:      "known_borrowers",
				Help:      "Size of the event-derived borrower membership set.",
			}),
			LastIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "minted",
				Subsystem: "recon",
				Name:      "last_indexed_block",
				Help:      "Highest block fully indexed by the keeper.",
			}),
		}
		prometheus.MustRegister(
			reconRegistry.Cycles,
			reconRegistry.Corrections,
			reconRegistry.DriftObserved,
			reconRegistry.Borrowers,
			reconRegistry.LastIndexed,
		)
	})
	return reconRegistry
}
