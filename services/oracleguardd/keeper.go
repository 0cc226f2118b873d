package oracleguardd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"mintedbridge/alerts"
	"mintedbridge/observability"
	"mintedbridge/pricefeed"
)

// AssetState tracks where an asset's breaker sits in the reset lifecycle.
type AssetState string

const (
	StateHealthy      AssetState = "healthy"
	StateTripped      AssetState = "tripped"
	StatePendingReset AssetState = "pendingReset"
)

// ShouldResetCircuitBreaker reports whether the oracle's last update is stale
// enough that the breaker must be treated as fired. A zero lastUpdate means
// the oracle has never published. The staleness boundary is exclusive: an
// update exactly maxStaleness seconds old is still fresh.
func ShouldResetCircuitBreaker(lastUpdate, now, maxStaleness uint64) bool {
	if lastUpdate == 0 {
		return true
	}
	if now < lastUpdate {
		return false
	}
	return now-lastUpdate > maxStaleness
}

// DeviationBps computes |unsafe-external|/external in basis points, rounded
// to the nearest integer for metrics and alert payloads. The reset gate uses
// DeviationExceeds instead so rounding can never admit an out-of-tolerance
// price.
func DeviationBps(unsafe, external float64) (uint64, error) {
	if external <= 0 {
		return 0, fmt.Errorf("oracleguardd: reference price must be positive")
	}
	if unsafe < 0 {
		return 0, fmt.Errorf("oracleguardd: oracle price must not be negative")
	}
	bps := math.Abs(unsafe-external) / external * 10_000
	return uint64(math.Round(bps)), nil
}

// DeviationExceeds reports whether the unrounded deviation between the oracle
// price and the reference price is beyond maxBps.
func DeviationExceeds(unsafe, external float64, maxBps uint64) bool {
	return math.Abs(unsafe-external)*10_000 > float64(maxBps)*external
}

// PriceReading is one oracle observation.
type PriceReading struct {
	Price      float64
	LastUpdate uint64
}

// OracleClient is the on-chain oracle surface the keeper drives. ReadPrice
// returns an error when the oracle's own breaker blocks the read; the unsafe
// read bypasses the breaker and returns the last known price.
type OracleClient interface {
	ReadPrice(ctx context.Context, asset string) (PriceReading, error)
	ReadUnsafePrice(ctx context.Context, asset string) (PriceReading, error)
	SubmitReset(ctx context.Context, asset string, price float64) error
}

// AssetConfig bounds the automated reset for one monitored asset.
type AssetConfig struct {
	Symbol              string
	MaxStalenessSeconds uint64
	MaxDeviationBps     uint64
}

// Keeper polls each monitored asset's breaker and resets it only when an
// independent reference feed corroborates the on-chain price within
// tolerance. Everything else stays tripped and pages a human.
type Keeper struct {
	oracle  OracleClient
	feed    pricefeed.Client
	sink    alerts.Sink
	metrics *observability.OracleGuardMetrics
	logger  *slog.Logger
	assets  []AssetConfig
	now     func() time.Time

	mu     sync.Mutex
	states map[string]AssetState
}

// KeeperOption customises the keeper.
type KeeperOption func(*Keeper)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) KeeperOption {
	return func(k *Keeper) {
		if now != nil {
			k.now = now
		}
	}
}

// WithAlerts attaches the alert sink.
func WithAlerts(sink alerts.Sink) KeeperOption {
	return func(k *Keeper) {
		if sink != nil {
			k.sink = sink
		}
	}
}

// NewKeeper validates the asset list and wires the keeper.
func NewKeeper(oracle OracleClient, feed pricefeed.Client, metrics *observability.OracleGuardMetrics, logger *slog.Logger, assets []AssetConfig, opts ...KeeperOption) (*Keeper, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracleguardd: oracle client required")
	}
	if feed == nil {
		return nil, fmt.Errorf("oracleguardd: price feed required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("oracleguardd: at least one asset required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	normalised := make([]AssetConfig, 0, len(assets))
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("oracleguardd: asset symbol required")
		}
		if _, dup := seen[symbol]; dup {
			return nil, fmt.Errorf("oracleguardd: duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
		if asset.MaxStalenessSeconds == 0 {
			return nil, fmt.Errorf("oracleguardd: %s max staleness required", symbol)
		}
		if asset.MaxDeviationBps == 0 {
			return nil, fmt.Errorf("oracleguardd: %s max deviation required", symbol)
		}
		asset.Symbol = symbol
		normalised = append(normalised, asset)
	}
	k := &Keeper{
		oracle:  oracle,
		feed:    feed,
		sink:    alerts.NopSink{},
		metrics: metrics,
		logger:  logger.With("component", "keeper"),
		assets:  normalised,
		now:     time.Now,
		states:  make(map[string]AssetState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k, nil
}

// Run polls every asset on the interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		k.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce checks every asset. A failure on one asset never blocks the others.
func (k *Keeper) RunOnce(ctx context.Context) {
	for _, asset := range k.assets {
		if ctx.Err() != nil {
			return
		}
		if err := k.CheckAsset(ctx, asset); err != nil {
			k.logger.Error("breaker check failed", "asset", asset.Symbol, "error", err)
		}
	}
}

// CheckAsset runs one breaker poll for a single asset.
func (k *Keeper) CheckAsset(ctx context.Context, asset AssetConfig) error {
	symbol := asset.Symbol
	now := uint64(k.now().Unix())

	reading, err := k.oracle.ReadPrice(ctx, symbol)
	tripped := err != nil
	if !tripped && ShouldResetCircuitBreaker(reading.LastUpdate, now, asset.MaxStalenessSeconds) {
		tripped = true
	}
	if !tripped {
		k.setState(symbol, StateHealthy)
		k.observeCheck(symbol, "healthy", 0)
		return nil
	}

	k.setState(symbol, StateTripped)
	k.observeCheck(symbol, "tripped", 1)

	unsafe, err := k.oracle.ReadUnsafePrice(ctx, symbol)
	if err != nil {
		k.observeReset(symbol, "unsafe_read_failed")
		return fmt.Errorf("oracleguardd: read unsafe price: %w", err)
	}
	external, err := k.feed.FetchPrice(ctx, symbol)
	if err != nil {
		// An unconfirmed price is never grounds to reset. Stay tripped and
		// retry next cycle.
		if !errors.Is(err, pricefeed.ErrUnavailable) {
			k.logger.Warn("reference feed error", "asset", symbol, "error", err)
		}
		k.observeReset(symbol, "deferred")
		return nil
	}
	bps, err := DeviationBps(unsafe.Price, external)
	if err != nil {
		k.observeReset(symbol, "deferred")
		return err
	}
	if k.metrics != nil {
		k.metrics.DeviationBps.WithLabelValues(symbol).Set(float64(bps))
	}
	if DeviationExceeds(unsafe.Price, external, asset.MaxDeviationBps) {
		k.observeReset(symbol, "rejected")
		k.sink.Send(ctx, alerts.Message{
			Severity: alerts.SeverityWarning,
			Title:    "oracle breaker reset blocked",
			Body:     "on-chain price deviates from the reference feed beyond tolerance; manual review required",
			Fields: map[string]string{
				"asset":         symbol,
				"deviation_bps": strconv.FormatUint(bps, 10),
				"max_bps":       strconv.FormatUint(asset.MaxDeviationBps, 10),
			},
		})
		return nil
	}

	k.setState(symbol, StatePendingReset)
	if err := k.oracle.SubmitReset(ctx, symbol, unsafe.Price); err != nil {
		k.setState(symbol, StateTripped)
		k.observeReset(symbol, "failed")
		return fmt.Errorf("oracleguardd: submit reset: %w", err)
	}
	k.setState(symbol, StateHealthy)
	k.observeReset(symbol, "success")
	if k.metrics != nil {
		k.metrics.TrippedState.WithLabelValues(symbol).Set(0)
	}
	k.sink.Send(ctx, alerts.Message{
		Severity: alerts.SeverityInfo,
		Title:    "oracle breaker reset",
		Body:     "breaker reset with the reference-corroborated price",
		Fields: map[string]string{
			"asset":         symbol,
			"deviation_bps": strconv.FormatUint(bps, 10),
		},
	})
	return nil
}

// State reports the tracked state for a symbol. Unpolled assets are healthy.
func (k *Keeper) State(symbol string) AssetState {
	k.mu.Lock()
	defer k.mu.Unlock()
	if state, ok := k.states[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return state
	}
	return StateHealthy
}

// Snapshot returns the current per-asset states.
func (k *Keeper) Snapshot() map[string]AssetState {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]AssetState, len(k.states))
	for symbol, state := range k.states {
		out[symbol] = state
	}
	return out
}

func (k *Keeper) setState(symbol string, state AssetState) {
	k.mu.Lock()
	k.states[symbol] = state
	k.mu.Unlock()
}

func (k *Keeper) observeCheck(symbol, outcome string, trippedGauge float64) {
	if k.metrics == nil {
		return
	}
	k.metrics.Checks.WithLabelValues(symbol, outcome).Inc()
	k.metrics.TrippedState.WithLabelValues(symbol).Set(trippedGauge)
}

func (k *Keeper) observeReset(symbol, outcome string) {
	if k.metrics == nil {
		return
	}
	k.metrics.Resets.WithLabelValues(symbol, outcome).Inc()
}
