package bridged

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mintedbridge/alerts"
	"mintedbridge/ledger"
	"mintedbridge/observability"
	"mintedbridge/services/bridged/storage"
)

// State is the orchestrator's coarse lifecycle phase, exposed on the ops
// status endpoint.
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateSubmitting State = "submitting"
	StatePaused     State = "paused"
)

const (
	defaultPollInterval  = 15 * time.Second
	defaultMaxAttempts   = 4
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultSubmitTimeout = 3 * time.Minute
)

var (
	// ErrRelayPaused is returned when the anomaly guard or an operator pause
	// is blocking submissions.
	ErrRelayPaused = errors.New("bridged: relay paused")
	// ErrDirectionFailed is returned when a direction's health has crossed
	// the hard threshold and requires an operator reset.
	ErrDirectionFailed = errors.New("bridged: direction marked failed")
)

// Candidate is one source-side event awaiting a destination submission.
type Candidate struct {
	Direction string
	Nonce     uint64
	Amount    *big.Int
	SourceTx  common.Hash
	Op        ledger.Op
}

// SubmissionResult is the terminal outcome of a relayed candidate. Cached
// results are replayed verbatim for idempotent duplicates.
type SubmissionResult struct {
	Direction   string      `json:"direction"`
	Nonce       uint64      `json:"nonce"`
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
}

// Scanner discovers pending candidates on the source ledger.
type Scanner interface {
	Scan(ctx context.Context) ([]Candidate, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context) ([]Candidate, error)

// Scan implements Scanner.
func (f ScannerFunc) Scan(ctx context.Context) ([]Candidate, error) { return f(ctx) }

// History receives completed transfer rows. *storage.Store satisfies it.
type History interface {
	Record(ctx context.Context, transfer storage.Transfer) error
}

// Orchestrator drives the relay loop: scan the source ledger, submit pending
// operations to the destination in nonce order, and feed every outcome into
// the health tracker and anomaly guard. Submissions within a direction are
// strictly sequential.
type Orchestrator struct {
	client  ledger.Client
	scanner Scanner
	guard   *AnomalyGuard
	health  *DirectionHealthTracker
	idem    *IdempotencyStore
	history History
	sink    alerts.Sink
	metrics *observability.BridgeMetrics
	logger  *slog.Logger

	interval      time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	submitTimeout time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	wake chan struct{}

	mu       sync.Mutex
	state    State
	opPaused bool
}

// OrchestratorOption customises the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPollInterval overrides the scan cadence.
func WithPollInterval(interval time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithMaxAttempts bounds submission attempts per candidate, including the
// first. Values below one are ignored.
func WithMaxAttempts(attempts int) OrchestratorOption {
	return func(o *Orchestrator) {
		if attempts >= 1 {
			o.maxAttempts = attempts
		}
	}
}

// WithRetryBackoff overrides the exponential backoff bounds between attempts.
func WithRetryBackoff(base, max time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if base > 0 {
			o.backoffBase = base
		}
		if max >= base && max > 0 {
			o.backoffMax = max
		}
	}
}

// WithSubmitTimeout bounds a single submission attempt end to end.
func WithSubmitTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.submitTimeout = timeout
		}
	}
}

// WithHistory attaches the transfer history store.
func WithHistory(history History) OrchestratorOption {
	return func(o *Orchestrator) { o.history = history }
}

// WithAlerts attaches the alert sink.
func WithAlerts(sink alerts.Sink) OrchestratorOption {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// NewOrchestrator wires the relay loop. client and scanner are required;
// guard, health, and idem fall back to defaults when nil.
func NewOrchestrator(client ledger.Client, scanner Scanner, guard *AnomalyGuard, health *DirectionHealthTracker, idem *IdempotencyStore, metrics *observability.BridgeMetrics, logger *slog.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if client == nil {
		return nil, fmt.Errorf("bridged: ledger client required")
	}
	if scanner == nil {
		return nil, fmt.Errorf("bridged: scanner required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = NewAnomalyGuard(0, nil, metrics)
	}
	if health == nil {
		health = NewDirectionHealthTracker(0, 0, metrics)
	}
	if idem == nil {
		idem = NewIdempotencyStore()
	}
	o := &Orchestrator{
		client:        client,
		scanner:       scanner,
		guard:         guard,
		health:        health,
		idem:          idem,
		sink:          alerts.NopSink{},
		metrics:       metrics,
		logger:        logger.With("component", "orchestrator"),
		interval:      defaultPollInterval,
		maxAttempts:   defaultMaxAttempts,
		backoffBase:   defaultBackoffBase,
		backoffMax:    defaultBackoffMax,
		submitTimeout: defaultSubmitTimeout,
		state:         StateIdle,
		sleep:         sleepContext,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Run executes relay cycles until ctx is cancelled. Cycles start on the poll
// timer or on a Notify wake, whichever fires first. An in-flight submission is
// allowed to finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		o.runCycle(ctx)
		select {
		case <-ctx.Done():
			o.setState(StateIdle)
			return nil
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// Notify requests a relay cycle ahead of the next poll tick. Event stream
// deliveries call this so fresh source activity is relayed without waiting
// out the timer. Signals coalesce; a cycle is never queued twice.
func (o *Orchestrator) Notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	if o.guard.IsTripped() || o.Paused() {
		o.setState(StatePaused)
		return
	}
	o.setState(StateScanning)
	candidates, err := o.scanner.Scan(ctx)
	if err != nil {
		o.logger.Error("source scan failed", "error", err)
		o.setState(StateIdle)
		return
	}
	if len(candidates) == 0 {
		o.setState(StateIdle)
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Direction != candidates[j].Direction {
			return candidates[i].Direction < candidates[j].Direction
		}
		return candidates[i].Nonce < candidates[j].Nonce
	})
	o.setState(StateSubmitting)
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		if o.guard.IsTripped() || o.Paused() {
			break
		}
		if _, err := o.Submit(ctx, candidate); err != nil {
			o.logger.Warn("submission not completed",
				"direction", candidate.Direction,
				"nonce", candidate.Nonce,
				"error", err)
		}
	}
	o.setState(StateIdle)
}

// Submit relays one candidate. Duplicate candidates return the cached result
// without touching the ledger. Transient failures are retried with bounded
// exponential backoff; reverts are recorded and never retried.
func (o *Orchestrator) Submit(ctx context.Context, candidate Candidate) (SubmissionResult, error) {
	direction := normalizeDirection(candidate.Direction)
	if o.guard.IsTripped() || o.Paused() {
		return SubmissionResult{}, ErrRelayPaused
	}
	if o.health.Status(direction).Status == HealthFailed {
		return SubmissionResult{}, fmt.Errorf("%w: %s", ErrDirectionFailed, direction)
	}

	amount := "0"
	if candidate.Amount != nil {
		amount = candidate.Amount.String()
	}
	key := IdempotencyKey(direction, strconv.FormatUint(candidate.Nonce, 10), amount, candidate.SourceTx.Hex())
	if cached, ok := o.idem.Lookup(key); ok {
		if o.metrics != nil {
			o.metrics.DirectionOutcomes.WithLabelValues(direction, "deduplicated").Inc()
		}
		return cached, nil
	}

	if o.metrics != nil {
		o.metrics.InFlight.Inc()
		defer o.metrics.InFlight.Dec()
	}
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		// The attempt runs on a detached context so shutdown finishes the
		// in-flight submission instead of abandoning a signed transaction.
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.submitTimeout)
		receipt, err := o.client.SubmitTransaction(opCtx, candidate.Op)
		cancel()
		if err == nil {
			result := SubmissionResult{
				Direction:   direction,
				Nonce:       candidate.Nonce,
				TxHash:      receipt.TxHash,
				BlockNumber: receipt.BlockNumber,
			}
			o.recordSuccess(ctx, candidate, result, attempt-1, time.Since(start))
			o.idem.Store(key, result)
			return result, nil
		}
		if ledger.IsRevert(err) {
			o.recordFailure(ctx, candidate, err, attempt-1, "reverted", storage.StatusRejected)
			return SubmissionResult{}, fmt.Errorf("bridged: submission reverted: %w", err)
		}
		lastErr = err
		if attempt == o.maxAttempts {
			break
		}
		if o.metrics != nil {
			o.metrics.Retries.WithLabelValues(direction).Inc()
		}
		o.logger.Warn("transient submission failure, retrying",
			"direction", direction,
			"nonce", candidate.Nonce,
			"attempt", attempt,
			"error", err)
		if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	o.recordFailure(ctx, candidate, lastErr, o.maxAttempts-1, "failed", storage.StatusFailed)
	return SubmissionResult{}, fmt.Errorf("bridged: submission failed after %d attempts: %w", o.maxAttempts, lastErr)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, candidate Candidate, result SubmissionResult, retries int, elapsed time.Duration) {
	direction := normalizeDirection(candidate.Direction)
	o.guard.RecordSuccess()
	o.health.Record(direction, true)
	if o.metrics != nil {
		o.metrics.DirectionOutcomes.WithLabelValues(direction, "success").Inc()
		o.metrics.ProcessingLatency.WithLabelValues(direction).Observe(elapsed.Seconds())
	}
	o.writeHistory(ctx, candidate, storage.StatusConfirmed, result.TxHash.Hex(), retries, "")
}

func (o *Orchestrator) recordFailure(ctx context.Context, candidate Candidate, cause error, retries int, outcome, status string) {
	direction := normalizeDirection(candidate.Direction)
	state := o.health.Record(direction, false)
	o.guard.RecordFailure(ctx, outcome)
	if o.metrics != nil {
		o.metrics.DirectionOutcomes.WithLabelValues(direction, outcome).Inc()
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	o.writeHistory(ctx, candidate, status, "", retries, message)
	if state.Status == HealthFailed {
		o.sink.Send(ctx, alerts.Message{
			Severity: alerts.SeverityCritical,
			Title:    "transfer direction failed",
			Body:     "direction crossed the hard failure threshold and needs an operator reset",
			Fields: map[string]string{
				"direction": direction,
				"failures":  strconv.FormatUint(uint64(state.ConsecutiveFailures), 10),
			},
		})
	}
}

func (o *Orchestrator) writeHistory(ctx context.Context, candidate Candidate, status, destTx string, retries int, lastErr string) {
	if o.history == nil {
		return
	}
	amount := "0"
	if candidate.Amount != nil {
		amount = candidate.Amount.String()
	}
	now := time.Now().UTC()
	row := storage.Transfer{
		Direction:   normalizeDirection(candidate.Direction),
		Nonce:       candidate.Nonce,
		SourceTx:    candidate.SourceTx.Hex(),
		DestTx:      destTx,
		Amount:      amount,
		Status:      status,
		RetryCount:  retries,
		LastError:   lastErr,
		CompletedAt: &now,
	}
	if err := o.history.Record(context.WithoutCancel(ctx), row); err != nil {
		o.logger.Error("transfer history write failed", "error", err)
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.backoffBase << uint(attempt-1)
	if d > o.backoffMax || d <= 0 {
		d = o.backoffMax
	}
	return d
}

// Pause suspends submissions until Resume. Operator action via the admin API.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opPaused = true
	o.state = StatePaused
}

// Resume lifts an operator pause. It does not clear a tripped anomaly guard.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opPaused = false
	if o.state == StatePaused {
		o.state = StateIdle
	}
}

// Paused reports whether an operator pause is active.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opPaused
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opPaused || o.guard.IsTripped() {
		return StatePaused
	}
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opPaused && state != StatePaused {
		return
	}
	o.state = state
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
