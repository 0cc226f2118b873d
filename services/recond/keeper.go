package recond

import (
	"context"
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
)

// KeeperConfig binds the keeper to the debt and correction contracts. Event
// topics carry the borrower address in topic 1.
type KeeperConfig struct {
	DebtContract       common.Address
	CorrectionContract common.Address
	OpenedEvent        common.Hash
	RepaidEvent        common.Hash
	ForceAdjustedEvent common.Hash
	DriftEvent         common.Hash
	PositionSelector   []byte
	CorrectionSelector []byte
	StartBlock         uint64
	BatchSize          uint64
	GasCeilingWei      *big.Int
	GasLimit           uint64
}

func (c KeeperConfig) validate() error {
	if c.DebtContract == (common.Address{}) {
		return fmt.Errorf("recond: debt contract required")
	}
	if c.CorrectionContract == (common.Address{}) {
		return fmt.Errorf("recond: correction contract required")
	}
	for name, sig := range map[string]common.Hash{
		"opened":         c.OpenedEvent,
		"repaid":         c.RepaidEvent,
		"force adjusted": c.ForceAdjustedEvent,
	} {
		if sig == (common.Hash{}) {
			return fmt.Errorf("recond: %s event signature required", name)
		}
	}
	if len(c.PositionSelector) != 4 {
		return fmt.Errorf("recond: position selector must be 4 bytes")
	}
	if len(c.CorrectionSelector) != 4 {
		return fmt.Errorf("recond: correction selector must be 4 bytes")
	}
	return nil
}

// Keeper rebuilds the borrower ground truth from mutation events and submits
// a correction when the ledger's cached aggregate has drifted. The borrower
// set only grows; correctness needs a superset of active accounts, and full
// history would have to be re-derived to shrink it.
type Keeper struct {
	client  ledger.Client
	cfg     KeeperConfig
	sink    alerts.Sink
	metrics *observability.ReconMetrics
	logger  *slog.Logger

	mu               sync.Mutex
	knownBorrowers   map[common.Address]struct{}
	lastIndexedBlock uint64
}

// KeeperOption customises the keeper.
type KeeperOption func(*Keeper)

// WithAlerts attaches the alert sink.
func WithAlerts(sink alerts.Sink) KeeperOption {
	return func(k *Keeper) {
		if sink != nil {
			k.sink = sink
		}
	}
}

// NewKeeper validates the binding and positions the checkpoint at StartBlock.
func NewKeeper(client ledger.Client, cfg KeeperConfig, metrics *observability.ReconMetrics, logger *slog.Logger, opts ...KeeperOption) (*Keeper, error) {
	if client == nil {
		return nil, fmt.Errorf("recond: ledger client required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2_000
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		client:           client,
		cfg:              cfg,
		sink:             alerts.NopSink{},
		metrics:          metrics,
		logger:           logger.With("component", "keeper"),
		knownBorrowers:   make(map[common.Address]struct{}),
		lastIndexedBlock: cfg.StartBlock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k, nil
}

// Run executes reconciliation cycles on the interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := k.RunOnce(ctx); err != nil {
			k.logger.Error("reconciliation cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes one reconciliation cycle. Any failure aborts the cycle
// without committing partial state; the same block range is re-scanned next
// cycle.
func (k *Keeper) RunOnce(ctx context.Context) error {
	head, err := k.client.BlockNumber(ctx)
	if err != nil {
		k.observeCycle("error")
		return fmt.Errorf("recond: read head block: %w", err)
	}
	k.mu.Lock()
	from := k.lastIndexedBlock + 1
	k.mu.Unlock()
	if head < from {
		k.observeCycle("noop")
		return nil
	}

	discovered, err := k.indexRange(ctx, from, head)
	if err != nil {
		k.observeCycle("error")
		return err
	}

	active, err := k.filterActive(ctx, discovered)
	if err != nil {
		k.observeCycle("error")
		return err
	}
	if len(active) == 0 {
		k.commit(discovered, head)
		k.observeCycle("noop")
		return nil
	}

	if k.cfg.GasCeilingWei != nil && k.cfg.GasCeilingWei.Sign() > 0 {
		gasPrice, err := k.client.GasPrice(ctx)
		if err != nil {
			k.observeCycle("error")
			return fmt.Errorf("recond: read gas price: %w", err)
		}
		if gasPrice.Cmp(k.cfg.GasCeilingWei) > 0 {
			// Corrections are not time-critical; wait for cheaper blocks.
			k.logger.Info("skipping cycle, gas above ceiling",
				"gas_price", gasPrice.String(),
				"ceiling", k.cfg.GasCeilingWei.String())
			k.observeCycle("skipped_gas")
			return nil
		}
	}

	drift, err := k.submitCorrection(ctx, active)
	if err != nil {
		k.observeCycle("error")
		return err
	}

	k.commit(discovered, head)
	k.observeCycle("success")
	if k.metrics != nil {
		k.metrics.Corrections.Inc()
		k.metrics.DriftObserved.Set(driftToFloat(drift))
	}
	k.logger.Info("reconciliation complete",
		"active_borrowers", len(active),
		"drift", drift.String(),
		"indexed_through", head)
	if drift.Sign() != 0 {
		k.sink.Send(ctx, alerts.Message{
			Severity: alerts.SeverityWarning,
			Title:    "ledger drift corrected",
			Body:     "cached aggregate debt diverged from the per-account ground truth",
			Fields: map[string]string{
				"drift":     drift.String(),
				"borrowers": strconv.Itoa(len(active)),
			},
		})
	}
	return nil
}

// indexRange unions borrower addresses from mutation events across bounded
// batches. Results are staged; the caller commits them only when the whole
// cycle succeeds.
func (k *Keeper) indexRange(ctx context.Context, from, to uint64) (map[common.Address]struct{}, error) {
	discovered := make(map[common.Address]struct{})
	signatures := []common.Hash{k.cfg.OpenedEvent, k.cfg.RepaidEvent, k.cfg.ForceAdjustedEvent}
	for start := from; start <= to; start += k.cfg.BatchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		end := start + k.cfg.BatchSize - 1
		if end > to {
			end = to
		}
		for _, sig := range signatures {
			events, err := k.client.QueryEvents(ctx, k.cfg.DebtContract, sig, start, end)
			if err != nil {
				return nil, fmt.Errorf("recond: query events [%d,%d]: %w", start, end, err)
			}
			for _, event := range events {
				if len(event.Topics) < 2 {
					continue
				}
				discovered[common.BytesToAddress(event.Topics[1].Bytes())] = struct{}{}
			}
		}
	}
	return discovered, nil
}

// filterActive keeps borrowers with non-zero principal or accrued interest.
// The position call returns two 32-byte words, principal then interest.
func (k *Keeper) filterActive(ctx context.Context, discovered map[common.Address]struct{}) ([]common.Address, error) {
	candidates := k.allBorrowers(discovered)
	active := make([]common.Address, 0, len(candidates))
	for _, borrower := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data := append(append([]byte{}, k.cfg.PositionSelector...), common.LeftPadBytes(borrower.Bytes(), 32)...)
		raw, err := k.client.ReadState(ctx, k.cfg.DebtContract, data)
		if err != nil {
			return nil, fmt.Errorf("recond: read position %s: %w", borrower.Hex(), err)
		}
		if len(raw) < 64 {
			return nil, fmt.Errorf("recond: short position response for %s", borrower.Hex())
		}
		principal := new(big.Int).SetBytes(raw[:32])
		interest := new(big.Int).SetBytes(raw[32:64])
		if principal.Sign() > 0 || interest.Sign() > 0 {
			active = append(active, borrower)
		}
	}
	return active, nil
}

// submitCorrection calls the correction entrypoint with the active borrower
// list and parses the drift the contract emitted.
func (k *Keeper) submitCorrection(ctx context.Context, active []common.Address) (*big.Int, error) {
	receipt, err := k.client.SubmitTransaction(ctx, ledger.Op{
		Contract: k.cfg.CorrectionContract,
		Data:     encodeAddressList(k.cfg.CorrectionSelector, active),
		GasLimit: k.cfg.GasLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("recond: submit correction: %w", err)
	}
	drift := big.NewInt(0)
	if k.cfg.DriftEvent != (common.Hash{}) {
		events, err := k.client.QueryEvents(ctx, k.cfg.CorrectionContract, k.cfg.DriftEvent, receipt.BlockNumber, receipt.BlockNumber)
		if err != nil {
			// The correction already landed; a failed drift read only costs
			// observability.
			k.logger.Warn("drift event read failed", "tx", receipt.TxHash.Hex(), "error", err)
			return drift, nil
		}
		for _, event := range events {
			if event.TxHash == receipt.TxHash && len(event.Data) >= 32 {
				drift = new(big.Int).SetBytes(event.Data[:32])
				break
			}
		}
	}
	return drift, nil
}

func (k *Keeper) commit(discovered map[common.Address]struct{}, indexedThrough uint64) {
	k.mu.Lock()
	for borrower := range discovered {
		k.knownBorrowers[borrower] = struct{}{}
	}
	k.lastIndexedBlock = indexedThrough
	borrowers := len(k.knownBorrowers)
	k.mu.Unlock()
	if k.metrics != nil {
		k.metrics.Borrowers.Set(float64(borrowers))
		k.metrics.LastIndexed.Set(float64(indexedThrough))
	}
}

// allBorrowers merges the committed set with staged discoveries, sorted for
// deterministic correction payloads.
func (k *Keeper) allBorrowers(discovered map[common.Address]struct{}) []common.Address {
	k.mu.Lock()
	merged := make(map[common.Address]struct{}, len(k.knownBorrowers)+len(discovered))
	for borrower := range k.knownBorrowers {
		merged[borrower] = struct{}{}
	}
	k.mu.Unlock()
	for borrower := range discovered {
		merged[borrower] = struct{}{}
	}
	out := make([]common.Address, 0, len(merged))
	for borrower := range merged {
		out = append(out, borrower)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// LastIndexedBlock reports the committed checkpoint.
func (k *Keeper) LastIndexedBlock() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastIndexedBlock
}

// KnownBorrowers reports the committed borrower set size.
func (k *Keeper) KnownBorrowers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.knownBorrowers)
}

func (k *Keeper) observeCycle(outcome string) {
	if k.metrics != nil {
		k.metrics.Cycles.WithLabelValues(outcome).Inc()
	}
}

func encodeAddressList(selector []byte, addrs []common.Address) []byte {
	data := append([]byte{}, selector...)
	data = append(data, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(len(addrs))).Bytes(), 32)...)
	for _, addr := range addrs {
		data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)
	}
	return data
}

func driftToFloat(drift *big.Int) float64 {
	value, _ := new(big.Float).SetInt(drift).Float64()
	return value
}
