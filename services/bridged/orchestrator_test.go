package bridged

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mintedbridge/ledger"
)

type stubLedger struct {
	mu     sync.Mutex
	calls  int
	nonces []uint64
	submit func(call int) (*ledger.Receipt, error)
}

func (s *stubLedger) SubmitTransaction(_ context.Context, op ledger.Op) (*ledger.Receipt, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	if len(op.Data) >= 36 {
		s.nonces = append(s.nonces, new(big.Int).SetBytes(op.Data[4:36]).Uint64())
	}
	s.mu.Unlock()
	return s.submit(call)
}

func (s *stubLedger) QueryEvents(context.Context, common.Address, common.Hash, uint64, uint64) ([]ledger.Event, error) {
	return nil, nil
}

func (s *stubLedger) ReadState(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (s *stubLedger) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (s *stubLedger) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (s *stubLedger) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testCandidate(nonce uint64) Candidate {
	data := make([]byte, 36)
	copy(data, []byte{0x40, 0xc1, 0x0f, 0x19})
	big.NewInt(int64(nonce)).FillBytes(data[4:36])
	return Candidate{
		Direction: "canton_to_evm",
		Nonce:     nonce,
		Amount:    big.NewInt(1_000),
		SourceTx:  common.HexToHash("0xfeed"),
		Op: ledger.Op{
			Contract: common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
			Data:     data,
		},
	}
}

func newTestOrchestrator(t *testing.T, client ledger.Client, scanner Scanner, guard *AnomalyGuard, health *DirectionHealthTracker) *Orchestrator {
	t.Helper()
	if scanner == nil {
		scanner = ScannerFunc(func(context.Context) ([]Candidate, error) { return nil, nil })
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := NewOrchestrator(client, scanner, guard, health, NewIdempotencyStore(), nil, logger,
		WithMaxAttempts(3),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	client := &stubLedger{submit: func(call int) (*ledger.Receipt, error) {
		if call < 3 {
			return nil, errors.New("rpc timeout")
		}
		return &ledger.Receipt{TxHash: common.HexToHash("0xbeef"), BlockNumber: 42}, nil
	}}
	guard := NewAnomalyGuard(5, nil, nil)
	health := NewDirectionHealthTracker(2, 4, nil)
	o := newTestOrchestrator(t, client, nil, guard, health)

	result, err := o.Submit(context.Background(), testCandidate(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.TxHash != common.HexToHash("0xbeef") || result.BlockNumber != 42 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := client.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if guard.ConsecutiveFailures() != 0 {
		t.Fatalf("transient retries followed by success must not count as failures")
	}
	if health.Status("canton_to_evm").Status != HealthOK {
		t.Fatalf("direction should stay healthy")
	}
}

func TestSubmitDoesNotRetryReverts(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return nil, &ledger.RevertError{TxHash: common.HexToHash("0xdead"), Reason: "nonce consumed"}
	}}
	guard := NewAnomalyGuard(5, nil, nil)
	health := NewDirectionHealthTracker(2, 4, nil)
	o := newTestOrchestrator(t, client, nil, guard, health)

	if _, err := o.Submit(context.Background(), testCandidate(1)); err == nil {
		t.Fatalf("revert should surface an error")
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("reverts must never be retried, got %d attempts", got)
	}
	if guard.ConsecutiveFailures() != 1 {
		t.Fatalf("revert should count against the anomaly guard")
	}
	if health.Status("canton_to_evm").ConsecutiveFailures != 1 {
		t.Fatalf("revert should count against direction health")
	}
}

func TestSubmitExhaustedRetriesRecordsFailure(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return nil, errors.New("connection reset")
	}}
	guard := NewAnomalyGuard(5, nil, nil)
	health := NewDirectionHealthTracker(2, 4, nil)
	o := newTestOrchestrator(t, client, nil, guard, health)

	if _, err := o.Submit(context.Background(), testCandidate(1)); err == nil {
		t.Fatalf("exhausted retries should surface an error")
	}
	if got := client.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if guard.ConsecutiveFailures() != 1 {
		t.Fatalf("exhaustion is one failure, not one per attempt")
	}
}

func TestSubmitShortCircuitsWhenPaused(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return &ledger.Receipt{}, nil
	}}
	guard := NewAnomalyGuard(5, nil, nil)
	o := newTestOrchestrator(t, client, nil, guard, nil)

	o.Pause()
	if _, err := o.Submit(context.Background(), testCandidate(1)); !errors.Is(err, ErrRelayPaused) {
		t.Fatalf("expected ErrRelayPaused, got %v", err)
	}
	o.Resume()

	ctx := context.Background()
	guard.RecordFailure(ctx, "revert")
	guard.RecordFailure(ctx, "revert")
	guard.RecordFailure(ctx, "revert")
	guard.RecordFailure(ctx, "revert")
	guard.RecordFailure(ctx, "revert")
	if _, err := o.Submit(ctx, testCandidate(1)); !errors.Is(err, ErrRelayPaused) {
		t.Fatalf("tripped guard should pause submissions, got %v", err)
	}
	if client.callCount() != 0 {
		t.Fatalf("paused relay must not touch the ledger")
	}
}

func TestSubmitSkipsFailedDirection(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return &ledger.Receipt{}, nil
	}}
	health := NewDirectionHealthTracker(2, 4, nil)
	for i := 0; i < 4; i++ {
		health.Record("canton_to_evm", false)
	}
	o := newTestOrchestrator(t, client, nil, NewAnomalyGuard(10, nil, nil), health)

	if _, err := o.Submit(context.Background(), testCandidate(1)); !errors.Is(err, ErrDirectionFailed) {
		t.Fatalf("expected ErrDirectionFailed, got %v", err)
	}
	if client.callCount() != 0 {
		t.Fatalf("failed direction must not submit")
	}
}

func TestSubmitDeduplicatesIdenticalCandidates(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return &ledger.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 9}, nil
	}}
	o := newTestOrchestrator(t, client, nil, NewAnomalyGuard(5, nil, nil), nil)

	first, err := o.Submit(context.Background(), testCandidate(7))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := o.Submit(context.Background(), testCandidate(7))
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate must return the cached result: %+v vs %+v", first, second)
	}
	if client.callCount() != 1 {
		t.Fatalf("duplicate must not resubmit, got %d calls", client.callCount())
	}
}

func TestRunCycleSubmitsInNonceOrder(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return &ledger.Receipt{}, nil
	}}
	scanner := ScannerFunc(func(context.Context) ([]Candidate, error) {
		return []Candidate{testCandidate(3), testCandidate(1), testCandidate(2)}, nil
	})
	o := newTestOrchestrator(t, client, scanner, NewAnomalyGuard(5, nil, nil), nil)

	o.runCycle(context.Background())

	client.mu.Lock()
	nonces := append([]uint64(nil), client.nonces...)
	client.mu.Unlock()
	if len(nonces) != 3 || nonces[0] != 1 || nonces[1] != 2 || nonces[2] != 3 {
		t.Fatalf("expected ascending nonce order, got %v", nonces)
	}
	if o.State() != StateIdle {
		t.Fatalf("cycle should end idle, got %s", o.State())
	}
}

func TestNotifyWakesRelayLoopBetweenPolls(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return &ledger.Receipt{}, nil
	}}
	scans := make(chan struct{}, 8)
	scanner := ScannerFunc(func(context.Context) ([]Candidate, error) {
		scans <- struct{}{}
		return nil, nil
	})
	o := newTestOrchestrator(t, client, scanner, NewAnomalyGuard(5, nil, nil), nil)
	o.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	select {
	case <-scans:
	case <-time.After(5 * time.Second):
		t.Fatalf("run should scan once on startup")
	}

	o.Notify()
	select {
	case <-scans:
	case <-time.After(5 * time.Second):
		t.Fatalf("notify should trigger a cycle ahead of the poll timer")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run should return on cancellation")
	}
}

func TestRunCycleParksWhenTripped(t *testing.T) {
	client := &stubLedger{submit: func(int) (*ledger.Receipt, error) {
		return nil, &ledger.RevertError{TxHash: common.HexToHash("0x02")}
	}}
	scanner := ScannerFunc(func(context.Context) ([]Candidate, error) {
		return []Candidate{testCandidate(1), testCandidate(2), testCandidate(3)}, nil
	})
	guard := NewAnomalyGuard(2, nil, nil)
	o := newTestOrchestrator(t, client, scanner, guard, nil)

	o.runCycle(context.Background())
	if !guard.IsTripped() {
		t.Fatalf("guard should trip mid-cycle")
	}
	if got := client.callCount(); got != 2 {
		t.Fatalf("submissions should stop once tripped, got %d", got)
	}

	before := client.callCount()
	o.runCycle(context.Background())
	if client.callCount() != before {
		t.Fatalf("tripped relay must not scan or submit")
	}
	if o.State() != StatePaused {
		t.Fatalf("expected paused state, got %s", o.State())
	}
}
