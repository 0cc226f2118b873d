package oracleguardd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"mintedbridge/pricefeed"
)

func TestShouldResetCircuitBreakerBoundary(t *testing.T) {
	now := uint64(time.Now().Unix())
	if !ShouldResetCircuitBreaker(0, now, 600) {
		t.Fatalf("zero last update must always be stale")
	}
	if ShouldResetCircuitBreaker(now-600, now, 600) {
		t.Fatalf("boundary is exclusive: exactly maxStaleness old is fresh")
	}
	if !ShouldResetCircuitBreaker(now-601, now, 600) {
		t.Fatalf("one second past the boundary must be stale")
	}
}

func TestDeviationBps(t *testing.T) {
	bps, err := DeviationBps(1.01, 1.00)
	if err != nil {
		t.Fatalf("deviation: %v", err)
	}
	if bps != 100 {
		t.Fatalf("expected 100 bps, got %d", bps)
	}
	if _, err := DeviationBps(1.0, 0); err == nil {
		t.Fatalf("zero reference must be rejected")
	}
}

func TestDeviationExceedsBoundary(t *testing.T) {
	if DeviationExceeds(1.5, 1.0, 5_000) {
		t.Fatalf("deviation exactly at the limit must be allowed")
	}
	if !DeviationExceeds(1.50004, 1.0, 5_000) {
		t.Fatalf("deviation a fraction of a bp over the limit must be rejected")
	}
}

type stubOracle struct {
	price       PriceReading
	priceErr    error
	unsafePrice PriceReading
	unsafeErr   error
	resetErr    error
	resets      []float64
}

func (s *stubOracle) ReadPrice(context.Context, string) (PriceReading, error) {
	return s.price, s.priceErr
}

func (s *stubOracle) ReadUnsafePrice(context.Context, string) (PriceReading, error) {
	return s.unsafePrice, s.unsafeErr
}

func (s *stubOracle) SubmitReset(_ context.Context, _ string, price float64) error {
	if s.resetErr != nil {
		return s.resetErr
	}
	s.resets = append(s.resets, price)
	return nil
}

type stubFeed struct {
	price float64
	err   error
}

func (s *stubFeed) FetchPrice(context.Context, string) (float64, error) {
	return s.price, s.err
}

func newTestKeeper(t *testing.T, oracle OracleClient, feed pricefeed.Client) *Keeper {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keeper, err := NewKeeper(oracle, feed, nil, logger, []AssetConfig{{
		Symbol:              "MUSD",
		MaxStalenessSeconds: 600,
		MaxDeviationBps:     200,
	}})
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	return keeper
}

func freshReading(price float64) PriceReading {
	return PriceReading{Price: price, LastUpdate: uint64(time.Now().Unix())}
}

func TestCheckAssetHealthyFreshOracle(t *testing.T) {
	oracle := &stubOracle{price: freshReading(1.0)}
	keeper := newTestKeeper(t, oracle, &stubFeed{price: 1.0})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err != nil {
		t.Fatalf("check: %v", err)
	}
	if keeper.State("MUSD") != StateHealthy {
		t.Fatalf("fresh oracle should be healthy, got %s", keeper.State("MUSD"))
	}
	if len(oracle.resets) != 0 {
		t.Fatalf("healthy asset must not be reset")
	}
}

func TestCheckAssetResetsWithinTolerance(t *testing.T) {
	oracle := &stubOracle{
		priceErr:    errors.New("execution reverted: breaker fired"),
		unsafePrice: freshReading(1.001),
	}
	keeper := newTestKeeper(t, oracle, &stubFeed{price: 1.0})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(oracle.resets) != 1 || oracle.resets[0] != 1.001 {
		t.Fatalf("expected reset with the unsafe price, got %v", oracle.resets)
	}
	if keeper.State("MUSD") != StateHealthy {
		t.Fatalf("successful reset should report healthy, got %s", keeper.State("MUSD"))
	}
}

func TestCheckAssetBlocksResetBeyondTolerance(t *testing.T) {
	oracle := &stubOracle{
		priceErr:    errors.New("execution reverted: breaker fired"),
		unsafePrice: freshReading(1.05),
	}
	keeper := newTestKeeper(t, oracle, &stubFeed{price: 1.0})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(oracle.resets) != 0 {
		t.Fatalf("deviating price must not be reset")
	}
	if keeper.State("MUSD") != StateTripped {
		t.Fatalf("blocked reset should stay tripped, got %s", keeper.State("MUSD"))
	}
}

func TestCheckAssetBlocksResetAtRoundedFringe(t *testing.T) {
	// True deviation is 200.4 bps, which rounds down to the 200 bps limit.
	oracle := &stubOracle{
		priceErr:    errors.New("execution reverted: breaker fired"),
		unsafePrice: freshReading(1.02004),
	}
	keeper := newTestKeeper(t, oracle, &stubFeed{price: 1.0})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(oracle.resets) != 0 {
		t.Fatalf("out-of-tolerance price must not be reset")
	}
	if keeper.State("MUSD") != StateTripped {
		t.Fatalf("blocked reset should stay tripped, got %s", keeper.State("MUSD"))
	}
}

func TestCheckAssetStaysTrippedWhenFeedUnavailable(t *testing.T) {
	oracle := &stubOracle{
		priceErr:    errors.New("execution reverted: breaker fired"),
		unsafePrice: freshReading(1.0),
	}
	keeper := newTestKeeper(t, oracle, &stubFeed{err: pricefeed.ErrUnavailable})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err != nil {
		t.Fatalf("feed unavailability is non-fatal: %v", err)
	}
	if len(oracle.resets) != 0 {
		t.Fatalf("unconfirmed price must never be reset")
	}
	if keeper.State("MUSD") != StateTripped {
		t.Fatalf("asset should stay tripped, got %s", keeper.State("MUSD"))
	}
}

func TestCheckAssetTripsOnStaleUpdate(t *testing.T) {
	oracle := &stubOracle{
		price:       PriceReading{Price: 1.0, LastUpdate: uint64(time.Now().Unix()) - 700},
		unsafePrice: freshReading(1.0),
	}
	keeper := newTestKeeper(t, oracle, &stubFeed{price: 1.0})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(oracle.resets) != 1 {
		t.Fatalf("stale but corroborated price should reset, got %v", oracle.resets)
	}
}

func TestCheckAssetResetFailureKeepsTripped(t *testing.T) {
	oracle := &stubOracle{
		priceErr:    errors.New("execution reverted: breaker fired"),
		unsafePrice: freshReading(1.0),
		resetErr:    errors.New("rpc timeout"),
	}
	keeper := newTestKeeper(t, oracle, &stubFeed{price: 1.0})

	if err := keeper.CheckAsset(context.Background(), keeper.assets[0]); err == nil {
		t.Fatalf("reset failure should surface an error")
	}
	if keeper.State("MUSD") != StateTripped {
		t.Fatalf("failed reset should fall back to tripped, got %s", keeper.State("MUSD"))
	}
}

func TestRunOnceIsolatesAssetFailures(t *testing.T) {
	failing := &stubOracle{
		priceErr:  errors.New("execution reverted"),
		unsafeErr: errors.New("rpc unavailable"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keeper, err := NewKeeper(failing, &stubFeed{price: 1.0}, nil, logger, []AssetConfig{
		{Symbol: "MUSD", MaxStalenessSeconds: 600, MaxDeviationBps: 200},
		{Symbol: "WETH", MaxStalenessSeconds: 600, MaxDeviationBps: 200},
	})
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}

	keeper.RunOnce(context.Background())

	if keeper.State("MUSD") != StateTripped || keeper.State("WETH") != StateTripped {
		t.Fatalf("both assets should have been polled despite failures: %v", keeper.Snapshot())
	}
}
