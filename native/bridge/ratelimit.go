package bridge

import (
	"math/big"
	"sync"
	"time"
)

// RateLimits configures the rolling-window caps enforced on accepted mints.
// A zero cap disables that particular window.
type RateLimits struct {
	MinuteTxLimit   int
	MinuteAmountCap *big.Int
	HourAmountCap   *big.Int
	DayAmountCap    *big.Int
}

type mintRecord struct {
	at     time.Time
	amount *big.Int
}

// RateLimiter tracks consumed mint volume across rolling minute, hour, and day
// windows. Records older than a day are pruned lazily, keeping the history
// bounded by the daily throughput.
type RateLimiter struct {
	mu      sync.Mutex
	limits  RateLimits
	history []mintRecord
}

// NewRateLimiter constructs a limiter; nil caps are treated as unlimited.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{limits: limits}
}

// Check reports whether consuming amount at now would exceed any window cap.
// It does not mutate state.
func (r *RateLimiter) Check(amount *big.Int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(amount, now)
}

// Consume records the amount against all windows. Callers must have passed
// Check within the same processor-level critical section.
func (r *RateLimiter) Consume(amount *big.Int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	recorded := new(big.Int)
	if amount != nil {
		recorded.Set(amount)
	}
	r.history = append(r.history, mintRecord{at: now, amount: recorded})
}

func (r *RateLimiter) checkLocked(amount *big.Int, now time.Time) error {
	r.pruneLocked(now)
	if amount == nil {
		amount = new(big.Int)
	}
	var (
		minuteTx     int
		minuteAmount = new(big.Int)
		hourAmount   = new(big.Int)
		dayAmount    = new(big.Int)
	)
	for _, rec := range r.history {
		age := now.Sub(rec.at)
		if age < time.Minute {
			minuteTx++
			minuteAmount.Add(minuteAmount, rec.amount)
		}
		if age < time.Hour {
			hourAmount.Add(hourAmount, rec.amount)
		}
		dayAmount.Add(dayAmount, rec.amount)
	}
	if r.limits.MinuteTxLimit > 0 && minuteTx >= r.limits.MinuteTxLimit {
		return ErrRateLimited
	}
	if exceeds(minuteAmount, amount, r.limits.MinuteAmountCap) {
		return ErrRateLimited
	}
	if exceeds(hourAmount, amount, r.limits.HourAmountCap) {
		return ErrRateLimited
	}
	if exceeds(dayAmount, amount, r.limits.DayAmountCap) {
		return ErrDailyCapExceeded
	}
	return nil
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := r.history[:0]
	for _, rec := range r.history {
		if rec.at.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	r.history = kept
}

func exceeds(spent, amount, cap *big.Int) bool {
	if cap == nil || cap.Sign() == 0 {
		return false
	}
	total := new(big.Int).Add(spent, amount)
	return total.Cmp(cap) > 0
}
