package bridge

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ReplayGuard tracks consumed attestation identifiers and the monotonic nonce
// watermark. Check and Mark are split so the processor can stage every
// validation before committing any state.
type ReplayGuard struct {
	mu            sync.Mutex
	consumed      map[common.Hash]struct{}
	lastNonce     uint64
	lastTimestamp uint64
	archive       *ReplayArchive
}

// ReplayGuardOption customises guard construction.
type ReplayGuardOption func(*ReplayGuard)

// WithReplayArchive attaches a persistent archive. Consumed ids and the nonce
// watermark are reloaded at construction and appended on every commit.
func WithReplayArchive(archive *ReplayArchive) ReplayGuardOption {
	return func(g *ReplayGuard) { g.archive = archive }
}

// NewReplayGuard constructs a guard, hydrating from the archive when present.
func NewReplayGuard(opts ...ReplayGuardOption) (*ReplayGuard, error) {
	guard := &ReplayGuard{consumed: make(map[common.Hash]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}
	if guard.archive != nil {
		ids, nonce, ts, err := guard.archive.Load()
		if err != nil {
			return nil, fmt.Errorf("bridge: load replay archive: %w", err)
		}
		for _, id := range ids {
			guard.consumed[id] = struct{}{}
		}
		guard.lastNonce = nonce
		guard.lastTimestamp = ts
	}
	return guard, nil
}

// Check rejects replayed ids and non-increasing nonces without mutating state.
func (g *ReplayGuard) Check(id common.Hash, nonce uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.consumed[id]; seen {
		return ErrReplayedAttestation
	}
	if nonce <= g.lastNonce {
		return ErrStaleOrDuplicateNonce
	}
	return nil
}

// Mark commits an accepted attestation. Callers must have passed Check under
// the same processor-level critical section.
func (g *ReplayGuard) Mark(id common.Hash, nonce, timestamp uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.consumed[id]; seen {
		return ErrReplayedAttestation
	}
	if nonce <= g.lastNonce {
		return ErrStaleOrDuplicateNonce
	}
	if g.archive != nil {
		if err := g.archive.Append(id, nonce, timestamp); err != nil {
			return fmt.Errorf("bridge: persist replay record: %w", err)
		}
	}
	g.consumed[id] = struct{}{}
	g.lastNonce = nonce
	g.lastTimestamp = timestamp
	return nil
}

// LastNonce returns the highest accepted nonce.
func (g *ReplayGuard) LastNonce() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastNonce
}

// LastTimestamp returns the timestamp of the last accepted attestation.
func (g *ReplayGuard) LastTimestamp() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTimestamp
}

// Consumed reports the number of archived attestation ids.
func (g *ReplayGuard) Consumed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.consumed)
}
