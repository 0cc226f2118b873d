package bridge

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProcessorConfig enumerates every processor option with its valid range.
// Validation happens once at construction; Process never re-validates config.
type ProcessorConfig struct {
	ChainID            uint64
	ContractAddress    common.Address
	ClockSkewTolerance time.Duration
	MinSpacing         time.Duration
	InitialSupplyCap   *big.Int
}

func (c ProcessorConfig) validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("bridge: chain id required")
	}
	if (c.ContractAddress == common.Address{}) {
		return fmt.Errorf("bridge: contract address required")
	}
	if c.ClockSkewTolerance < 0 {
		return fmt.Errorf("bridge: clock skew tolerance must be non-negative")
	}
	if c.MinSpacing < 0 {
		return fmt.Errorf("bridge: min spacing must be non-negative")
	}
	if c.InitialSupplyCap != nil && c.InitialSupplyCap.Sign() < 0 {
		return fmt.Errorf("bridge: initial supply cap must be non-negative")
	}
	return nil
}

// Result reports the outcome of a successful attestation submission.
type Result struct {
	Accepted     bool
	NewSupplyCap *big.Int
}

// Processor validates inbound attestations end-to-end and authorises the
// corresponding supply-cap update. It is the unit of consistency: every check
// is staged before any state is committed, so a rejected attestation leaves
// the guard, limiter, and supply cap untouched. The processor never retries;
// retry policy belongs to the relay orchestrator.
type Processor struct {
	mu        sync.Mutex
	cfg       ProcessorConfig
	verifier  *SignatureVerifier
	replay    *ReplayGuard
	limiter   *RateLimiter
	supplyCap *big.Int
	now       func() time.Time
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// NewProcessor constructs a processor over explicitly injected guard state.
func NewProcessor(cfg ProcessorConfig, verifier *SignatureVerifier, replay *ReplayGuard, limiter *RateLimiter, opts ...ProcessorOption) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, fmt.Errorf("bridge: signature verifier required")
	}
	if replay == nil {
		return nil, fmt.Errorf("bridge: replay guard required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("bridge: rate limiter required")
	}
	supply := new(big.Int)
	if cfg.InitialSupplyCap != nil {
		supply.Set(cfg.InitialSupplyCap)
	}
	proc := &Processor{
		cfg:       cfg,
		verifier:  verifier,
		replay:    replay,
		limiter:   limiter,
		supplyCap: supply,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(proc)
		}
	}
	return proc, nil
}

// Process validates the attestation and, when every check passes, commits the
// replay record, consumes rate-limit budget, and updates the supply cap.
func (p *Processor) Process(att *Attestation) (Result, error) {
	if err := att.Validate(); err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if att.ComputeID(p.cfg.ChainID, p.cfg.ContractAddress) != att.ID {
		return Result{}, ErrDigestMismatch
	}
	if err := p.replay.Check(att.ID, att.Nonce); err != nil {
		return Result{}, err
	}
	now := p.now()
	if att.Timestamp > math.MaxInt64 {
		return Result{}, ErrFutureTimestamp
	}
	attested := time.Unix(int64(att.Timestamp), 0)
	if attested.After(now.Add(p.cfg.ClockSkewTolerance)) {
		return Result{}, ErrFutureTimestamp
	}
	if last := p.replay.LastTimestamp(); last > 0 {
		if att.Timestamp <= last || time.Duration(att.Timestamp-last)*time.Second < p.cfg.MinSpacing {
			return Result{}, ErrAttestationTooClose
		}
	}
	digest := att.SigningDigest(p.cfg.ChainID, p.cfg.ContractAddress)
	if err := p.verifier.Verify(digest, att.Signatures); err != nil {
		return Result{}, err
	}
	delta := new(big.Int).Sub(att.AssetValue, p.supplyCap)
	if delta.Sign() < 0 {
		delta.SetInt64(0)
	}
	if err := p.limiter.Check(delta, now); err != nil {
		return Result{}, err
	}

	// Every check passed: commit in one shot.
	if err := p.replay.Mark(att.ID, att.Nonce, att.Timestamp); err != nil {
		return Result{}, err
	}
	p.limiter.Consume(delta, now)
	p.supplyCap.Set(att.AssetValue)

	return Result{Accepted: true, NewSupplyCap: new(big.Int).Set(p.supplyCap)}, nil
}

// SupplyCap returns the current cached supply cap.
func (p *Processor) SupplyCap() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.supplyCap)
}
