package bridge_test

import (
	"bytes"
	"crypto/ecdsa"
	"math"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"mintedbridge/native/bridge"
)

const (
	testChainID = uint64(7777)
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000b71d9")

type signerSet struct {
	keys  []*ecdsa.PrivateKey
	addrs []common.Address
}

func newSignerSet(t *testing.T, n int) *signerSet {
	t.Helper()
	set := &signerSet{}
	for i := 0; i < n; i++ {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		set.keys = append(set.keys, key)
		set.addrs = append(set.addrs, ethcrypto.PubkeyToAddress(key.PublicKey))
	}
	// Keep keys aligned with ascending address order so sign() emits sorted sets.
	sort.Slice(set.keys, func(i, j int) bool {
		a := ethcrypto.PubkeyToAddress(set.keys[i].PublicKey)
		b := ethcrypto.PubkeyToAddress(set.keys[j].PublicKey)
		return bytes.Compare(a.Bytes(), b.Bytes()) < 0
	})
	sort.Slice(set.addrs, func(i, j int) bool {
		return bytes.Compare(set.addrs[i].Bytes(), set.addrs[j].Bytes()) < 0
	})
	return set
}

func (s *signerSet) sign(t *testing.T, att *bridge.Attestation) {
	t.Helper()
	att.ID = att.ComputeID(testChainID, testContract)
	digest := att.SigningDigest(testChainID, testContract)
	att.Signatures = nil
	for _, key := range s.keys {
		sig, err := ethcrypto.Sign(digest.Bytes(), key)
		require.NoError(t, err)
		att.Signatures = append(att.Signatures, sig)
	}
}

func newTestProcessor(t *testing.T, set *signerSet, limits bridge.RateLimits, now func() time.Time) *bridge.Processor {
	t.Helper()
	verifier, err := bridge.NewSignatureVerifier(set.addrs, len(set.addrs))
	require.NoError(t, err)
	replay, err := bridge.NewReplayGuard()
	require.NoError(t, err)
	proc, err := bridge.NewProcessor(bridge.ProcessorConfig{
		ChainID:            testChainID,
		ContractAddress:    testContract,
		ClockSkewTolerance: 30 * time.Second,
		MinSpacing:         10 * time.Second,
	}, verifier, replay, bridge.NewRateLimiter(limits), bridge.WithClock(now))
	require.NoError(t, err)
	return proc
}

func baseAttestation(nonce, ts uint64, value int64) *bridge.Attestation {
	return &bridge.Attestation{
		AssetValue: big.NewInt(value),
		Nonce:      nonce,
		Timestamp:  ts,
		Entropy:    common.HexToHash("0x01"),
		StateHash:  common.HexToHash("0x02"),
	}
}

func TestProcessAccepted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 3)
	proc := newTestProcessor(t, set, bridge.RateLimits{}, func() time.Time { return now })

	att := baseAttestation(1, uint64(now.Unix())-5, 1_000)
	set.sign(t, att)

	res, err := proc.Process(att)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, big.NewInt(1_000), res.NewSupplyCap)
	require.Equal(t, big.NewInt(1_000), proc.SupplyCap())
}

func TestProcessReplayRejectedWithoutStateChange(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 3)
	proc := newTestProcessor(t, set, bridge.RateLimits{}, func() time.Time { return now })

	att := baseAttestation(1, uint64(now.Unix())-30, 1_000)
	set.sign(t, att)
	_, err := proc.Process(att)
	require.NoError(t, err)

	// Same id again.
	_, err = proc.Process(att)
	require.ErrorIs(t, err, bridge.ErrReplayedAttestation)

	// Fresh id but stale nonce.
	stale := baseAttestation(1, uint64(now.Unix())-5, 2_000)
	set.sign(t, stale)
	_, err = proc.Process(stale)
	require.ErrorIs(t, err, bridge.ErrStaleOrDuplicateNonce)

	require.Equal(t, big.NewInt(1_000), proc.SupplyCap())
}

func TestProcessTampering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 3)
	proc := newTestProcessor(t, set, bridge.RateLimits{}, func() time.Time { return now })

	att := baseAttestation(1, uint64(now.Unix())-5, 1_000)
	set.sign(t, att)
	att.AssetValue = big.NewInt(9_999)

	_, err := proc.Process(att)
	require.ErrorIs(t, err, bridge.ErrDigestMismatch)
	require.Equal(t, big.NewInt(0), proc.SupplyCap())
}

func TestProcessFutureTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 3)
	proc := newTestProcessor(t, set, bridge.RateLimits{}, func() time.Time { return now })

	att := baseAttestation(1, uint64(now.Unix())+120, 1_000)
	set.sign(t, att)
	_, err := proc.Process(att)
	require.ErrorIs(t, err, bridge.ErrFutureTimestamp)
}

func TestProcessTimestampOverflowRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 3)
	proc := newTestProcessor(t, set, bridge.RateLimits{}, func() time.Time { return now })

	// A timestamp beyond the signed 64-bit range would wrap negative on
	// conversion and read as far in the past.
	att := baseAttestation(1, math.MaxUint64, 1_000)
	set.sign(t, att)
	_, err := proc.Process(att)
	require.ErrorIs(t, err, bridge.ErrFutureTimestamp)
	require.Equal(t, big.NewInt(0), proc.SupplyCap())
}

func TestProcessSpacingEnforced(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 3)
	proc := newTestProcessor(t, set, bridge.RateLimits{}, func() time.Time { return now })

	first := baseAttestation(1, uint64(now.Unix())-20, 1_000)
	set.sign(t, first)
	_, err := proc.Process(first)
	require.NoError(t, err)

	// Five seconds after the previous attestation, below the 10s minimum.
	second := baseAttestation(2, first.Timestamp+5, 1_100)
	set.sign(t, second)
	_, err = proc.Process(second)
	require.ErrorIs(t, err, bridge.ErrAttestationTooClose)

	third := baseAttestation(3, first.Timestamp+15, 1_100)
	set.sign(t, third)
	_, err = proc.Process(third)
	require.NoError(t, err)
}

func TestProcessRateLimited(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	set := newSignerSet(t, 2)
	verifier, err := bridge.NewSignatureVerifier(set.addrs, 2)
	require.NoError(t, err)
	replay, err := bridge.NewReplayGuard()
	require.NoError(t, err)
	limiter := bridge.NewRateLimiter(bridge.RateLimits{MinuteTxLimit: 2})
	proc, err := bridge.NewProcessor(bridge.ProcessorConfig{
		ChainID:         testChainID,
		ContractAddress: testContract,
		MinSpacing:      time.Second,
	}, verifier, replay, limiter, bridge.WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	submit := func(nonce uint64, value int64) error {
		att := baseAttestation(nonce, uint64(current.Unix()-int64(10-nonce)*2), value)
		set.sign(t, att)
		_, err := proc.Process(att)
		return err
	}

	require.NoError(t, submit(1, 100))
	require.NoError(t, submit(2, 200))
	err = submit(3, 300)
	require.ErrorIs(t, err, bridge.ErrRateLimited)
	require.Equal(t, big.NewInt(200), proc.SupplyCap())

	// The rolling minute elapses and the same instance may mint again.
	current = current.Add(61 * time.Second)
	require.NoError(t, submit(3, 300))
}
