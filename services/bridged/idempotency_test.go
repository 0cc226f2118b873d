package bridged

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestIdempotencyKeyIgnoresMetadataOrdering(t *testing.T) {
	a := IdempotencyKey("canton_to_evm", "42", "1000", "0xabc")
	b := IdempotencyKey("0xabc", "1000", "42", "canton_to_evm")
	if a != b {
		t.Fatalf("key must be order independent")
	}
	c := IdempotencyKey("canton_to_evm", "43", "1000", "0xabc")
	if a == c {
		t.Fatalf("different semantic inputs must produce different keys")
	}
}

func TestIdempotencyStoreRoundTrip(t *testing.T) {
	store := NewIdempotencyStore()
	key := IdempotencyKey("canton_to_evm", "7")
	result := SubmissionResult{Direction: "canton_to_evm", Nonce: 7, TxHash: common.HexToHash("0x01")}

	if _, ok := store.Lookup(key); ok {
		t.Fatalf("empty store should miss")
	}
	store.Store(key, result)
	got, ok := store.Lookup(key)
	if !ok || got != result {
		t.Fatalf("cached result mismatch: %+v", got)
	}
}

func TestIdempotencyStoreTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewIdempotencyStore(
		WithIdempotencyTTL(time.Minute),
		WithIdempotencyClock(func() time.Time { return now }),
	)
	store.Store("k", SubmissionResult{Nonce: 1})

	now = now.Add(59 * time.Second)
	if _, ok := store.Lookup("k"); !ok {
		t.Fatalf("entry expired early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := store.Lookup("k"); ok {
		t.Fatalf("entry should expire after the TTL")
	}
	if store.Len() != 0 {
		t.Fatalf("expired entries should be pruned, len=%d", store.Len())
	}
}

func TestIdempotencyStoreCapEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewIdempotencyStore(
		WithIdempotencyCap(3),
		WithIdempotencyClock(func() time.Time { return now }),
	)
	for i := 0; i < 4; i++ {
		store.Store(IdempotencyKey("dir", string(rune('a'+i))), SubmissionResult{Nonce: uint64(i)})
		now = now.Add(time.Second)
	}
	if store.Len() != 3 {
		t.Fatalf("cap not enforced, len=%d", store.Len())
	}
	if _, ok := store.Lookup(IdempotencyKey("dir", "a")); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := store.Lookup(IdempotencyKey("dir", "d")); !ok {
		t.Fatalf("newest entry should survive eviction")
	}
}
