package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "bridged.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestStoreRecordAndQuery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rows := []Transfer{
		{Direction: "canton_to_evm", Nonce: 1, Amount: "100", Status: StatusConfirmed},
		{Direction: "canton_to_evm", Nonce: 2, Amount: "250", Status: StatusFailed, LastError: "rpc timeout"},
		{Direction: "evm_to_canton", Nonce: 1, Amount: "75", Status: StatusConfirmed},
	}
	for _, row := range rows {
		if err := store.Record(ctx, row); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := store.RecentByDirection(ctx, "Canton_To_EVM", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	for _, row := range got {
		if row.ID == "" {
			t.Fatalf("id should be assigned on insert")
		}
		if row.Direction != "canton_to_evm" {
			t.Fatalf("unexpected direction %q", row.Direction)
		}
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusConfirmed] != 2 || counts[StatusFailed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestStoreRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("empty path should be rejected")
	}
}
