package bridged

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"mintedbridge/ledger"
)

type scanLedger struct {
	stubLedger
	head   uint64
	events []ledger.Event
	err    error
	ranges [][2]uint64
}

func (s *scanLedger) BlockNumber(context.Context) (uint64, error) { return s.head, nil }

func (s *scanLedger) QueryEvents(_ context.Context, _ common.Address, _ common.Hash, from, to uint64) ([]ledger.Event, error) {
	s.ranges = append(s.ranges, [2]uint64{from, to})
	if s.err != nil {
		return nil, s.err
	}
	return s.events, nil
}

func lockEvent(nonce, amount int64) ledger.Event {
	return ledger.Event{
		TxHash: common.HexToHash("0xabc"),
		Topics: []common.Hash{
			common.HexToHash("0x11"),
			common.BigToHash(big.NewInt(nonce)),
			common.BigToHash(big.NewInt(amount)),
		},
		Data: []byte{0x01, 0x02},
	}
}

func testSpec() SourceSpec {
	return SourceSpec{
		Direction:      "Canton_To_EVM",
		Contract:       common.HexToAddress("0x000000000000000000000000000000000000aaaa"),
		EventSignature: common.HexToHash("0x11"),
		StartBlock:     100,
		Confirmations:  6,
		BatchSize:      50,
		DestContract:   common.HexToAddress("0x000000000000000000000000000000000000bbbb"),
		DestSelector:   []byte{0x40, 0xc1, 0x0f, 0x19},
		DestGasLimit:   300_000,
	}
}

func TestEventScannerProducesCandidates(t *testing.T) {
	client := &scanLedger{head: 200, events: []ledger.Event{lockEvent(5, 1_000)}}
	scanner, err := NewEventScanner(client, testSpec())
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	candidates, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	got := candidates[0]
	if got.Direction != "canton_to_evm" {
		t.Fatalf("direction not normalised: %q", got.Direction)
	}
	if got.Nonce != 5 || got.Amount.Int64() != 1_000 {
		t.Fatalf("unexpected candidate %+v", got)
	}
	wantData := []byte{0x40, 0xc1, 0x0f, 0x19, 0x01, 0x02}
	if string(got.Op.Data) != string(wantData) {
		t.Fatalf("calldata mismatch: %x", got.Op.Data)
	}
	if got.Op.GasLimit != 300_000 {
		t.Fatalf("gas limit not propagated")
	}
	if len(client.ranges) != 1 || client.ranges[0] != [2]uint64{101, 150} {
		t.Fatalf("unexpected query range %v", client.ranges)
	}
	if scanner.Cursor() != 150 {
		t.Fatalf("cursor should advance to batch end, got %d", scanner.Cursor())
	}
}

func TestEventScannerRespectsConfirmations(t *testing.T) {
	client := &scanLedger{head: 104}
	scanner, err := NewEventScanner(client, testSpec())
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	candidates, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if candidates != nil {
		t.Fatalf("no confirmed blocks yet, got %v", candidates)
	}
	if len(client.ranges) != 0 {
		t.Fatalf("scan below the confirmation depth must not query")
	}
	if scanner.Cursor() != 100 {
		t.Fatalf("cursor must not move, got %d", scanner.Cursor())
	}
}

func TestEventScannerHoldsCursorOnFailure(t *testing.T) {
	client := &scanLedger{head: 200, err: errors.New("rpc unavailable")}
	scanner, err := NewEventScanner(client, testSpec())
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	if _, err := scanner.Scan(context.Background()); err == nil {
		t.Fatalf("scan should surface the query error")
	}
	if scanner.Cursor() != 100 {
		t.Fatalf("failed scan must not advance the cursor, got %d", scanner.Cursor())
	}

	client.err = nil
	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("retry scan: %v", err)
	}
	if len(client.ranges) != 2 || client.ranges[1] != client.ranges[0] {
		t.Fatalf("retry should re-read the same range: %v", client.ranges)
	}
}
