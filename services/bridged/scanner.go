package bridged

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"mintedbridge/ledger"
)

// SourceSpec describes one watched source contract and the destination call
// its events are relayed into.
type SourceSpec struct {
	Direction      string
	Contract       common.Address
	EventSignature common.Hash
	StartBlock     uint64
	Confirmations  uint64
	BatchSize      uint64
	DestContract   common.Address
	DestSelector   []byte
	DestGasLimit   uint64
}

func (s SourceSpec) validate() error {
	if normalizeDirection(s.Direction) == "" {
		return fmt.Errorf("bridged: source direction required")
	}
	if s.Contract == (common.Address{}) {
		return fmt.Errorf("bridged: source contract required")
	}
	if s.EventSignature == (common.Hash{}) {
		return fmt.Errorf("bridged: source event signature required")
	}
	if s.DestContract == (common.Address{}) {
		return fmt.Errorf("bridged: destination contract required")
	}
	if len(s.DestSelector) != 4 {
		return fmt.Errorf("bridged: destination selector must be 4 bytes")
	}
	return nil
}

// EventScanner walks one source contract's logs in bounded confirmed batches
// and converts them into relay candidates. Events carry the transfer nonce in
// topic 1 and the amount in topic 2; the raw event data is forwarded as the
// destination calldata after the configured selector.
type EventScanner struct {
	client ledger.Client
	spec   SourceSpec

	mu     sync.Mutex
	cursor uint64
}

// NewEventScanner validates the source binding and positions the cursor at
// StartBlock.
func NewEventScanner(client ledger.Client, spec SourceSpec) (*EventScanner, error) {
	if client == nil {
		return nil, fmt.Errorf("bridged: ledger client required")
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.BatchSize == 0 {
		spec.BatchSize = 500
	}
	spec.Direction = normalizeDirection(spec.Direction)
	return &EventScanner{client: client, spec: spec, cursor: spec.StartBlock}, nil
}

// Scan returns candidates from the next confirmed block batch. The cursor
// advances only when the query succeeds; a failed scan re-reads the same
// range next cycle.
func (s *EventScanner) Scan(ctx context.Context) ([]Candidate, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridged: read head block: %w", err)
	}
	s.mu.Lock()
	from := s.cursor + 1
	s.mu.Unlock()
	if head < s.spec.Confirmations {
		return nil, nil
	}
	confirmed := head - s.spec.Confirmations
	if from > confirmed {
		return nil, nil
	}
	to := from + s.spec.BatchSize - 1
	if to > confirmed {
		to = confirmed
	}
	events, err := s.client.QueryEvents(ctx, s.spec.Contract, s.spec.EventSignature, from, to)
	if err != nil {
		return nil, fmt.Errorf("bridged: query %s events: %w", s.spec.Direction, err)
	}
	candidates := make([]Candidate, 0, len(events))
	for _, event := range events {
		if len(event.Topics) < 3 {
			continue
		}
		data := make([]byte, 0, 4+len(event.Data))
		data = append(data, s.spec.DestSelector...)
		data = append(data, event.Data...)
		candidates = append(candidates, Candidate{
			Direction: s.spec.Direction,
			Nonce:     event.Topics[1].Big().Uint64(),
			Amount:    event.Topics[2].Big(),
			SourceTx:  event.TxHash,
			Op: ledger.Op{
				Contract: s.spec.DestContract,
				Data:     data,
				GasLimit: s.spec.DestGasLimit,
			},
		})
	}
	s.mu.Lock()
	s.cursor = to
	s.mu.Unlock()
	return candidates, nil
}

// Cursor reports the highest scanned block.
func (s *EventScanner) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// MultiScanner merges candidates from several source scanners. A failing
// source fails the whole scan so no direction silently starves.
type MultiScanner struct {
	scanners []Scanner
}

// NewMultiScanner wraps the provided scanners.
func NewMultiScanner(scanners ...Scanner) *MultiScanner {
	return &MultiScanner{scanners: scanners}
}

// Scan implements Scanner.
func (m *MultiScanner) Scan(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for _, scanner := range m.scanners {
		candidates, err := scanner.Scan(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, candidates...)
	}
	return out, nil
}
