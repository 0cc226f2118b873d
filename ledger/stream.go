package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Subscription is the handle returned by an event stream provider. It mirrors
// the go-ethereum subscription surface: an error channel that yields when the
// stream drops, and an idempotent Unsubscribe.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// SubscribeFunc establishes a subscription delivering events into sink.
type SubscribeFunc func(ctx context.Context, sink chan<- Event) (Subscription, error)

// Stream owns a single live event subscription. A dropped stream is
// re-established with the old handle released first, and at most one
// reconnect attempt is ever in flight, so transport flaps cannot leave
// duplicate handlers attached.
type Stream struct {
	subscribe SubscribeFunc
	logger    *slog.Logger
	backoff   time.Duration

	mu           sync.Mutex
	sub          Subscription
	reconnecting bool
	closed       bool
}

// StreamOption customises stream behaviour.
type StreamOption func(*Stream)

// WithReconnectBackoff overrides the delay before a reconnect attempt.
func WithReconnectBackoff(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// NewStream wraps a subscription provider in single-owner semantics.
func NewStream(subscribe SubscribeFunc, logger *slog.Logger, opts ...StreamOption) (*Stream, error) {
	if subscribe == nil {
		return nil, fmt.Errorf("ledger: subscribe function required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	stream := &Stream{
		subscribe: subscribe,
		logger:    logger,
		backoff:   2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(stream)
		}
	}
	return stream, nil
}

// Run connects and dispatches events to handler until the context is
// cancelled. It blocks; callers run it in its own goroutine.
func (s *Stream) Run(ctx context.Context, handler func(Event)) error {
	if handler == nil {
		return fmt.Errorf("ledger: event handler required")
	}
	sink := make(chan Event, 64)
	if err := s.connect(ctx, sink); err != nil {
		return err
	}
	defer s.Close()
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub == nil {
			return fmt.Errorf("ledger: stream closed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-sink:
			handler(evt)
		case err := <-sub.Err():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("event stream dropped", "error", fmt.Sprint(err))
			if err := s.Reconnect(ctx, sink); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) connect(ctx context.Context, sink chan<- Event) error {
	sub, err := s.subscribe(ctx, sink)
	if err != nil {
		return fmt.Errorf("ledger: subscribe: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Unsubscribe()
		return fmt.Errorf("ledger: stream closed")
	}
	s.sub = sub
	return nil
}

// Reconnect tears down the current handle and attaches a fresh one. Only one
// reconnect may be in flight; concurrent callers return immediately and rely
// on the winner.
func (s *Stream) Reconnect(ctx context.Context, sink chan<- Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("ledger: stream closed")
	}
	if s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting = true
	old := s.sub
	s.sub = nil
	s.mu.Unlock()

	// The old listener must be fully detached before a new one is attached.
	if old != nil {
		old.Unsubscribe()
	}

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return s.connect(ctx, sink)
}

// Close releases the live subscription. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

// Active reports whether a subscription handle is currently attached.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}
