package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mintedbridge/ledger"
)

type stubSub struct {
	errs   chan error
	closed func()
	once   sync.Once
}

func (s *stubSub) Err() <-chan error { return s.errs }

func (s *stubSub) Unsubscribe() {
	s.once.Do(s.closed)
}

type stubProvider struct {
	mu         sync.Mutex
	active     int
	maxActive  int
	subscribes int
	current    *stubSub
}

func (p *stubProvider) subscribe(ctx context.Context, sink chan<- ledger.Event) (ledger.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	sub := &stubSub{errs: make(chan error, 1)}
	sub.closed = func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
	p.current = sub
	return sub, nil
}

func (p *stubProvider) dropStream() {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	current.errs <- errors.New("connection reset")
}

func (p *stubProvider) snapshot() (active, maxActive, subscribes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.maxActive, p.subscribes
}

func TestStreamReconnectAttachesSingleHandler(t *testing.T) {
	provider := &stubProvider{}
	stream, err := ledger.NewStream(provider.subscribe, nil, ledger.WithReconnectBackoff(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Run(ctx, func(ledger.Event) {})
	}()

	waitFor(t, func() bool { return stream.Active() })
	provider.dropStream()
	waitFor(t, func() bool {
		_, _, subs := provider.snapshot()
		return subs == 2 && stream.Active()
	})

	active, maxActive, subscribes := provider.snapshot()
	if subscribes != 2 {
		t.Fatalf("expected 2 subscribe calls, got %d", subscribes)
	}
	if maxActive != 1 {
		t.Fatalf("expected at most one live handler, saw %d", maxActive)
	}
	if active != 1 {
		t.Fatalf("expected one active handler after reconnect, got %d", active)
	}

	cancel()
	<-done
	if active, _, _ := provider.snapshot(); active != 0 {
		t.Fatalf("expected handlers released on shutdown, got %d", active)
	}
}

func TestStreamConcurrentReconnectSingleInFlight(t *testing.T) {
	provider := &stubProvider{}
	stream, err := ledger.NewStream(provider.subscribe, nil, ledger.WithReconnectBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	sink := make(chan ledger.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Run(ctx, func(ledger.Event) {})
	}()
	waitFor(t, func() bool { return stream.Active() })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = stream.Reconnect(ctx, sink)
		}()
	}
	wg.Wait()

	_, maxActive, _ := provider.snapshot()
	if maxActive != 1 {
		t.Fatalf("concurrent reconnects attached %d handlers", maxActive)
	}
	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
