package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/clock"
	"github.com/ppiankov/rowguard/internal/model"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// pingResponder answers the nth and later pings (n <= 0 never answers)
// and records the fake time of every ping it sees.
type pingResponder struct {
	mu    sync.Mutex
	times []time.Time
	pings chan struct{}
}

func startResponder(t *testing.T, hub *bus.Hub, fc *clock.FakeClock, answerFrom int) *pingResponder {
	t.Helper()
	hd, err := hub.Attach("rowguard")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { hd.Close() })

	r := &pingResponder{pings: make(chan struct{}, 64)}
	hd.Subscribe(func(m model.Message) {
		if m.Action() != model.ActionPing {
			return
		}
		r.mu.Lock()
		r.times = append(r.times, fc.Now())
		n := len(r.times)
		r.mu.Unlock()
		if answerFrom > 0 && n >= answerFrom {
			hd.Post(model.NewMessage(model.ActionPong, nil))
		}
		r.pings <- struct{}{}
	})
	return r
}

func (r *pingResponder) waitPing(t *testing.T) {
	t.Helper()
	select {
	case <-r.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping")
	}
}

func (r *pingResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.times)
}

func client(t *testing.T, hub *bus.Hub) *bus.Handle {
	t.Helper()
	hd, err := hub.Attach("rowguard")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { hd.Close() })
	return hd
}

func TestResolvesWhenResponderAnswersFirstPing(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	startResponder(t, hub, fc, 1)
	c := client(t, hub)

	err := WaitForListener(context.Background(), c, Config{MaxRetries: 3, InitialDelay: time.Second, Clock: fc})
	if err != nil {
		t.Fatalf("WaitForListener: %v", err)
	}
	if c.Listeners() != 0 {
		t.Errorf("pong listener leaked: %d listeners", c.Listeners())
	}
	if fc.PendingCount() != 0 {
		t.Errorf("timeout not cancelled: %d pending timers", fc.PendingCount())
	}
}

func TestResolvesAfterBackoff(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	r := startResponder(t, hub, fc, 3)
	c := client(t, hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- WaitForListener(context.Background(), c, Config{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, Clock: fc})
	}()

	delay := 100 * time.Millisecond
	for i := 0; i < 2; i++ {
		fc.WaitForTimers(1)
		r.waitPing(t)
		fc.Advance(delay)
		delay *= 2
	}
	r.waitPing(t)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not resolve")
	}

	if r.count() != 3 {
		t.Errorf("expected exactly 3 pings, got %d", r.count())
	}
	if fc.PendingCount() != 0 {
		t.Errorf("expected no pending timers after success, got %d", fc.PendingCount())
	}
	if c.Listeners() != 0 {
		t.Errorf("pong listener leaked")
	}
}

func TestFailsAfterExactlyMaxRetriesWithDoublingDelays(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	r := startResponder(t, hub, fc, 0)
	c := client(t, hub)

	const maxRetries = 4
	initial := 250 * time.Millisecond

	errCh := make(chan error, 1)
	go func() {
		errCh <- WaitForListener(context.Background(), c, Config{MaxRetries: maxRetries, InitialDelay: initial, Clock: fc})
	}()

	delay := initial
	for i := 0; i < maxRetries; i++ {
		fc.WaitForTimers(1)
		r.waitPing(t)
		fc.Advance(delay)
		delay *= 2
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, model.ErrListenerNotFound) {
			t.Fatalf("expected ErrListenerNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not fail")
	}

	if r.count() != maxRetries {
		t.Fatalf("expected %d pings, got %d", maxRetries, r.count())
	}

	// Ping k is sent at initial*(2^k - 1): 0, d, 3d, 7d.
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, at := range r.times {
		want := epoch.Add(initial * time.Duration((1<<k)-1))
		if !at.Equal(want) {
			t.Errorf("ping %d at %v, want %v", k, at.Sub(epoch), want.Sub(epoch))
		}
	}
	if c.Listeners() != 0 {
		t.Errorf("pong listener leaked after failure")
	}
}

func TestContextCancelAbortsHandshake(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	r := startResponder(t, hub, fc, 0)
	c := client(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- WaitForListener(ctx, c, Config{MaxRetries: 10, InitialDelay: time.Second, Clock: fc})
	}()

	fc.WaitForTimers(1)
	r.waitPing(t)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake ignored cancellation")
	}
	if fc.PendingCount() != 0 {
		t.Errorf("timer not stopped on cancel")
	}
}

func TestClosedEndpointSurfacesTransportError(t *testing.T) {
	hub := bus.NewHub()
	c, _ := hub.Attach("rowguard")
	c.Close()

	err := WaitForListener(context.Background(), c, Config{MaxRetries: 2, InitialDelay: time.Second, Clock: clock.Fake(epoch)})
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestEndpointDetachDuringHandshake(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	r := startResponder(t, hub, fc, 0)
	c := client(t, hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- WaitForListener(context.Background(), c, Config{MaxRetries: 10, InitialDelay: time.Second, Clock: fc})
	}()
	fc.WaitForTimers(1)
	r.waitPing(t)
	c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, model.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake kept waiting on a detached endpoint")
	}
	if fc.PendingCount() != 0 {
		t.Errorf("timer not stopped on detach")
	}
}

func TestConcurrentHandshakesBothResolve(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	startResponder(t, hub, fc, 1)
	c := client(t, hub)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = WaitForListener(context.Background(), c, Config{MaxRetries: 3, InitialDelay: time.Second, Clock: fc})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("handshake %d: %v", i, err)
		}
	}
}

func TestOnceCachesSuccess(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	r := startResponder(t, hub, fc, 1)
	c := client(t, hub)

	o := NewOnce(c, Config{MaxRetries: 2, InitialDelay: time.Second, Clock: fc})
	for i := 0; i < 3; i++ {
		if err := o.Do(context.Background()); err != nil {
			t.Fatalf("Do %d: %v", i, err)
		}
	}
	if !o.Done() {
		t.Error("expected Done after success")
	}
	if r.count() != 1 {
		t.Errorf("expected a single ping, got %d", r.count())
	}
}

func TestOnceDoesNotCacheFailure(t *testing.T) {
	hub := bus.NewHub()
	c := client(t, hub)

	o := NewOnce(c, Config{MaxRetries: 1, InitialDelay: 200 * time.Millisecond})
	if err := o.Do(context.Background()); !errors.Is(err, model.ErrListenerNotFound) {
		t.Fatalf("expected ErrListenerNotFound, got %v", err)
	}
	if o.Done() {
		t.Fatal("failure must not be cached as success")
	}

	// A responder appears later; the next Do probes again.
	fc := clock.Fake(epoch)
	startResponder(t, hub, fc, 1)
	if err := o.Do(context.Background()); err != nil {
		t.Fatalf("expected success once responder is attached, got %v", err)
	}
}

func TestOnceWaiterStopsOnItsOwnContext(t *testing.T) {
	hub := bus.NewHub()
	fc := clock.Fake(epoch)
	r := startResponder(t, hub, fc, 0)
	c := client(t, hub)
	o := NewOnce(c, Config{MaxRetries: 10, InitialDelay: time.Second, Clock: fc})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- o.Do(firstCtx) }()
	fc.WaitForTimers(1)
	r.waitPing(t)

	// A second caller whose context is already done does not wait out
	// the in-flight probe.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	second := make(chan error, 1)
	go func() { second <- o.Do(ctx) }()
	select {
	case err := <-second:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter blocked behind the in-flight probe")
	}
	if r.count() != 1 {
		t.Errorf("waiter probed on its own: %d pings", r.count())
	}

	cancelFirst()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: %v", err)
	}
	if o.Done() {
		t.Error("cancelled probe cached as success")
	}
}
