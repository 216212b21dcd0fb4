// Package handshake probes the bus until a privileged responder answers.
// No query result is trusted before the handshake succeeds.
package handshake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/clock"
	"github.com/ppiankov/rowguard/internal/model"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxRetries   = 5
	DefaultInitialDelay = 100 * time.Millisecond
)

// Config controls the probe schedule.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// WaitForListener posts ping until a pong arrives. Attempt k waits
// InitialDelay*2^k before giving up on that attempt; after MaxRetries
// unanswered attempts it returns ErrListenerNotFound. The pong listener
// and any pending timeout are always released before returning.
func WaitForListener(ctx context.Context, ep bus.Endpoint, cfg Config) error {
	cfg = cfg.withDefaults()

	pong := make(chan struct{}, 1)
	unsubscribe := ep.Subscribe(func(m model.Message) {
		if m.Action() != model.ActionPong {
			return
		}
		select {
		case pong <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	delay := cfg.InitialDelay
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		timeout := make(chan struct{})
		timer := cfg.Clock.AfterFunc(delay, func() { close(timeout) })

		if err := ep.Post(model.NewMessage(model.ActionPing, nil)); err != nil {
			timer.Stop()
			return fmt.Errorf("handshake ping: %w", err)
		}

		select {
		case <-pong:
			timer.Stop()
			cfg.Logger.Debug("handshake complete", "attempt", attempt+1)
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-bus.DoneOf(ep):
			timer.Stop()
			return fmt.Errorf("handshake: endpoint detached: %w", model.ErrTransport)
		case <-timeout:
			cfg.Logger.Debug("handshake attempt timed out", "attempt", attempt+1, "delay", delay)
			delay *= 2
		}
	}

	return fmt.Errorf("no pong after %d attempts: %w", cfg.MaxRetries, model.ErrListenerNotFound)
}

// Once runs the handshake at most until it first succeeds, then answers
// from cache for the rest of its lifetime. Failures are not cached.
type Once struct {
	ep  bus.Endpoint
	cfg Config

	mu       sync.Mutex
	done     bool
	inflight chan struct{} // closed when the running probe returns
}

// NewOnce creates a cached handshake over ep.
func NewOnce(ep bus.Endpoint, cfg Config) *Once {
	return &Once{ep: ep, cfg: cfg}
}

// Do performs the handshake unless a previous call succeeded. Concurrent
// callers wait for the in-flight probe instead of probing in parallel,
// but stop waiting when their own ctx ends. If that probe fails the next
// waiter starts a fresh one.
func (o *Once) Do(ctx context.Context) error {
	for {
		o.mu.Lock()
		if o.done {
			o.mu.Unlock()
			return nil
		}
		if wait := o.inflight; wait != nil {
			o.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		wait := make(chan struct{})
		o.inflight = wait
		o.mu.Unlock()

		err := WaitForListener(ctx, o.ep, o.cfg)

		o.mu.Lock()
		o.done = err == nil
		o.inflight = nil
		o.mu.Unlock()
		close(wait)
		return err
	}
}

// Done reports whether the handshake has succeeded.
func (o *Once) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}
