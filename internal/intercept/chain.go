// Package intercept enforces a secondary visibility policy on bus traffic
// without the cooperation of the original senders or receivers. Filters
// are kept in an explicit registry and applied at one send boundary and
// one receive boundary.
package intercept

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/clock"
	"github.com/ppiankov/rowguard/internal/model"
	"github.com/ppiankov/rowguard/internal/snapshot"
)

// Filter is one installed policy: which fields of which actions to filter,
// the predicate deciding what stays, and an optional cached snapshot to
// bring into line at install time.
type Filter struct {
	Name      string
	Predicate Predicate
	Rules     []FieldRule
	Snapshot  *snapshot.Store
}

type entry struct {
	Filter
	id uint64
}

// Chain wraps an Endpoint and is itself an Endpoint. Every message posted
// through it and every message delivered to its listeners passes through
// all installed filters. Filters compose as logical AND.
type Chain struct {
	inner  bus.Endpoint
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	filters []*entry
	nextID  uint64
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock sets the clock used for periodic re-filtering.
func WithClock(c clock.Clock) Option {
	return func(ch *Chain) { ch.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Chain) {
		if l != nil {
			ch.logger = l
		}
	}
}

// NewChain wraps inner with an empty filter registry.
func NewChain(inner bus.Endpoint, opts ...Option) *Chain {
	c := &Chain{
		inner:  inner,
		clock:  clock.Real(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Install registers f. A filter with the same name is replaced rather than
// stacked. Listeners registered before Install are covered too.
func (c *Chain) Install(f Filter) (*Installation, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("install filter: empty name")
	}
	if f.Predicate == nil {
		return nil, fmt.Errorf("install filter %q: nil predicate", f.Name)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("install filter %q: no field rules", f.Name)
	}

	c.mu.Lock()
	c.nextID++
	e := &entry{Filter: f, id: c.nextID}
	replaced := false
	for i, existing := range c.filters {
		if existing.Name == f.Name {
			c.filters[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		c.filters = append(c.filters, e)
	}
	c.mu.Unlock()

	c.logger.Debug("filter installed", "filter", f.Name, "rules", len(f.Rules), "replaced", replaced)

	in := &Installation{
		chain:   c,
		entry:   e,
		stop:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	in.start()
	return in, nil
}

// Filters returns installed filter names in application order.
func (c *Chain) Filters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.filters))
	for i, e := range c.filters {
		names[i] = e.Name
	}
	return names
}

// Apply runs msg through every installed filter.
func (c *Chain) Apply(msg model.Message) model.Message {
	c.mu.RLock()
	filters := make([]*entry, len(c.filters))
	copy(filters, c.filters)
	c.mu.RUnlock()

	out := msg
	for _, e := range filters {
		var changed bool
		out, changed = Rewrite(out, e.Rules, e.Predicate)
		if changed {
			c.logger.Debug("message filtered", "filter", e.Name, "action", string(out.Action()))
		}
	}
	return out
}

// Post filters msg and forwards it to the wrapped endpoint.
func (c *Chain) Post(msg model.Message) error {
	return c.inner.Post(c.Apply(msg))
}

// Subscribe registers l behind the receive boundary.
func (c *Chain) Subscribe(l bus.Listener) func() {
	return c.inner.Subscribe(func(m model.Message) {
		l(c.Apply(m))
	})
}

// Done forwards the wrapped endpoint's detach signal. It is nil when the
// wrapped endpoint has none.
func (c *Chain) Done() <-chan struct{} { return bus.DoneOf(c.inner) }

func (c *Chain) remove(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.filters {
		if existing == e {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return
		}
	}
}

// Installation is the scoped handle for one installed filter. Closing it
// removes the filter and stops any pending snapshot wait or re-filter loop.
type Installation struct {
	chain   *Chain
	entry   *entry
	stop    chan struct{}
	settled chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (in *Installation) start() {
	store := in.entry.Snapshot
	if store == nil {
		close(in.settled)
		return
	}
	if in.filterSnapshot() {
		close(in.settled)
		return
	}

	// Not published yet: wait for the owner's ready signal, filter once.
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		select {
		case <-store.Ready():
			in.filterSnapshot()
			close(in.settled)
		case <-in.stop:
		}
	}()
}

// filterSnapshot filters the cached set in place. Returns false while the
// snapshot is still unavailable.
func (in *Installation) filterSnapshot() bool {
	store := in.entry.Snapshot
	for {
		records, version, err := store.Load()
		if err != nil {
			return false
		}
		kept := FilterRecords(records, in.entry.Predicate)
		if len(kept) == len(records) {
			return true
		}
		if store.Replace(version, kept) {
			in.chain.logger.Debug("snapshot filtered", "filter", in.entry.Name,
				"snapshot", store.Name(), "removed", len(records)-len(kept))
			return true
		}
		// Lost to a concurrent publish; filter the newer set.
	}
}

// Settled is closed once the install-time snapshot filtering has run (or
// immediately when the filter has no snapshot).
func (in *Installation) Settled() <-chan struct{} { return in.settled }

// Refilter re-applies the filter to the snapshot every interval until the
// returned stop func or Close is called. Stop returns once the loop exits.
func (in *Installation) Refilter(interval time.Duration) (stop func()) {
	if in.entry.Snapshot == nil || interval <= 0 {
		return func() {}
	}
	ticker := in.chain.clock.NewTicker(interval)
	done := make(chan struct{})
	exited := make(chan struct{})
	var once sync.Once

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				in.filterSnapshot()
			case <-done:
				return
			case <-in.stop:
				return
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// Close removes the filter from the chain and waits for background work.
func (in *Installation) Close() {
	in.once.Do(func() {
		close(in.stop)
		in.chain.remove(in.entry)
	})
	in.wg.Wait()
}
