// Package agent assembles the page-side context: an interception chain
// over a bus endpoint, the configured filters, followed snapshots, a
// cached discovery handshake and one correlator per record kind.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/clock"
	"github.com/ppiankov/rowguard/internal/config"
	"github.com/ppiankov/rowguard/internal/correlate"
	"github.com/ppiankov/rowguard/internal/handshake"
	"github.com/ppiankov/rowguard/internal/intercept"
	"github.com/ppiankov/rowguard/internal/model"
	"github.com/ppiankov/rowguard/internal/presentation"
	"github.com/ppiankov/rowguard/internal/snapshot"
)

// Source resolves a data collection into an id index for lookup filters.
// data.Store and data.Client both satisfy it.
type Source interface {
	Lookup(ctx context.Context, collection string) (map[string]model.Record, error)
}

// Options configures New.
type Options struct {
	Filters   []config.FilterRule
	Handshake handshake.Config
	Mode      correlate.Mode
	// Source is required only by filters with a lookup collection.
	Source Source
	Clock  clock.Clock
	Logger *slog.Logger
}

// FromConfig maps loaded configuration onto Options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Filters: cfg.Filters,
		Handshake: handshake.Config{
			MaxRetries:   cfg.Handshake.MaxRetries,
			InitialDelay: cfg.Handshake.InitialDelay.Std(),
		},
		Mode: cfg.Mode(),
	}
}

// Agent is one page context.
type Agent struct {
	chain  *intercept.Chain
	once   *handshake.Once
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	correlators map[string]*correlate.Correlator
	snapshots   map[string]*snapshot.Store
	installs    []*intercept.Installation
	stops       []func()
	closed      bool
}

// New wraps ep and installs every configured filter. Lookup filters
// resolve their collection through opts.Source before installing.
func New(ctx context.Context, ep bus.Endpoint, opts Options) (*Agent, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hs := opts.Handshake
	if hs.Clock == nil {
		hs.Clock = opts.Clock
	}
	if hs.Logger == nil {
		hs.Logger = opts.Logger
	}

	chain := intercept.NewChain(ep, intercept.WithClock(opts.Clock), intercept.WithLogger(opts.Logger))
	a := &Agent{
		chain:       chain,
		once:        handshake.NewOnce(chain, hs),
		opts:        opts,
		logger:      opts.Logger,
		correlators: make(map[string]*correlate.Correlator),
		snapshots:   make(map[string]*snapshot.Store),
	}

	for _, rule := range opts.Filters {
		if err := a.install(ctx, rule); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) install(ctx context.Context, rule config.FilterRule) error {
	f, err := BuildFilter(ctx, rule, a.opts.Source)
	if err != nil {
		return err
	}
	if rule.Snapshot {
		kind, _ := model.KindByName(rule.Kind)
		f.Snapshot = a.Snapshot(kind)
	}
	in, err := a.chain.Install(f)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.installs = append(a.installs, in)
	if rule.Refilter > 0 && f.Snapshot != nil {
		a.stops = append(a.stops, in.Refilter(rule.Refilter.Std()))
	}
	a.mu.Unlock()
	a.logger.Info("filter installed", "filter", rule.Name, "kind", rule.Kind, "snapshot", rule.Snapshot)
	return nil
}

// BuildFilter turns a rule into an interception filter.
func BuildFilter(ctx context.Context, rule config.FilterRule, src Source) (intercept.Filter, error) {
	kind, err := model.KindByName(rule.Kind)
	if err != nil {
		return intercept.Filter{}, fmt.Errorf("filter %q: %w", rule.Name, err)
	}
	if rule.Field == "" {
		return intercept.Filter{}, fmt.Errorf("filter %q: no field", rule.Name)
	}
	p := intercept.FieldEquals(rule.Field, rule.Equals)
	if rule.Negate {
		p = intercept.Not(p)
	}
	if rule.Lookup != "" {
		if src == nil {
			return intercept.Filter{}, fmt.Errorf("filter %q: lookup %q needs a data source", rule.Name, rule.Lookup)
		}
		idx, err := src.Lookup(ctx, rule.Lookup)
		if err != nil {
			return intercept.Filter{}, fmt.Errorf("filter %q: %w", rule.Name, err)
		}
		p = intercept.Lookup(idx, p, rule.KeepMissing)
	}
	return intercept.Filter{
		Name:      rule.Name,
		Predicate: p,
		Rules:     intercept.RulesFor(kind),
	}, nil
}

// Endpoint is the filtered endpoint; page code posts and listens here.
func (a *Agent) Endpoint() bus.Endpoint { return a.chain }

// Chain exposes the filter registry.
func (a *Agent) Chain() *intercept.Chain { return a.chain }

// Handshake discovers the privileged responder once per agent.
func (a *Agent) Handshake(ctx context.Context) error { return a.once.Do(ctx) }

// Checker returns the correlator for kind, creating it on first use.
func (a *Agent) Checker(kind model.Kind) (*correlate.Correlator, error) {
	if !kind.Queryable() {
		return nil, fmt.Errorf("kind %s cannot be checked", kind.Name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.correlators[kind.Name]
	if !ok {
		c = correlate.New(a.chain, kind, correlate.WithMode(a.opts.Mode), correlate.WithLogger(a.logger))
		a.correlators[kind.Name] = c
	}
	return c, nil
}

// Check handshakes and returns the admissible subset of ids.
func (a *Agent) Check(ctx context.Context, kind model.Kind, ids []string) ([]string, error) {
	c, err := a.Checker(kind)
	if err != nil {
		return nil, err
	}
	if err := a.Handshake(ctx); err != nil {
		return nil, err
	}
	return c.CheckBatch(ctx, ids)
}

// Snapshot returns the cached record set of kind, following responses
// seen through the chain from first use on.
func (a *Agent) Snapshot(kind model.Kind) *snapshot.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.snapshots[kind.Name]
	if !ok {
		s = snapshot.New(kind.Name)
		a.snapshots[kind.Name] = s
		a.stops = append(a.stops, snapshot.Follow(a.chain, kind, s))
	}
	return s
}

// Synchronizer binds view to this agent's handshake and kind checker.
func (a *Agent) Synchronizer(view presentation.View, kind model.Kind, idRole string) (*presentation.Synchronizer, error) {
	c, err := a.Checker(kind)
	if err != nil {
		return nil, err
	}
	return &presentation.Synchronizer{
		View:      view,
		IDRole:    idRole,
		Handshake: a.once,
		Checker:   c,
		Logger:    a.logger,
	}, nil
}

// Close stops snapshot following and refiltering and uninstalls filters.
// The wrapped endpoint is left open.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	stops, installs := a.stops, a.installs
	a.stops, a.installs = nil, nil
	a.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, in := range installs {
		in.Close()
	}
}
