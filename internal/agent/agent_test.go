package agent

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/config"
	"github.com/ppiankov/rowguard/internal/handshake"
	"github.com/ppiankov/rowguard/internal/model"
	"github.com/ppiankov/rowguard/internal/presentation"
	"github.com/ppiankov/rowguard/internal/responder"
)

type memStore map[string][]string

func (s memStore) Admissible(_ context.Context, k model.Kind, ids []string) ([]string, error) {
	granted := make(map[string]bool)
	for _, id := range s[k.Name] {
		granted[id] = true
	}
	var out []string
	for _, id := range ids {
		if granted[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s memStore) List(_ context.Context, k model.Kind) ([]string, error) { return s[k.Name], nil }

type staticSource map[string]map[string]model.Record

func (s staticSource) Lookup(_ context.Context, name string) (map[string]model.Record, error) {
	idx, ok := s[name]
	if !ok {
		return nil, errors.New("no such collection")
	}
	return idx, nil
}

var loansSource = staticSource{"loans": {
	"2": {"number": "2", "restricted": true},
	"3": {"number": "3", "restricted": false},
}}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// setup returns a page handle and the responder on a second handle.
func setup(t *testing.T, grants memStore) (*bus.Handle, *responder.Responder) {
	t.Helper()
	hub := bus.NewHub()
	priv, err := hub.Attach("rowguard")
	if err != nil {
		t.Fatal(err)
	}
	page, err := hub.Attach("rowguard")
	if err != nil {
		t.Fatal(err)
	}
	r := responder.New(priv, responder.Config{Store: grants})
	r.Start()
	t.Cleanup(func() {
		r.Stop()
		hub.Close()
	})
	return page, r
}

func newAgent(t *testing.T, ep bus.Endpoint, opts Options) *Agent {
	t.Helper()
	if opts.Handshake.InitialDelay == 0 {
		opts.Handshake = handshake.Config{MaxRetries: 3, InitialDelay: 50 * time.Millisecond}
	}
	a, err := New(ctxT(t), ep, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestCheckAppliesLookupFilter(t *testing.T) {
	page, _ := setup(t, memStore{"loans": {"1", "2", "3"}})
	a := newAgent(t, page, Options{
		Filters: config.Default().Filters,
		Source:  loansSource,
	})

	got, err := a.Check(ctxT(t), model.KindLoans, []string{"1", "2", "3", "4"})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Errorf("got %v, want [1 3]", got)
	}
}

func TestCheckWithoutFilters(t *testing.T) {
	page, _ := setup(t, memStore{"messages": {"m1", "m2"}})
	a := newAgent(t, page, Options{})

	got, err := a.Check(ctxT(t), model.KindMessages, []string{"m2", "m3"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"m2"}) {
		t.Errorf("got %v", got)
	}
	if len(a.Chain().Filters()) != 0 {
		t.Errorf("filters = %v", a.Chain().Filters())
	}
}

func TestSnapshotFilteredOnPush(t *testing.T) {
	page, r := setup(t, memStore{"brands": {"b1", "b2", "b3"}})
	a := newAgent(t, page, Options{Filters: config.Default().Filters, Source: loansSource})
	store := a.Snapshot(model.KindBrands)

	err := r.PushBrands(context.Background(), []model.Record{
		{"id": "b1", "onshore": true},
		{"id": "b2", "onshore": false},
		{"id": "b3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-store.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("snapshot never published")
	}
	recs, _, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, rec := range recs {
		ids = append(ids, rec.ID())
	}
	if !reflect.DeepEqual(ids, []string{"b2", "b3"}) {
		t.Errorf("snapshot ids = %v, want [b2 b3]", ids)
	}
}

func TestSnapshotIsShared(t *testing.T) {
	page, _ := setup(t, memStore{})
	a := newAgent(t, page, Options{})
	if a.Snapshot(model.KindBrands) != a.Snapshot(model.KindBrands) {
		t.Error("snapshot store recreated")
	}
}

func TestLookupWithoutSource(t *testing.T) {
	page, _ := setup(t, memStore{})
	_, err := New(ctxT(t), page, Options{Filters: config.Default().Filters})
	if err == nil || !strings.Contains(err.Error(), "data source") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildFilterErrors(t *testing.T) {
	tests := []struct {
		name string
		rule config.FilterRule
		want string
	}{
		{"unknown kind", config.FilterRule{Name: "x", Kind: "salaries", Field: "a"}, "unknown record kind"},
		{"no field", config.FilterRule{Name: "x", Kind: "loans"}, "no field"},
		{"missing collection", config.FilterRule{Name: "x", Kind: "loans", Field: "a", Lookup: "queues"}, "no such collection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildFilter(context.Background(), tt.rule, loansSource)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestBuildFilterPredicate(t *testing.T) {
	f, err := BuildFilter(context.Background(), config.FilterRule{
		Name: "open", Kind: "queues", Field: "state", Equals: "open",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Predicate(model.Record{"id": "q1", "state": "open"}) {
		t.Error("open queue rejected")
	}
	if f.Predicate(model.Record{"id": "q2", "state": "closed"}) {
		t.Error("closed queue kept")
	}
	if len(f.Rules) != 2 {
		t.Errorf("rules = %v", f.Rules)
	}
}

func TestCheckerRejectsBrands(t *testing.T) {
	page, _ := setup(t, memStore{})
	a := newAgent(t, page, Options{})
	if _, err := a.Checker(model.KindBrands); err == nil {
		t.Error("brands are push-only")
	}
}

func TestHandshakeFailsWithoutResponder(t *testing.T) {
	hub := bus.NewHub()
	defer hub.Close()
	page, err := hub.Attach("empty")
	if err != nil {
		t.Fatal(err)
	}
	a := newAgent(t, page, Options{Handshake: handshake.Config{MaxRetries: 2, InitialDelay: 10 * time.Millisecond}})
	if err := a.Handshake(ctxT(t)); !errors.Is(err, model.ErrListenerNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestSynchronizerRedactsView(t *testing.T) {
	page, _ := setup(t, memStore{"loans": {"1", "2", "3"}})
	a := newAgent(t, page, Options{Filters: config.Default().Filters, Source: loansSource})

	view := presentation.NewTable()
	for _, id := range []string{"1", "2", "3", "4"} {
		view.Append(presentation.NewRow(map[string]string{"loan-number": id}))
	}
	s, err := a.Synchronizer(view, model.KindLoans, "loan-number")
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Sync(ctxT(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 2 {
		t.Errorf("removed %d", res.Removed)
	}
	if got := view.Values("loan-number"); !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Errorf("rows = %v", got)
	}
	if view.Pending() {
		t.Error("view left pending")
	}
}

func TestCloseUninstalls(t *testing.T) {
	page, _ := setup(t, memStore{})
	a, err := New(ctxT(t), page, Options{Filters: config.Default().Filters, Source: loansSource})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(a.Chain().Filters()); n != 2 {
		t.Fatalf("installed %d filters", n)
	}
	a.Close()
	a.Close()
	if n := len(a.Chain().Filters()); n != 0 {
		t.Errorf("%d filters after Close", n)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Correlation = "legacy"
	opts := FromConfig(cfg)
	if opts.Handshake.MaxRetries != 5 || opts.Handshake.InitialDelay != 100*time.Millisecond {
		t.Errorf("handshake = %+v", opts.Handshake)
	}
	if opts.Mode.String() != "legacy" || len(opts.Filters) != 2 {
		t.Errorf("opts = %+v", opts)
	}
}
