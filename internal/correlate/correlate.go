// Package correlate sends batch authorization queries over the bus and
// pairs them with the responder's answers.
package correlate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

// Mode selects how a response is matched to its request.
type Mode int

const (
	// ModeCorrelated tags each request with a request_id and accepts only
	// the response echoing it. Concurrent queries pair correctly.
	ModeCorrelated Mode = iota

	// ModeLegacy matches on the response tag alone, for responders that do
	// not echo request_id. The first response of the tag resolves every
	// query pending on that tag, whichever request it answered.
	ModeLegacy
)

func (m Mode) String() string {
	switch m {
	case ModeCorrelated:
		return "correlated"
	case ModeLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParseMode parses "correlated" or "legacy". Empty means correlated.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "correlated":
		return ModeCorrelated, nil
	case "legacy":
		return ModeLegacy, nil
	default:
		return 0, fmt.Errorf("unknown correlation mode %q", s)
	}
}

// Correlator issues check_X queries for one record kind.
type Correlator struct {
	ep     bus.Endpoint
	kind   model.Kind
	mode   Mode
	logger *slog.Logger
	newID  func() string
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithMode sets the matching mode.
func WithMode(m Mode) Option {
	return func(c *Correlator) { c.mode = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Correlator for kind over ep.
func New(ep bus.Endpoint, kind model.Kind, opts ...Option) *Correlator {
	c := &Correlator{
		ep:     ep,
		kind:   kind,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Kind returns the record kind this correlator queries.
func (c *Correlator) Kind() model.Kind { return c.kind }

type outcome struct {
	ids []string
	err error
}

// CheckBatch asks the responder which of ids are admissible and returns
// that subset. Order is not guaranteed to follow ids. Cancelling ctx stops
// listening; it cannot halt the responder. If the endpoint detaches before
// the answer arrives the call fails with ErrTransport.
func (c *Correlator) CheckBatch(ctx context.Context, ids []string) ([]string, error) {
	if !c.kind.Queryable() {
		return nil, fmt.Errorf("check %s: kind has no request action", c.kind.Name)
	}

	var reqID string
	if c.mode == ModeCorrelated {
		reqID = c.newID()
	}

	// Listen before posting so a fast responder cannot be missed.
	res := make(chan outcome, 1)
	unsubscribe := c.ep.Subscribe(func(m model.Message) {
		if m.Action() != c.kind.Response {
			return
		}
		if reqID != "" && m.RequestID() != reqID {
			return
		}
		got, err := ParseResult(m)
		select {
		case res <- outcome{ids: got, err: err}:
		default:
		}
	})
	defer unsubscribe()

	payload := map[string]any{c.kind.Field: model.IDs(ids)}
	if reqID != "" {
		payload[model.KeyRequestID] = reqID
	}
	if err := c.ep.Post(model.NewMessage(c.kind.Request, payload)); err != nil {
		return nil, fmt.Errorf("check %s: %w", c.kind.Name, err)
	}
	c.logger.Debug("query sent", "kind", c.kind.Name, "ids", len(ids), "request_id", reqID, "mode", c.mode.String())

	select {
	case o := <-res:
		if o.err != nil {
			return nil, fmt.Errorf("check %s: %w", c.kind.Name, o.err)
		}
		c.logger.Debug("query answered", "kind", c.kind.Name, "admitted", len(o.ids), "request_id", reqID)
		return o.ids, nil
	case <-bus.DoneOf(c.ep):
		// An answer delivered just before the detach still counts.
		select {
		case o := <-res:
			if o.err == nil {
				return o.ids, nil
			}
		default:
		}
		return nil, fmt.Errorf("check %s: endpoint detached: %w", c.kind.Name, model.ErrTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ParseResult extracts the admissible ids from a response. The result may
// be a sequence of ids or records, or a mapping of id to admissibility.
func ParseResult(m model.Message) ([]string, error) {
	raw, ok := m[model.KeyResult]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%s without result: %w", m.Action(), model.ErrMalformedResponse)
	}

	switch r := raw.(type) {
	case []any:
		out := make([]string, 0, len(r))
		for _, e := range r {
			id := model.RecordFrom(e).ID()
			if id == "" {
				return nil, fmt.Errorf("%s result element %v has no id: %w", m.Action(), e, model.ErrMalformedResponse)
			}
			out = append(out, id)
		}
		return out, nil
	case []string:
		return slices.Clone(r), nil
	case map[string]any:
		out := make([]string, 0, len(r))
		for id, v := range r {
			if b, ok := v.(bool); ok && b {
				out = append(out, id)
			}
		}
		slices.Sort(out)
		return out, nil
	default:
		return nil, fmt.Errorf("%s result has type %T: %w", m.Action(), raw, model.ErrMalformedResponse)
	}
}
