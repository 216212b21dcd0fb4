// Package responder is a reference privileged responder: it answers
// discovery pings and batch checks on a bus from an authorization store,
// and pushes unsolicited brand lists.
package responder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ppiankov/rowguard/internal/audit"
	"github.com/ppiankov/rowguard/internal/authz"
	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

// Config configures a Responder.
type Config struct {
	Store authz.Store

	// Audit, if set, receives one entry per decision.
	Audit *audit.Log
	// Channel is recorded in audit entries.
	Channel string

	// LegacyReplies omits the request_id echo, as an unmodified responder
	// would.
	LegacyReplies bool
	// MappingResults answers with an id→bool mapping instead of the
	// admissible subset.
	MappingResults bool

	Logger *slog.Logger
}

// Responder answers requests seen on one endpoint.
type Responder struct {
	ep     bus.Endpoint
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// New creates a responder. Call Start to begin answering.
func New(ep bus.Endpoint, cfg Config) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Responder{ep: ep, cfg: cfg, logger: logger}
}

// Start subscribes to the endpoint. Calling it twice is a no-op.
func (r *Responder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.unsubscribe = r.ep.Subscribe(r.handle)
}

// Stop unsubscribes.
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

// Run answers until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	r.Start()
	defer r.Stop()
	<-ctx.Done()
	return nil
}

func (r *Responder) handle(m model.Message) {
	action := m.Action()
	if action == model.ActionPing {
		r.reply(model.NewMessage(model.ActionPong, nil), audit.Entry{Action: string(action), Decision: audit.DecisionPong})
		return
	}
	kind, ok := model.KindForRequest(action)
	if !ok {
		return
	}
	r.answer(context.Background(), kind, m)
}

func (r *Responder) answer(ctx context.Context, kind model.Kind, m model.Message) {
	entry := audit.Entry{
		Action:    string(kind.Request),
		Kind:      kind.Name,
		RequestID: m.RequestID(),
		Decision:  audit.DecisionAnswer,
	}
	payload := map[string]any{}
	if !r.cfg.LegacyReplies && m.RequestID() != "" {
		payload[model.KeyRequestID] = m.RequestID()
	}

	seq, ok := m.Sequence(kind.Field)
	if !ok {
		// Answer anyway so the caller is not left waiting; nothing admitted.
		payload[model.KeyResult] = []any{}
		entry.Decision = audit.DecisionError
		entry.Reason = fmt.Sprintf("request without %s sequence", kind.Field)
		r.reply(model.NewMessage(kind.Response, payload), entry)
		return
	}

	ids := make([]string, 0, len(seq))
	for _, e := range seq {
		if id := model.RecordFrom(e).ID(); id != "" {
			ids = append(ids, id)
		}
	}
	admitted, err := r.cfg.Store.Admissible(ctx, kind, ids)
	if err != nil {
		// Fail closed.
		admitted = nil
		entry.Decision = audit.DecisionError
		entry.Reason = err.Error()
		r.logger.Warn("authorization lookup failed", "kind", kind.Name, "error", err)
	}

	entry.Requested = len(ids)
	entry.Admitted = len(admitted)
	entry.Denied = difference(ids, admitted)

	if r.cfg.MappingResults {
		granted := make(map[string]bool, len(admitted))
		for _, id := range admitted {
			granted[id] = true
		}
		mapping := make(map[string]any, len(ids))
		for _, id := range ids {
			mapping[id] = granted[id]
		}
		payload[model.KeyResult] = mapping
	} else {
		payload[model.KeyResult] = model.IDs(admitted)
	}
	r.reply(model.NewMessage(kind.Response, payload), entry)
}

// PushBrands posts the admissible subset of brands as an unsolicited
// response_brands message.
func (r *Responder) PushBrands(ctx context.Context, brands []model.Record) error {
	ids := make([]string, 0, len(brands))
	for _, b := range brands {
		ids = append(ids, b.ID())
	}
	admitted, err := r.cfg.Store.Admissible(ctx, model.KindBrands, ids)
	if err != nil {
		return fmt.Errorf("push brands: %w", err)
	}
	granted := make(map[string]bool, len(admitted))
	for _, id := range admitted {
		granted[id] = true
	}
	result := make([]any, 0, len(admitted))
	for _, b := range brands {
		if granted[b.ID()] {
			result = append(result, map[string]any(b))
		}
	}

	msg := model.NewMessage(model.ActionResponseBrands, map[string]any{model.KeyResult: result})
	if err := r.ep.Post(msg); err != nil {
		return fmt.Errorf("push brands: %w", err)
	}
	r.record(audit.Entry{
		Action:    string(model.ActionResponseBrands),
		Kind:      model.KindBrands.Name,
		Decision:  audit.DecisionPush,
		Requested: len(ids),
		Admitted:  len(result),
	})
	return nil
}

func (r *Responder) reply(msg model.Message, entry audit.Entry) {
	// Log before the peer can observe the reply.
	r.record(entry)
	if err := r.ep.Post(msg); err != nil {
		r.logger.Warn("reply failed", "action", string(msg.Action()), "error", err)
		r.record(audit.Entry{Action: entry.Action, Kind: entry.Kind, RequestID: entry.RequestID,
			Decision: audit.DecisionError, Reason: err.Error()})
		return
	}
	r.logger.Debug("answered", "action", entry.Action, "decision", entry.Decision,
		"requested", entry.Requested, "admitted", entry.Admitted)
}

func (r *Responder) record(e audit.Entry) {
	if r.cfg.Audit == nil {
		return
	}
	e.Channel = r.cfg.Channel
	if err := r.cfg.Audit.Record(e); err != nil {
		r.logger.Error("audit write failed", "error", err)
	}
}

func difference(all, keep []string) []string {
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	var out []string
	for _, id := range all {
		if !kept[id] {
			out = append(out, id)
		}
	}
	return out
}
