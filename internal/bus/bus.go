// Package bus is an in-process broadcast channel shared by every context
// attached under the same name. It has no addressing, no acknowledgement
// and no ordering across distinct senders. Delivery from one sender to
// one receiver is FIFO.
package bus

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ppiankov/rowguard/internal/model"
)

// Listener receives every message posted by other contexts.
type Listener func(model.Message)

// Endpoint is the capability every bridge component consumes: post to the
// bus and listen to it. Subscribe returns an idempotent unsubscribe func.
type Endpoint interface {
	Post(msg model.Message) error
	Subscribe(l Listener) (unsubscribe func())
}

// Detacher is implemented by endpoints that report when they stop
// delivering: a closed handle, a dropped stream.
type Detacher interface {
	Done() <-chan struct{}
}

// DoneOf returns ep's detach signal, or nil (never ready) when ep does not
// report one.
func DoneOf(ep Endpoint) <-chan struct{} {
	if d, ok := ep.(Detacher); ok {
		return d.Done()
	}
	return nil
}

// Hub is the process-wide registry of named channels.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	nextID   atomic.Uint64
	logger   *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		channels: make(map[string]*channel),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type channel struct {
	name    string
	mu      sync.RWMutex
	handles map[uint64]*Handle
}

// Attach joins the named channel and returns a handle owned by the caller.
// The handle must be closed to detach.
func (h *Hub) Attach(name string) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("attach: empty channel name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("attach %q: %w", name, model.ErrTransport)
	}

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{name: name, handles: make(map[uint64]*Handle)}
		h.channels[name] = ch
	}

	hd := newHandle(h, ch, h.nextID.Add(1))
	ch.mu.Lock()
	ch.handles[hd.id] = hd
	ch.mu.Unlock()

	h.logger.Debug("bus attach", "channel", name, "handle", hd.id)
	return hd, nil
}

// Attached returns the number of handles on the named channel.
func (h *Hub) Attached(name string) int {
	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.handles)
}

// Close detaches every handle. Later posts fail with ErrTransport.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Handle
	for _, ch := range h.channels {
		ch.mu.RLock()
		for _, hd := range ch.handles {
			all = append(all, hd)
		}
		ch.mu.RUnlock()
	}
	h.mu.Unlock()

	for _, hd := range all {
		hd.Close()
	}
}

func (h *Hub) detach(hd *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := hd.ch
	ch.mu.Lock()
	delete(ch.handles, hd.id)
	empty := len(ch.handles) == 0
	ch.mu.Unlock()

	if empty && h.channels[ch.name] == ch {
		delete(h.channels, ch.name)
	}
	h.logger.Debug("bus detach", "channel", ch.name, "handle", hd.id)
}

// broadcast hands msg to every handle on ch except the sender.
func (ch *channel) broadcast(from uint64, msg model.Message) {
	ch.mu.RLock()
	targets := make([]*Handle, 0, len(ch.handles))
	for id, hd := range ch.handles {
		if id != from {
			targets = append(targets, hd)
		}
	}
	ch.mu.RUnlock()

	for _, hd := range targets {
		// Every receiver gets its own structured copy.
		c, err := msg.Clone()
		if err != nil {
			continue
		}
		hd.enqueue(c)
	}
}
