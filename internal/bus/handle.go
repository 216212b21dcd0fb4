package bus

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ppiankov/rowguard/internal/model"
)

// Handle is one context's attachment to a channel. Incoming messages are
// queued without bound and dispatched by a single goroutine, so the
// listeners of one handle never run concurrently with each other.
type Handle struct {
	hub *Hub
	ch  *channel
	id  uint64

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextSub   uint64
	queue     []model.Message
	wake      chan struct{}
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newHandle(hub *Hub, ch *channel, id uint64) *Handle {
	hd := &Handle{
		hub:       hub,
		ch:        ch,
		id:        id,
		listeners: make(map[uint64]Listener),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go hd.loop()
	return hd
}

// Channel returns the name this handle is attached to.
func (hd *Handle) Channel() string { return hd.ch.name }

// Post broadcasts msg to every other handle on the channel. The sender's
// own listeners never observe it.
func (hd *Handle) Post(msg model.Message) error {
	hd.mu.Lock()
	closed := hd.closed
	hd.mu.Unlock()
	if closed {
		return fmt.Errorf("post %q: %w", msg.Action(), model.ErrTransport)
	}
	if _, err := msg.Clone(); err != nil {
		return fmt.Errorf("post %q: %w", msg.Action(), err)
	}
	hd.ch.broadcast(hd.id, msg)
	return nil
}

// Subscribe registers l for every message from other handles.
func (hd *Handle) Subscribe(l Listener) func() {
	hd.mu.Lock()
	if hd.closed {
		hd.mu.Unlock()
		return func() {}
	}
	hd.nextSub++
	id := hd.nextSub
	hd.listeners[id] = l
	hd.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hd.mu.Lock()
			delete(hd.listeners, id)
			hd.mu.Unlock()
		})
	}
}

// Done is closed once the handle is detached, by Close or by the hub
// shutting down.
func (hd *Handle) Done() <-chan struct{} { return hd.done }

// Listeners returns the number of registered listeners.
func (hd *Handle) Listeners() int {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	return len(hd.listeners)
}

// Close detaches the handle. Queued but undelivered messages are dropped.
func (hd *Handle) Close() error {
	hd.closeOnce.Do(func() {
		hd.mu.Lock()
		hd.closed = true
		hd.queue = nil
		hd.listeners = make(map[uint64]Listener)
		hd.mu.Unlock()
		close(hd.done)
		hd.hub.detach(hd)
	})
	return nil
}

func (hd *Handle) enqueue(msg model.Message) {
	hd.mu.Lock()
	if hd.closed {
		hd.mu.Unlock()
		return
	}
	hd.queue = append(hd.queue, msg)
	hd.mu.Unlock()

	select {
	case hd.wake <- struct{}{}:
	default:
	}
}

func (hd *Handle) loop() {
	for {
		select {
		case <-hd.done:
			return
		case <-hd.wake:
		}
		for {
			hd.mu.Lock()
			if hd.closed || len(hd.queue) == 0 {
				hd.mu.Unlock()
				break
			}
			msg := hd.queue[0]
			hd.queue[0] = nil
			hd.queue = hd.queue[1:]
			ls := make([]Listener, 0, len(hd.listeners))
			// Registration order.
			for _, id := range slices.Sorted(maps.Keys(hd.listeners)) {
				ls = append(ls, hd.listeners[id])
			}
			hd.mu.Unlock()

			for _, l := range ls {
				l(msg)
			}
		}
	}
}
