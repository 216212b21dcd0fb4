package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

// Conn is a bus context attached over WebSocket.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[uint64]bus.Listener
	nextID    uint64
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a bus URL such as ws://host:port/bus/rowguard.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", url, model.ErrTransport, err)
	}
	c := &Conn{
		ws:        ws,
		listeners: make(map[uint64]bus.Listener),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Post implements bus.Endpoint.
func (c *Conn) Post(msg model.Message) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("post %q: %w", msg.Action(), err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("post %q: message not serializable: %w", msg.Action(), err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("post %q: %w: %v", msg.Action(), model.ErrTransport, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("post %q: %w: %v", msg.Action(), model.ErrTransport, err)
	}
	return nil
}

// Subscribe implements bus.Endpoint.
func (c *Conn) Subscribe(l bus.Listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = fmt.Errorf("%w: %v", model.ErrTransport, err)
			}
			c.mu.Unlock()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
			continue
		}

		c.mu.Lock()
		ids := slices.Sorted(maps.Keys(c.listeners))
		c.mu.Unlock()
		for _, id := range ids {
			c.mu.Lock()
			l, ok := c.listeners[id]
			c.mu.Unlock()
			if ok {
				l(msg)
			}
		}
	}
}

// Err returns the transport error once the connection has ended.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears down the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.done
	})
	return err
}

var _ bus.Endpoint = (*Conn)(nil)
