// Package client attaches to a remote bus over gRPC and presents it as a
// local bus.Endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	busv1 "github.com/ppiankov/rowguard/api/bus/v1"
	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

// Client is one remote bus context.
type Client struct {
	conn   *grpc.ClientConn
	stream busv1.Bus_AttachClient
	cancel context.CancelFunc
	logger *slog.Logger

	sendMu sync.Mutex

	mu        sync.Mutex
	listeners map[uint64]bus.Listener
	nextID    uint64
	err       error
	done      chan struct{}
}

// Option configures Dial.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial attaches to channel on the bus server at addr. The stream stays
// open until Close or a transport failure.
func Dial(ctx context.Context, addr, channel string, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus server: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, busv1.ChannelMetadataKey, channel)

	c := &Client{
		conn:      conn,
		cancel:    cancel,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		listeners: make(map[uint64]bus.Listener),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	// Block on the stream opening, bounded by ctx.
	opened := make(chan error, 1)
	go func() {
		stream, err := busv1.NewBusClient(conn).Attach(streamCtx, grpc.WaitForReady(true))
		c.stream = stream
		opened <- err
	}()
	select {
	case err = <-opened:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("attach %s/%s: %w: %v", addr, channel, model.ErrTransport, err)
	}

	go c.recvLoop()
	return c, nil
}

// Post sends msg to every other context on the channel.
func (c *Client) Post(msg model.Message) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("post %q: %w", msg.Action(), err)
	}
	frame, err := busv1.Encode(msg)
	if err != nil {
		return fmt.Errorf("post %q: %w", msg.Action(), err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.Send(frame); err != nil {
		return fmt.Errorf("post %q: %w: %v", msg.Action(), model.ErrTransport, err)
	}
	return nil
}

// Subscribe registers l for messages from other contexts. Listeners run
// one at a time on the receive goroutine.
func (c *Client) Subscribe(l bus.Listener) func() {
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

func (c *Client) recvLoop() {
	defer close(c.done)
	for {
		frame, err := c.stream.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		msg := busv1.Decode(frame)

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

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		c.err = fmt.Errorf("bus stream closed: %w", model.ErrTransport)
	} else {
		c.err = fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	c.logger.Debug("bus stream ended", "error", err)
}

// Err returns the transport error once the stream has ended, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the stream ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the stream and the connection.
func (c *Client) Close() error {
	c.sendMu.Lock()
	c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	<-c.done
	return c.conn.Close()
}

var _ bus.Endpoint = (*Client)(nil)
