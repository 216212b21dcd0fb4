// Package server exposes a bus hub over gRPC so contexts in other
// processes can attach to its channels.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	busv1 "github.com/ppiankov/rowguard/api/bus/v1"
	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

// DefaultChannel is used when a stream names no channel.
const DefaultChannel = "rowguard"

// Config holds gRPC server configuration.
type Config struct {
	Addr           string
	DefaultChannel string
	Logger         *slog.Logger
}

// Server implements the rowguard.v1.Bus service over a hub.
type Server struct {
	hub        *bus.Hub
	cfg        Config
	logger     *slog.Logger
	grpcServer *grpc.Server
}

// New creates a gRPC server for hub.
func New(hub *bus.Hub, cfg Config) *Server {
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		hub:        hub,
		cfg:        cfg,
		logger:     logger,
		grpcServer: grpc.NewServer(),
	}
	busv1.RegisterBusServer(s.grpcServer, s)
	return s
}

// Serve listens on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on lis. Blocks until stopped.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("grpc bridge listening", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// GracefulStop waits for open streams to finish.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// Stop closes all streams immediately.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// Attach implements the Attach stream: one hub handle per stream. Frames
// received are posted to the channel; messages from other contexts are
// sent back.
func (s *Server) Attach(stream busv1.Bus_AttachServer) error {
	channel := channelFrom(stream.Context(), s.cfg.DefaultChannel)
	handle, err := s.hub.Attach(channel)
	if err != nil {
		return status.Errorf(codes.Unavailable, "attach %q: %v", channel, err)
	}
	defer handle.Close()

	from := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok {
		from = p.Addr.String()
	}
	s.logger.Debug("stream attached", "channel", channel, "peer", from)
	defer s.logger.Debug("stream detached", "channel", channel, "peer", from)

	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	// Runs on the handle's delivery goroutine, so Send is never concurrent.
	unsubscribe := handle.Subscribe(func(m model.Message) {
		if ctx.Err() != nil {
			return
		}
		frame, err := busv1.Encode(m)
		if err != nil {
			s.logger.Warn("drop unencodable message", "action", string(m.Action()), "error", err)
			return
		}
		if err := stream.Send(frame); err != nil {
			cancel(fmt.Errorf("send: %w", err))
		}
	})
	defer unsubscribe()

	recvErr := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			if s.logger.Enabled(ctx, slog.LevelDebug) {
				s.logger.Debug("frame received", "channel", channel, "peer", from, "frame", protojson.Format(frame))
			}
			if err := handle.Post(busv1.Decode(frame)); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	select {
	case <-handle.Done():
		return status.Error(codes.Unavailable, "bus closed")
	case err := <-recvErr:
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, model.ErrTransport) {
			return status.Errorf(codes.Unavailable, "%v", err)
		}
		return err
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return status.Errorf(codes.Unavailable, "%v", cause)
		}
		return nil
	}
}

func channelFrom(ctx context.Context, fallback string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fallback
	}
	if v := md.Get(busv1.ChannelMetadataKey); len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return fallback
}
