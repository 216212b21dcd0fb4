package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/agent"
	"github.com/ppiankov/rowguard/internal/client"
	"github.com/ppiankov/rowguard/internal/data"
)

const dialTimeout = 5 * time.Second

var (
	serverAddr string
	dataURL    string
)

// addConnectFlags registers the flags shared by commands that join a
// remote channel as a page context.
func addConnectFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverAddr, "server", "", "Hub gRPC address (default from config)")
	cmd.Flags().StringVar(&dataURL, "data-url", "", "Data service URL for lookup filters (default: read data.dir locally)")
}

// session is one remote page context.
type session struct {
	conn  *client.Client
	agent *agent.Agent
}

func (s *session) Close() {
	s.agent.Close()
	s.conn.Close()
}

func connect(ctx context.Context, logger *slog.Logger) (*session, error) {
	addr := firstNonEmpty(serverAddr, cfg.Server)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := client.Dial(dialCtx, addr, cfg.Channel, client.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	opts := agent.FromConfig(cfg)
	opts.Logger = logger
	if dataURL != "" {
		opts.Source = data.NewClient(dataURL)
	} else {
		store, err := data.Load(cfg.Data.Dir)
		if err != nil {
			conn.Close()
			return nil, err
		}
		opts.Source = store
	}

	a, err := agent.New(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("install filters: %w", err)
	}
	return &session{conn: conn, agent: a}, nil
}
