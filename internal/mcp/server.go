// Package mcp exposes a rowguard agent as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/rowguard/internal/agent"
)

// Config holds MCP server configuration.
type Config struct {
	Agent   *agent.Agent
	Version string
	Logger  *slog.Logger
}

// Server wraps the MCP SDK server around one agent.
type Server struct {
	mcpServer *mcpsdk.Server
	agent     *agent.Agent
	logger    *slog.Logger
}

// New creates an MCP server with the rowguard tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("mcp server needs an agent")
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{agent: cfg.Agent, logger: logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "rowguard",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on stdio. Blocks until ctx is cancelled or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rowguard_ping",
		Description: "Probe the bus for the privileged responder. Reports whether it answered.",
	}, s.handlePing)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rowguard_check",
		Description: "Ask the privileged responder which ids of a record kind (numbers, loans, messages, queues) are admissible.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rowguard_filters",
		Description: "List the interception filters installed on this context, in application order.",
	}, s.handleFilters)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rowguard_snapshot",
		Description: "Return the locally cached record set of a kind (e.g. brands) after filtering.",
	}, s.handleSnapshot)
}
