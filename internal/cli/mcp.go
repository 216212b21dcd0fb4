package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	rowmcp "github.com/ppiankov/rowguard/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	addConnectFlags(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs rowguard as an MCP (Model Context Protocol) server over stdio,\n" +
		"attached to the configured channel as a page context.\n" +
		"Exposes tools: rowguard_ping, rowguard_check, rowguard_filters, rowguard_snapshot.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmdContext(cmd))
	defer cancel()

	logger := newLogger()
	sess, err := connect(ctx, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	srv, err := rowmcp.New(rowmcp.Config{Agent: sess.agent, Version: version, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			stderrf("\nShutting down MCP server...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	stderrf("rowguard MCP server running on stdio (channel %q)\n\n", cfg.Channel)
	return srv.Run(ctx)
}
