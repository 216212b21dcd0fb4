package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/data"
)

var (
	dataAddr string
	dataDir  string
)

func init() {
	rootCmd.AddCommand(dataCmd)
	dataCmd.Flags().StringVar(&dataAddr, "addr", "", "Listen address (default from config)")
	dataCmd.Flags().StringVar(&dataDir, "dir", "", "Directory of collection JSON files (default from config)")
}

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Serve read-only record collections over HTTP",
	Long: "Serves brands, loans, messages, queues, statistics and users from JSON\n" +
		"files. Lookup filters resolve id-only sequences against this service.",
	RunE: runData,
}

func runData(cmd *cobra.Command, args []string) error {
	addr := firstNonEmpty(dataAddr, cfg.Data.Addr)
	dir := firstNonEmpty(dataDir, cfg.Data.Dir)

	store, err := data.Load(dir)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           data.NewRouter(store, newLogger()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		stderrf("\nShutting down data service...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	stderrf("rowguard data service listening on %s (dir %s)\n", addr, dir)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("data service: %w", err)
	}
	return nil
}
