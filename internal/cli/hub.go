package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/audit"
	"github.com/ppiankov/rowguard/internal/authz"
	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
	"github.com/ppiankov/rowguard/internal/responder"
	"github.com/ppiankov/rowguard/internal/server"
	"github.com/ppiankov/rowguard/internal/wsbridge"
)

var (
	hubGRPCAddr      string
	hubHTTPAddr      string
	hubGrants        string
	hubGrantsDB      string
	hubAuditLog      string
	hubBrands        string
	hubBrandsEvery   time.Duration
	hubLegacyReplies bool
)

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.Flags().StringVar(&hubGRPCAddr, "grpc-addr", "", "gRPC listen address (default from config)")
	hubCmd.Flags().StringVar(&hubHTTPAddr, "http-addr", "", "WebSocket listen address (default from config)")
	hubCmd.Flags().StringVar(&hubGrants, "grants", "", "Grants YAML for the reference responder (hot-reloaded)")
	hubCmd.Flags().StringVar(&hubGrantsDB, "grants-db", "", "Grants SQLite database for the reference responder")
	hubCmd.Flags().StringVar(&hubAuditLog, "audit-log", "", "Path to audit log JSONL file")
	hubCmd.Flags().StringVar(&hubBrands, "brands", "", "Brands JSON pushed to the channel periodically")
	hubCmd.Flags().DurationVar(&hubBrandsEvery, "brands-interval", 30*time.Second, "Brand push interval")
	hubCmd.Flags().BoolVar(&hubLegacyReplies, "legacy-replies", false, "Omit request_id in replies")
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the bus hub with gRPC and WebSocket bridges",
	Long: "Runs the broadcast bus. Remote contexts attach over gRPC (check, sync, mcp)\n" +
		"or WebSocket (/bus/{channel}). With --grants or --grants-db a reference\n" +
		"privileged responder answers pings and checks on the configured channel.",
	RunE: runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	grpcAddr := firstNonEmpty(hubGRPCAddr, cfg.Hub.GRPCAddr)
	httpAddr := firstNonEmpty(hubHTTPAddr, cfg.Hub.HTTPAddr)

	hub := bus.NewHub(bus.WithLogger(logger))
	defer hub.Close()

	ctx, cancel := context.WithCancel(cmdContext(cmd))
	defer cancel()

	stopResponder, err := startResponder(ctx, hub, logger)
	if err != nil {
		return err
	}
	defer stopResponder()

	grpcSrv := server.New(hub, server.Config{Addr: grpcAddr, DefaultChannel: cfg.Channel, Logger: logger})

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	(&wsbridge.Handler{
		Hub:            hub,
		DefaultChannel: cfg.Channel,
		AllowedOrigins: cfg.Hub.AllowedOrigins,
		Logger:         logger,
	}).Mount(router)
	httpSrv := &http.Server{Addr: httpAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve() }()
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stderrf("rowguard hub: grpc %s, websocket %s, channel %q\n", grpcAddr, httpAddr, cfg.Channel)

	var runErr error
	select {
	case <-sigCh:
		stderrf("\nShutting down hub...\n")
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	httpSrv.Shutdown(shutdownCtx)
	// Streams end when the hub closes, so stop rather than drain.
	grpcSrv.Stop()
	return runErr
}

// startResponder attaches the reference responder when grants are
// configured. The returned func releases everything it opened.
func startResponder(ctx context.Context, hub *bus.Hub, logger *slog.Logger) (func(), error) {
	grantsFile := firstNonEmpty(hubGrants, cfg.Hub.Grants)
	grantsDB := firstNonEmpty(hubGrantsDB, cfg.Hub.GrantsDB)
	if grantsFile == "" && grantsDB == "" {
		stderrf("No grants configured; responder disabled.\n")
		return func() {}, nil
	}
	if grantsFile != "" && grantsDB != "" {
		return nil, fmt.Errorf("--grants and --grants-db are mutually exclusive")
	}

	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var store authz.Store
	if grantsDB != "" {
		db, err := authz.OpenSQL(ctx, grantsDB)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { db.Close() })
		store = db
	} else {
		fs, err := authz.LoadFile(grantsFile)
		if err != nil {
			return nil, err
		}
		store = fs
		reloader, err := authz.NewReloader(fs)
		if err != nil {
			stderrf("warning: hot-reload disabled: %v\n", err)
		} else {
			reloader.Logger = logger
			go reloader.Run(ctx)
		}
	}

	var auditLog *audit.Log
	if path := firstNonEmpty(hubAuditLog, cfg.Hub.Audit); path != "" {
		l, err := audit.Open(path)
		if err != nil {
			release()
			return nil, err
		}
		closers = append(closers, func() { l.Close() })
		auditLog = l
	}

	priv, err := hub.Attach(cfg.Channel)
	if err != nil {
		release()
		return nil, err
	}
	closers = append(closers, func() { priv.Close() })

	resp := responder.New(priv, responder.Config{
		Store:         store,
		Audit:         auditLog,
		Channel:       cfg.Channel,
		LegacyReplies: hubLegacyReplies || cfg.Hub.LegacyReplies,
		Logger:        logger,
	})
	resp.Start()
	closers = append(closers, resp.Stop)

	if path := firstNonEmpty(hubBrands, cfg.Hub.BrandsFile); path != "" {
		brands, err := readRecords(path)
		if err != nil {
			release()
			return nil, err
		}
		go pushBrands(ctx, resp, brands, hubBrandsEvery, logger)
	}
	return release, nil
}

func pushBrands(ctx context.Context, resp *responder.Responder, brands []model.Record, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := resp.PushBrands(ctx, brands); err != nil {
			logger.Warn("brand push failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func readRecords(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var recs []model.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return recs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
