package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pendergraft/veriforge/internal/config"
	"github.com/pendergraft/veriforge/internal/observability/metrics"
	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/server"
	"github.com/pendergraft/veriforge/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "veriforge-server",
		Short:   "Veriforge server - smart contract bytecode verification",
		Version: version,
	}

	// Default behavior (no subcommand) is to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newJobsCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect verification jobs",
	}

	cmd.AddCommand(newJobsSweepCmd())

	return cmd
}

func newJobsSweepCmd() *cobra.Command {
	var staleMinutes int
	var fail bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "List verification jobs whose worker stopped heartbeating",
		Long: `List unfinished jobs whose heartbeat is older than the staleness window.

These are jobs whose owning worker crashed or was killed; their contracts
are stuck pending. Pass --fail to move them to failed_build so the
addresses reach a terminal state.

EXAMPLES:
  # Show stale jobs
  veriforge-server jobs sweep

  # Fail out everything stale for over an hour
  veriforge-server jobs sweep --stale-minutes 60 --fail
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsSweep(staleMinutes, fail)
		},
	}

	cmd.Flags().IntVar(&staleMinutes, "stale-minutes", 30, "heartbeat age beyond which a job counts as stale")
	cmd.Flags().BoolVar(&fail, "fail", false, "transition stale jobs and their contracts to failed_build")

	return cmd
}

func runJobsSweep(staleMinutes int, fail bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.New(cfg.Storage, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(staleMinutes) * time.Minute)
	jobs, err := store.ListStaleJobs(context.Background(), cutoff)
	if err != nil {
		return fmt.Errorf("listing stale jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No stale jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tADDRESS\tWORKER\tSTARTED\tLAST HEARTBEAT")
	for _, j := range jobs {
		id := j.ID
		if len(id) > 8 {
			id = id[:8] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, j.Address, j.WorkerID, j.StartedAt, j.HeartbeatAt)
	}
	w.Flush()

	if !fail {
		fmt.Printf("\n%d stale job(s). Re-run with --fail to fail them out.\n", len(jobs))
		return nil
	}

	diagnostics := fmt.Sprintf("worker lost: no heartbeat since cutoff %s", cutoff.UTC().Format(time.RFC3339))
	var failed int
	for _, j := range jobs {
		if err := store.FinishJob(context.Background(), j.ID, storage.StatusFailedBuild, "", diagnostics); err != nil {
			fmt.Fprintf(os.Stderr, "finishing job %s: %v\n", j.ID, err)
			continue
		}
		err := store.FinalizeContract(context.Background(), j.Address, storage.StatusFailedBuild, "", "", diagnostics)
		if err != nil && !errors.Is(err, storage.ErrNotPending) {
			fmt.Fprintf(os.Stderr, "finalizing contract %s: %v\n", j.Address, err)
			continue
		}
		failed++
	}

	fmt.Printf("\nFailed out %d of %d stale job(s)\n", failed, len(jobs))
	return nil
}

// Server command

func runServe() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg)
	logger.Info("starting veriforge-server", "version", version)

	metrics.Init(cfg.Metrics.Enabled, "veriforge")

	// Load reference data
	snap, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	// Initialize storage
	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	// Run migrations
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Create server
	srv := server.New(cfg, store, snap, logger)

	// Create HTTP server with configurable timeouts
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig)
	}

	// Graceful shutdown: stop accepting requests, then drain running jobs.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("worker pool did not drain before deadline", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
