package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/credentialmate/rules/pkg/api"
	"github.com/credentialmate/rules/pkg/config"
	"github.com/credentialmate/rules/pkg/engine"
	"github.com/credentialmate/rules/pkg/observability"
	"github.com/credentialmate/rules/pkg/rulepack"
	"github.com/credentialmate/rules/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "run":
		return runEvalCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "rulesd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "rulesd - deterministic compliance rule evaluation")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  rulesd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    Run the HTTP server (default)")
	fmt.Fprintln(w, "  run      Evaluate snapshots from a JSON file or directory")
	fmt.Fprintln(w, "  export   Export an evidence pack from the execution log")
	fmt.Fprintln(w, "  verify   Verify the execution log hash chain")
	fmt.Fprintln(w, "  health   Check server health (HTTP)")
	fmt.Fprintln(w, "  version  Show version information")
	fmt.Fprintln(w, "  help     Show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStores builds the pack and window stores the config names. The
// returned closer releases any database handles.
func openStores(cfg *config.Config) (rulepack.Store, store.Store, func() error, error) {
	var closers []*sql.DB
	closeAll := func() error {
		var first error
		for _, db := range closers {
			if err := db.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	var packs rulepack.Store
	switch cfg.PackDriver {
	case "fs":
		packs = rulepack.NewFSStore(cfg.PackDir)
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("open pack db: %w", err)
		}
		db.SetMaxOpenConns(1)
		closers = append(closers, db)
		packs, err = rulepack.NewSQLStore(db)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("init pack store: %w", err)
		}
	}

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		st = store.NewMemoryStore()
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("open window db: %w", err)
		}
		db.SetMaxOpenConns(1)
		closers = append(closers, db)
		st, err = store.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("init window store: %w", err)
		}
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, nil, closeAll, fmt.Errorf("ping postgres: %w", err)
		}
		closers = append(closers, db)
		st, err = store.NewPostgresStore(db)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("init window store: %w", err)
		}
	}

	return packs, st, closeAll, nil
}

func runServer(stderr io.Writer) int {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)

	packs, st, closeStores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Store init error: %v\n", err)
		return 1
	}
	defer func() { _ = closeStores() }()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "rulesd",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Telemetry init error: %v\n", err)
		return 1
	}

	eng := engine.New(packs, st, logger)
	srv := api.NewServer(eng, packs, st, logger, obs)
	limiter := api.NewGlobalRateLimiter(int(cfg.RateLimitRPS), cfg.RateLimitBurst)
	defer limiter.Close()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"port", cfg.Port,
			"pack_driver", cfg.PackDriver,
			"store_driver", cfg.StoreDriver,
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(errOut, "Config error: %v\n", err)
		return 1
	}

	resp, err := http.Get("http://localhost:" + cfg.Port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
