package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/jeremieb/developer-diary/internal/api"
	"github.com/jeremieb/developer-diary/internal/artifact"
	"github.com/jeremieb/developer-diary/internal/config"
	"github.com/jeremieb/developer-diary/internal/engine"
	"github.com/jeremieb/developer-diary/internal/journal"
	"github.com/jeremieb/developer-diary/internal/preview"
	"github.com/jeremieb/developer-diary/internal/renderer"
	"github.com/jeremieb/developer-diary/internal/storage"
	"github.com/jeremieb/developer-diary/internal/worker"
)

// warmCount is how many recent entries get their previews resolved at startup.
const warmCount = 20

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the diary server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running diary server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show diary server and render engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "diary.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// durationOr parses s, falling back to def with a warning when s is invalid.
func durationOr(name, s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", name, "value", s, "default", def, "error", err)
		return def
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "diary version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	strategy, err := engine.ParseStrategy(cfg.Engine.Strategy)
	if err != nil {
		return err
	}
	preset, err := preview.PresetByName(cfg.Preview.Preset)
	if err != nil {
		return err
	}
	genTimeout := durationOr("preview.timeout", cfg.Preview.Timeout, 60*time.Second)
	sweepEvery := durationOr("preview.sweep_interval", cfg.Preview.SweepInterval, time.Hour)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Render engine.
	rc := renderer.New(cfg.Engine.BaseURL)
	handle := engine.NewHandle(engine.RemoteFactory(rc, cfg.Engine.License, cfg.Engine.UserID), engine.HandleConfig{
		Strategy: strategy,
		PoolSize: cfg.Engine.PoolSize,
		Logger:   slog.Default().With("component", "engine"),
	})
	defer func() {
		if err := handle.Close(); err != nil {
			slog.Warn("closing render engines", "error", err)
		}
	}()
	if err := engine.EnsureReady(ctx, rc, handle, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	files := artifact.New(cfg.PreviewDir())
	files.SetLogger(slog.Default().With("component", "artifact"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := preview.NewPrometheusObserver("diary_preview", reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	cache := preview.New(handle, files, store, preview.Config{
		Preset:   preset,
		Timeout:  genTimeout,
		Logger:   slog.Default().With("component", "preview"),
		Observer: observer,
	})
	// Closed before the handle so no generation acquires an engine after shutdown.
	defer cache.Close()

	warmLimit := 1
	if strategy == engine.StrategyPooled && cfg.Engine.PoolSize > 1 {
		warmLimit = cfg.Engine.PoolSize
	}
	diary := journal.NewService(store, cache, files, warmLimit)
	diary.SetLogger(slog.Default().With("component", "journal"))

	go diary.RunSweeper(ctx, sweepEvery)
	go func() {
		if err := diary.Warm(ctx, warmCount); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("warming previews failed", "error", err)
		}
	}()

	w := worker.NewWorker(store, cache, 500*time.Millisecond)
	w.SetLogger(slog.Default().With("component", "worker"))
	go w.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{Journal: diary})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	srv := &http.Server{
		Handler: api.NewAppHandler(api.AppDeps{
			Journal: diary,
			Token:   apiToken,
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "diary listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("diary is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("could not stop diary (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to diary (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	if renderer.New(cfg.Engine.BaseURL).IsRunning(ctx) {
		printStatus("Render engine", "running at %s (%s)", cfg.Engine.BaseURL, cfg.Engine.Strategy)
	} else {
		printStatus("Render engine", "not reachable at %s", cfg.Engine.BaseURL)
	}
	printStatus("Preset", "%s", cfg.Preview.Preset)

	if running {
		if c, err := newAPIClient(); err == nil {
			if n, err := countEntries(ctx, c, 100); err == nil {
				printStatus("Entries", "%s", countLabel(n, 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countEntries(ctx context.Context, client *apiClient, limit int) (int, error) {
	resp, err := client.get(ctx, fmt.Sprintf("/records?limit=%d", limit))
	if err != nil {
		return 0, err
	}
	var recs []json.RawMessage
	if err := decodeJSON(resp, &recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return strconv.Itoa(count)
}
