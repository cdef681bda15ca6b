package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ardiansah/wabot/internal/api"
	"github.com/ardiansah/wabot/internal/completion"
	"github.com/ardiansah/wabot/internal/config"
	"github.com/ardiansah/wabot/internal/orchestrator"
	"github.com/ardiansah/wabot/internal/outcome"
	"github.com/ardiansah/wabot/internal/policy"
	"github.com/ardiansah/wabot/internal/registry"
	"github.com/ardiansah/wabot/internal/reply"
	"github.com/ardiansah/wabot/internal/storage"
	"github.com/ardiansah/wabot/internal/transport"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wabot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running wabot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wabot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "wabot.pid")
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

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "wabot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse a second instance. The health probe catches a live server even
	// when the PID file was lost.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("wabot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("wabot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Policy cache: Redis when configured and reachable, otherwise in-process.
	var cache policy.Cache = policy.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Warn("redis not reachable, falling back to in-memory policy cache", "addr", cfg.Redis.Addr, "error", err)
		} else {
			cache = policy.NewRedisCache(rdb, 10*time.Minute)
			slog.Info("policy cache on redis", "addr", cfg.Redis.Addr)
		}
	}

	policies := policy.NewStore(store, cache)

	completer := completion.NewClientWithBaseURL(cfg.Completion.BaseURL)
	if timeout, err := time.ParseDuration(cfg.Completion.Timeout); err == nil {
		completer.SetTimeout(timeout)
	} else {
		slog.Warn("invalid completion timeout, using default 30s", "value", cfg.Completion.Timeout, "error", err)
	}

	recorder := outcome.NewRecorder(store)
	pipeline := reply.NewPipeline(policies, completer, recorder)

	// The loopback provider stands in for the external messaging bridge.
	// TODO: replace with the websocket bridge provider once that service ships.
	provider := transport.NewLoopbackProvider()

	reg := registry.New(provider, store)
	orch := orchestrator.New(pipeline, store)
	reg.Subscribe(orch)

	handler := api.NewAppHandler(api.AppDeps{
		Connections: reg,
		Policies:    policies,
		Outcomes:    recorder,
		Messages:    store,
		Tester:      pipeline,
		Counters:    recorder,
		Token:       cfg.API.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Connections: reg,
		Policies:    policies,
		Outcomes:    recorder,
		Tester:      pipeline,
		Counters:    recorder,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "wabot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// End live sessions first so run contexts are cancelled and consumer
	// goroutines unblock; then let in-flight reply runs settle before the
	// store closes.
	reg.Close()
	if err := orch.Drain(5 * time.Second); err != nil {
		slog.Warn("reply runs still in flight at shutdown", "error", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("wabot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop wabot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to wabot (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Redis.Addr != "" {
		printStatus("Policy cache", "redis at %s", cfg.Redis.Addr)
	} else {
		printStatus("Policy cache", "in-memory")
	}
	printStatus("Completion", "%s", cfg.Completion.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
