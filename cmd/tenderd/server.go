package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	"github.com/spf13/cobra"

	"github.com/tenderai/tenderd/internal/api"
	"github.com/tenderai/tenderd/internal/config"
	"github.com/tenderai/tenderd/internal/engine"
	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/ingest"
	"github.com/tenderai/tenderd/internal/pipeline"
	"github.com/tenderai/tenderd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tenderd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tenderd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tenderd server and index status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tenderd.pid")
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

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs always go to stderr; stdout may carry the MCP stdio stream.
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))
	slog.Info("starting tenderd", "version", version)

	token, err := apiToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	addr := serverAddr(cfg)
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(ctx, engine.DetectConfig{
		Provider:     strings.ToLower(cfg.Embedding.Provider),
		BaseURL:      cfg.Embedding.BaseURL,
		Model:        cfg.Embedding.ModelFor(engine.ProviderOpenAI),
		Dimensions:   cfg.Embedding.Dimensions,
		VoyageAPIKey: cfg.Embedding.VoyageAPIKey,
		OpenAIAPIKey: cfg.Embedding.OpenAIAPIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting embedding backend: %w", err)
	}
	embedModel := ""
	if eng != nil {
		embedModel = cfg.Embedding.ModelFor(eng.Name())
		if err := engine.EnsureReady(ctx, eng, embedModel, os.Stderr); err != nil {
			return err
		}
		slog.Info("embedding backend ready", "backend", eng.Name(), "model", embedModel)
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

	library := files.NewLibrary(cfg.Library.Dir)
	svc := pipeline.New(store, library, eng, pipeline.Options{
		EmbedModel:    embedModel,
		Dimensions:    cfg.Embedding.Dimensions,
		VectorTimeout: cfg.Retrieval.VectorTimeout,
		RRFK:          cfg.Retrieval.RRFK,
		ContextLimit:  cfg.Retrieval.ContextLimit,
		ContextChars:  cfg.Retrieval.ContextChars,
	})
	slog.Info("retrieval tiers", "tiers", svc.Tiers(), "library", library.Root())

	workerDone := make(chan struct{})
	if svc.VectorEnabled() {
		worker, err := ingest.NewWorker(store, svc.Indexer(), cfg.Ingest.PollInterval, cfg.Ingest.Workers)
		if err != nil {
			return fmt.Errorf("starting backfill worker: %w", err)
		}
		go func() {
			defer close(workerDone)
			worker.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, Version: version, SearchLimit: cfg.Retrieval.TopK})

	deps := api.AppDeps{Service: svc, Token: token, SearchLimit: cfg.Retrieval.TopK}
	switch cfg.Server.MCPTransport {
	case "http":
		deps.MCP = api.NewMCPHTTPHandler(mcpSrv)
		slog.Info("MCP server mounted", "transport", "http", "path", "/mcp")
	case "stdio":
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started", "transport", "stdio")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           api.NewAppHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tenderd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	<-workerDone
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("tenderd is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop tenderd (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to tenderd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	addr := serverAddr(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get("http://" + addr + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on %s", addr)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Embedding", "provider %s", cfg.Embedding.Provider)
	printStatus("Library", "%s", cfg.Library.Dir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if !running {
		return nil
	}
	token, err := apiToken(cfg)
	if err != nil {
		return nil
	}
	c := &apiClient{baseURL: "http://" + addr, token: token, httpClient: client}
	statsResp, err := c.get(ctx, "/proposals/stats")
	if err != nil {
		return nil
	}
	var st pipeline.Stats
	if err := decodeJSON(statsResp, &st); err != nil {
		printWarning("could not read index stats: %v", err)
		return nil
	}
	printStatus("Indexed", "%d proposals", st.Total)
	printStatus("Vector search", "%s", availability(st.VectorSearchAvailable, st.EmbeddingBackend))
	if st.PendingBackfills > 0 {
		printStatus("Backfills", "%d pending", st.PendingBackfills)
	}
	return nil
}

func availability(ok bool, backend string) string {
	if !ok {
		return "disabled"
	}
	if backend == "" {
		return "enabled"
	}
	return "enabled (" + backend + ")"
}

// prettyJSON writes v indented to w.
func prettyJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
