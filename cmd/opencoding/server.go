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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/opencoding/internal/annotation"
	"github.com/kalambet/opencoding/internal/api"
	"github.com/kalambet/opencoding/internal/config"
	"github.com/kalambet/opencoding/internal/csvimport"
	"github.com/kalambet/opencoding/internal/export"
	"github.com/kalambet/opencoding/internal/ingest"
	"github.com/kalambet/opencoding/internal/metrics"
	"github.com/kalambet/opencoding/internal/navigator"
	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/stats"
	"github.com/kalambet/opencoding/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the opencoding server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running opencoding server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show opencoding server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the annotation tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "opencoding.pid")
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

// setupLogging installs the default slog logger. Output always goes to
// stderr so that stdout stays free for command output and MCP.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// services are the domain components shared by the HTTP and MCP front ends.
type services struct {
	store       *storage.Store
	rubrics     *rubric.Registry
	stats       *stats.Manager
	annotations *annotation.Service
	navigator   *navigator.Navigator
}

func newServices(cfg config.Config) (*services, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	reg := rubric.NewRegistry(store)
	statsMgr := stats.NewManager(store, cfg.Stats.CacheTTL)
	return &services{
		store:       store,
		rubrics:     reg,
		stats:       statsMgr,
		annotations: annotation.NewService(store, reg, statsMgr),
		navigator:   navigator.New(store),
	}, nil
}

func (s *services) close() {
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "opencoding version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("opencoding is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("opencoding is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	pipeline := csvimport.NewPipeline(svc.store, cfg.Import.MaxUploadBytes, cfg.Import.Workers)
	importer := ingest.NewImporter(svc.store, pipeline)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		metricsHandler = promhttp.Handler()
	}

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured; /api is open to any local process")
	}

	handler := api.NewHandler(api.Deps{
		Store:          svc.store,
		Rubrics:        svc.rubrics,
		Annotations:    svc.annotations,
		Navigator:      svc.navigator,
		Exporter:       export.NewExporter(svc.store, svc.rubrics),
		Importer:       importer,
		Stats:          svc.stats,
		MaxUploadBytes: cfg.Import.MaxUploadBytes,
		Token:          cfg.Server.APIToken,
		DefaultUser:    cfg.Auth.DefaultUser,
		Metrics:        metricsHandler,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	worker := ingest.NewWorker(svc.store, importer, 500*time.Millisecond)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("opencoding listening", "addr", addr, "data_dir", cfg.Storage.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	user := asUser
	if user == "" {
		user = cfg.Auth.DefaultUser
	}
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:       svc.store,
		Rubrics:     svc.rubrics,
		Annotations: svc.annotations,
		Navigator:   svc.navigator,
		Stats:       svc.stats,
		User:        user,
	})

	slog.Info("MCP server started (stdio transport)", "user", user)
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
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
		printError("opencoding is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop opencoding (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to opencoding (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	var page struct {
		Total int `json:"total"`
	}
	if resp, err := client.get(ctx, "/api/traces?page_size=1"); err == nil && decodeJSON(resp, &page) == nil {
		printStatus("Traces", "%d", page.Total)
	}
	var rb api.RubricResponse
	if resp, err := client.get(ctx, "/api/rubric"); err == nil && decodeJSON(resp, &rb) == nil {
		printStatus("Rubric", "version %d (%d failure modes)", rb.Version, len(rb.FailureModes))
	}
	var st storage.AnnotationStats
	if resp, err := client.get(ctx, "/api/annotations/user/stats"); err == nil && decodeJSON(resp, &st) == nil {
		printStatus("Your annotations", "%d", st.TotalAnnotations)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
