package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookbuild/internal/build"
	"hookbuild/internal/config"
	"hookbuild/internal/ghmeta"
	"hookbuild/internal/history"
	"hookbuild/internal/origin"
	"hookbuild/internal/security"
	"hookbuild/internal/server"
	"hookbuild/pkg/fileutil"

	"github.com/spf13/cobra"
)

// ShutdownTimeout bounds how long a stopping server waits for the running
// and queued builds.
const ShutdownTimeout = 10 * time.Minute

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	debug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server to receive GitHub webhook requests.

Each verified delivery runs the build pipeline in the configured working
directory and is answered with the build's output once it finishes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("HOOKBUILD_CONFIG_FILE", ""), "Path to hookbuild.yaml (default: search ./, ./config/, $XDG_CONFIG_HOME/hookbuild/, /etc/hookbuild/)")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("HOOKBUILD_LOG_FILE", "./hookbuild.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("HOOKBUILD_DB_PATH", ""), "Path to SQLite history database (overrides config)")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("HOOKBUILD_HOST", ""), "Host to bind to (overrides config)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("HOOKBUILD_PORT", 0), "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&debug, "debug", os.Getenv("HOOKBUILD_DEBUG") == "1", "Log build output at debug level")
}

func runServe(cmd *cobra.Command, args []string) error {
	envWarning, err := loadDotEnv()
	if err != nil {
		return err
	}

	logger, logFileHandle, err := setupLogging(logFile, debug)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting hookbuild", "version", version)
	if envWarning != "" {
		logger.Warn("Insecure environment file", "warning", envWarning)
	}

	if configFile == "" {
		configFile = fileutil.FindConfigOptional(config.DefaultFilename)
	}
	if configFile == "" {
		logger.Info("No configuration file found, using defaults",
			"searched", fileutil.DefaultConfigPaths(config.DefaultFilename))
	} else {
		logger.Info("Loading configuration", "config", configFile)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyOverrides(cfg); err != nil {
		logger.Error("Invalid command line override", "error", err)
		return err
	}

	checkSecret(logger, cfg)

	filter, err := buildFilter(cmd.Context(), logger, cfg)
	if err != nil {
		return err
	}

	steps, err := cfg.Steps()
	if err != nil {
		return fmt.Errorf("failed to parse build steps: %w", err)
	}
	if !fileutil.DirExists(cfg.Build.WorkDir) {
		logger.Warn("Build working directory does not exist yet; builds will fail until it does",
			"workdir", cfg.Build.WorkDir)
	}
	pipeline := build.NewPipeline(cfg.Build.WorkDir, steps, cfg.StepTimeout(), cfg.Secret)

	var hist *history.History
	if cfg.History.DB != "" {
		logger.Info("Initializing history database", "db", cfg.History.DB)
		hist, err = history.NewHistory(cfg.History.DB)
		if err != nil {
			logger.Error("Failed to initialize history database", "error", err)
			return fmt.Errorf("failed to initialize history database: %w", err)
		}
	}

	queueOpts := build.QueueOptions{Depth: cfg.Build.QueueDepth, Logger: logger}
	if hist != nil {
		queueOpts.OnFinish = func(job *build.Job, res *build.Result) {
			ctx := context.Background()
			if _, err := hist.RecordBuild(ctx, history.RecordFor(job, res)); err != nil {
				logger.Error("Failed to record build history", "error", err, "job_id", job.ID)
				return
			}
			if removed, err := hist.Prune(ctx, cfg.History.Keep); err != nil {
				logger.Error("Failed to prune build history", "error", err)
			} else if removed > 0 {
				logger.Debug("Pruned build history", "removed", removed, "keep", cfg.History.Keep)
			}
		}
	}
	queue := build.NewQueue(pipeline, queueOpts)

	srv := server.NewServer(cfg, filter, queue, hist, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			shutdown(logger, srv)
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received, waiting for builds to finish")
	}

	shutdown(logger, srv)
	return nil
}

func shutdown(logger *slog.Logger, srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Unclean shutdown", "error", err)
		return
	}
	logger.Info("Server stopped")
}

// applyOverrides applies command line and HOOKBUILD_* overrides.
func applyOverrides(cfg *config.Config) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if dbPath != "" {
		cfg.History.DB = dbPath
	}
	return nil
}

func checkSecret(logger *slog.Logger, cfg *config.Config) {
	if cfg.Secret == "" {
		logger.Error("Webhook secret is not set; every delivery will be rejected",
			"env", cfg.SecretEnv)
		return
	}
	for _, w := range security.SecretWarnings(cfg.Secret) {
		logger.Warn("Weak webhook secret", "env", cfg.SecretEnv, "warning", w)
	}
}

// buildFilter assembles the origin filter, merging GitHub's published hook
// ranges when enabled. A failed lookup falls back to the configured ranges.
func buildFilter(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*origin.Filter, error) {
	ranges := cfg.AllowedRanges

	if cfg.GitHubMeta {
		lookupCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		published, err := ghmeta.NewClient(os.Getenv(ghmeta.TokenEnv)).HookRanges(lookupCtx)
		if err != nil {
			logger.Warn("Could not fetch GitHub hook ranges, using configured ranges", "error", err)
		} else {
			ranges = ghmeta.MergeRanges(ranges, published)
			logger.Info("Merged GitHub hook ranges", "published", len(published), "total", len(ranges))
		}
	}

	prefixes, err := origin.ParseRanges(ranges)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed ranges: %w", err)
	}
	if len(prefixes) == 0 {
		return nil, errors.New("no allowed ranges: every delivery would be refused")
	}

	logger.Info("Origin filter ready",
		"ranges", len(prefixes),
		"trust_proxy", cfg.TrustProxy,
		"header", cfg.ClientIPHeader)
	return origin.NewFilter(prefixes, cfg.TrustProxy, cfg.ClientIPHeader), nil
}

// setupLogging configures slog to write JSON to both stdout and logPath.
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string, debug bool) (*slog.Logger, *os.File, error) {
	file, err := security.OpenSecureAppend(logPath, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), file, nil
}
