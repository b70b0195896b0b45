package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waldiez/runner/internal/admission"
	"github.com/waldiez/runner/internal/api"
	"github.com/waldiez/runner/internal/auth"
	"github.com/waldiez/runner/internal/broker"
	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/dispatcher"
	"github.com/waldiez/runner/internal/maintenance"
	"github.com/waldiez/runner/internal/metrics"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/runner"
	"github.com/waldiez/runner/internal/storage"
	"github.com/waldiez/runner/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr        string
	dbDriver        string
	dbDSN           string
	redisURL        string
	secretKey       string
	storageRoot     string
	logLevel        string
	pythonBin       string
	maxJobs         int
	maxActiveTasks  int
	maxUploadMB     int
	maxTaskDuration int
	keepTaskDays    int
	purgeAfterDays  int
	skipDeps        bool
	smoke           bool
	debug           bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "waldiez-runner",
		Short: "Waldiez runner — multi-tenant workflow task execution service",
		Long: `Waldiez runner accepts workflow files over a REST API, executes them as
isolated subprocesses with their I/O bridged over Redis, and streams output
and status to clients over WebSocket connections.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("WALDIEZ_RUNNER_HTTP_ADDR", ":8000"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("WALDIEZ_RUNNER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("WALDIEZ_RUNNER_DB_DSN", "./waldiez_runner.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envOrDefault("WALDIEZ_RUNNER_REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("WALDIEZ_RUNNER_SECRET_KEY", ""), "JWT signing secret (required)")
	root.PersistentFlags().StringVar(&cfg.storageRoot, "storage-root", envOrDefault("WALDIEZ_RUNNER_STORAGE_ROOT", "./waldiez_runner_storage"), "Root directory for uploaded files and task workspaces")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("WALDIEZ_RUNNER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.pythonBin, "python-bin", envOrDefault("WALDIEZ_RUNNER_PYTHON_BIN", "python3"), "Python interpreter used to build task virtualenvs")
	root.PersistentFlags().IntVar(&cfg.maxJobs, "max-jobs", envIntOrDefault("WALDIEZ_RUNNER_MAX_JOBS", 4), "Maximum concurrent task executions")
	root.PersistentFlags().IntVar(&cfg.maxActiveTasks, "max-active-tasks", envIntOrDefault("WALDIEZ_RUNNER_MAX_ACTIVE_TASKS", admission.DefaultMaxTasksPerClient), "Maximum active tasks per client (0 disables the cap)")
	root.PersistentFlags().IntVar(&cfg.maxUploadMB, "max-upload-mb", envIntOrDefault("WALDIEZ_RUNNER_MAX_UPLOAD_MB", 10), "Maximum workflow upload size in MiB")
	root.PersistentFlags().IntVar(&cfg.maxTaskDuration, "max-task-duration", envIntOrDefault("WALDIEZ_RUNNER_MAX_TASK_DURATION", 3600), "Hard cap on one task execution in seconds")
	root.PersistentFlags().IntVar(&cfg.keepTaskDays, "keep-tasks-for-days", envIntOrDefault("WALDIEZ_RUNNER_KEEP_TASKS_FOR_DAYS", 7), "Archive task outputs when > 0")
	root.PersistentFlags().IntVar(&cfg.purgeAfterDays, "purge-after-days", envIntOrDefault("WALDIEZ_RUNNER_PURGE_AFTER_DAYS", 30), "Days soft-deleted tasks are retained before purging")
	root.PersistentFlags().BoolVar(&cfg.skipDeps, "skip-deps", envBoolOrDefault("WALDIEZ_RUNNER_SKIP_DEPS", false), "Skip virtualenv creation and pip installs")
	root.PersistentFlags().BoolVar(&cfg.smoke, "smoke", envBoolOrDefault("WALDIEZ_RUNNER_SMOKE", false), "Run with an embedded in-process Redis (development and CI)")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", envBoolOrDefault("WALDIEZ_RUNNER_DEBUG", false), "Pass --debug to task subprocesses")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("waldiez-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		if !cfg.smoke {
			return fmt.Errorf("secret key is required — set --secret-key or WALDIEZ_RUNNER_SECRET_KEY")
		}
		cfg.secretKey = "smoke-secret"
	}

	logger.Info("starting waldiez runner",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Bool("smoke", cfg.smoke),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Redis ---
	// Smoke mode embeds miniredis so the whole service, subprocess shim
	// included, runs without external infrastructure.
	redisURL := cfg.redisURL
	if cfg.smoke {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start embedded redis: %w", err)
		}
		defer mr.Close()
		redisURL = "redis://" + mr.Addr()
		logger.Info("embedded redis started", zap.String("addr", mr.Addr()))
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	taskRepo := repositories.NewTaskRepository(database)
	clientRepo := repositories.NewClientRepository(database)

	// --- Storage ---
	files, err := storage.NewLocal(cfg.storageRoot, int64(cfg.maxUploadMB)<<20, nil, logger)
	if err != nil {
		return err
	}

	// --- Core components ---
	fabric := redisio.NewFabric(rdb, logger)
	if err := fabric.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	queue, err := broker.NewRedis(ctx, rdb, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	stats := metrics.New(registry)

	jwtMgr, err := auth.NewJWTManager(cfg.secretKey, "waldiez-runner")
	if err != nil {
		return err
	}
	authSvc := auth.NewService(clientRepo, jwtMgr)
	if err := bootstrapClients(ctx, clientRepo, logger); err != nil {
		return err
	}

	gate := admission.NewGate(taskRepo, files, cfg.maxActiveTasks, logger)
	disp := dispatcher.New(taskRepo, files, queue, fabric, stats, logger)
	bridge := websocket.NewBridge(taskRepo, fabric, logger)

	pool := runner.NewPool(runner.Config{
		RedisURL:        redisURL,
		MaxJobs:         cfg.maxJobs,
		PythonBin:       cfg.pythonBin,
		SkipDeps:        cfg.skipDeps || cfg.smoke,
		Debug:           cfg.debug,
		MaxTaskDuration: time.Duration(cfg.maxTaskDuration) * time.Second,
		KeepTaskForDays: cfg.keepTaskDays,
	}, queue, taskRepo, files, fabric, stats, logger)

	upkeep, err := maintenance.New(maintenance.Config{PurgeAfterDays: cfg.purgeAfterDays}, taskRepo, files, fabric, logger)
	if err != nil {
		return err
	}
	if err := upkeep.Start(); err != nil {
		return err
	}

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authSvc,
		Gate:        gate,
		Dispatcher:  disp,
		Bridge:      bridge,
		Fabric:      fabric,
		Files:       files,
		Logger:      logger,
		Tasks:       taskRepo,
		Clients:     clientRepo,
		Registry:    registry,
	})
	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down waldiez runner")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	<-poolDone
	if err := upkeep.Stop(); err != nil {
		logger.Warn("maintenance shutdown error", zap.Error(err))
	}

	// Tasks still active at this point were never picked up or lost their
	// runner; fail them so clients are not left polling forever.
	if n, err := taskRepo.MarkActiveAsFailed(shutdownCtx, "Service was shut down"); err != nil {
		logger.Error("failed to fail active tasks on shutdown", zap.Error(err))
	} else if n > 0 {
		logger.Info("failed active tasks on shutdown", zap.Int64("count", n))
	}

	return nil
}

// bootstrapClients creates the client named by WALDIEZ_RUNNER_LOCAL_CLIENT_ID
// and WALDIEZ_RUNNER_LOCAL_CLIENT_SECRET when it does not exist yet, so a
// fresh deployment has a usable credential without running the seed command.
func bootstrapClients(ctx context.Context, clients repositories.ClientRepository, logger *zap.Logger) error {
	clientID := os.Getenv("WALDIEZ_RUNNER_LOCAL_CLIENT_ID")
	secret := os.Getenv("WALDIEZ_RUNNER_LOCAL_CLIENT_SECRET")
	if clientID == "" || secret == "" {
		return nil
	}
	if _, err := clients.GetByClientID(ctx, clientID); err == nil {
		return nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return err
	}
	client := &db.Client{
		ClientID:   clientID,
		SecretHash: hash,
		Audience:   auth.AudienceTasks,
		Name:       "local",
	}
	if err := clients.Create(ctx, client); err != nil {
		return fmt.Errorf("bootstrap client: %w", err)
	}
	logger.Info("bootstrap client created", zap.String("client_id", clientID))
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
