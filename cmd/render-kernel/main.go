package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/manthysbr/auleRender/internal/adapters/duckdb"
	"github.com/manthysbr/auleRender/internal/adapters/renderengine"
	"github.com/manthysbr/auleRender/internal/core/services"
	"github.com/manthysbr/auleRender/internal/httpapi"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting auleRender kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

type config struct {
	listenAddr     string
	dbPath         string
	brokerURL      string
	env            string
	artifactRoot   string
	engineURL      string
	pollInterval   time.Duration
	maxDuration    time.Duration
	workerPoolSize int64
	thumbDim       int
}

// loadConfig reads the environment variables the pipeline consumes,
// once at process start.
func loadConfig() config {
	cfg := config{
		listenAddr:     ":8080",
		dbPath:         "aule-render.db",
		brokerURL:      "redis://localhost:6379/0",
		env:            "dev",
		artifactRoot:   "artifacts",
		engineURL:      "http://localhost:8188",
		pollInterval:   2 * time.Second,
		maxDuration:    10 * time.Minute,
		workerPoolSize: 4,
		thumbDim:       256,
	}
	if v := os.Getenv("AULE_LISTEN_ADDR"); v != "" {
		cfg.listenAddr = v
	}
	if v := os.Getenv("AULE_DB_PATH"); v != "" {
		cfg.dbPath = v
	}
	if v := os.Getenv("AULE_BROKER_URL"); v != "" {
		cfg.brokerURL = v
	}
	if v := os.Getenv("AULE_ENV"); v != "" {
		cfg.env = v
	}
	if v := os.Getenv("AULE_ARTIFACT_ROOT"); v != "" {
		cfg.artifactRoot = v
	}
	if v := os.Getenv("AULE_ENGINE_URL"); v != "" {
		cfg.engineURL = v
	}
	if v := os.Getenv("AULE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.pollInterval = d
		}
	}
	if v := os.Getenv("AULE_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.maxDuration = d
		}
	}
	if v := os.Getenv("AULE_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.workerPoolSize = n
		}
	}
	return cfg
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg := loadConfig()

	// Initialize Adapters
	repo, err := duckdb.NewRepository(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	opts, err := redis.ParseURL(cfg.brokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping broker: %w", err)
	}
	defer rdb.Close()

	renderClient := renderengine.NewClient(logger, renderengine.Config{
		BaseURL:      cfg.engineURL,
		PollInterval: cfg.pollInterval,
	})

	artifactStore, err := services.NewFSArtifactStore(cfg.artifactRoot, cfg.thumbDim)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	// Initialize Core Services
	progressBus := services.NewProgressBus(logger, rdb, cfg.env)
	taskQueue := services.NewRedisTaskQueue(logger, rdb, cfg.env)

	worker := services.NewWorkerRuntime(logger, repo, taskQueue, progressBus, renderClient, artifactStore, services.RuntimeConfig{
		WorkerID:           uuid.NewString(),
		MaxConcurrentJobs:  cfg.workerPoolSize,
		CancelPollInterval: cfg.pollInterval,
		DefaultMaxDuration: cfg.maxDuration,
	})

	apiServer, err := httpapi.NewServer(logger, repo, taskQueue, progressBus, cfg.maxDuration)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	// Setup HTTP Server
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	// Application Loop
	g, gCtx := errgroup.WithContext(ctx)

	// 1. Worker pool (queue consumer + heartbeat)
	g.Go(func() error {
		return worker.Run(gCtx)
	})

	// 2. API Server
	g.Go(func() error {
		logger.Info("starting job api server", "addr", cfg.listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 3. Graceful Shutdown for API Server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
