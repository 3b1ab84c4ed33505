package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contextkeeper/internal/api"
	"contextkeeper/internal/bus"
	"contextkeeper/internal/chunk"
	"contextkeeper/internal/drift"
	"contextkeeper/internal/embedding"
	"contextkeeper/internal/generation"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/project"
	"contextkeeper/internal/retrieval"
	"contextkeeper/internal/sacred"
	"contextkeeper/internal/store"
	"contextkeeper/internal/task"
	"contextkeeper/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the context daemon",
	Long: `Starts the HTTP daemon on the configured bind address (default
127.0.0.1:5556). One instance owns the data root exclusively; a second
instance against the same root refuses to start.

Missing credentials fail startup. An unreachable embedding endpoint does
not: the daemon serves in degraded mode and /health says so.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	if err := logging.Initialize(cfg.LogsDir(), cfg.Logging.Enabled, cfg.Logging.Level); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another keeper instance already owns %s", cfg.Storage.DataRoot)
	}
	defer func() { _ = lock.Unlock() }()

	vectors, err := store.NewStore(cfg.VectorStoreDir(), cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer vectors.Close()

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		Dimension:      cfg.Embedding.Dimension,
		GenAIAPIKey:    cfg.Embedding.APIKey,
		GenAIModel:     cfg.Embedding.Model,
		TaskType:       "SEMANTIC_SIMILARITY",
		OllamaEndpoint: cfg.Embedding.Endpoint,
		OllamaModel:    cfg.Embedding.Model,
		Timeout:        cfg.EmbeddingTimeout(),
		Retry:          embedding.DefaultRetryPolicy(),
	})
	if err != nil {
		return fmt.Errorf("building embedding engine: %w", err)
	}

	var degraded []string
	if hc, ok := embedder.(embedding.HealthChecker); ok {
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := hc.HealthCheck(probeCtx); err != nil {
			degraded = append(degraded, fmt.Sprintf("embedding: %v", err))
			logging.EmbedWarn("Embedding endpoint unreachable at startup: %v", err)
		}
		cancel()
	}

	generator, err := generation.NewGenerator(generation.Config{
		APIKey:          cfg.Generation.APIKey,
		Model:           cfg.Generation.Model,
		Timeout:         cfg.GenerationTimeout(),
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
	})
	if err != nil {
		// Retrieval still works without generation; query_llm degrades
		// per request.
		degraded = append(degraded, fmt.Sprintf("generation: %v", err))
		logging.GenWarn("Generation client unavailable, serving retrieval only: %v", err)
		generator = nil
	}

	b := bus.New()
	b.Start()
	defer b.Stop()

	projects, err := project.NewRegistry(cfg.ProjectsDir(), b)
	if err != nil {
		return fmt.Errorf("opening project registry: %w", err)
	}

	// The daemon's own data tree is never ingested, even when a project
	// root contains it.
	extraExcluded := []string{filepath.Base(cfg.Storage.DataRoot)}

	engine := retrieval.NewEngine(vectors, embedder, generator, projects, retrieval.Config{
		MaxFileBytes:      cfg.Ingest.MaxFileBytes,
		ChunkTarget:       cfg.Ingest.ChunkTargetChars,
		ChunkOverlap:      cfg.Ingest.ChunkOverlapChars,
		QueryLogEnabled:   cfg.Ingest.QueryLogEnabled,
		QueryLogSize:      cfg.Ingest.QueryLogSize,
		ExtraExcludedDirs: extraExcluded,
	})

	tasks := task.New(engine, b, task.Config{MaxConcurrency: cfg.Ingest.MaxConcurrency})

	sacredStore, err := sacred.NewStore(cfg.SacredPlansDir(), vectors, embedder,
		chunk.NewChunker(cfg.Ingest.ChunkTargetChars, cfg.Ingest.ChunkOverlapChars),
		cfg.Sacred.ApprovalKey, b)
	if err != nil {
		return fmt.Errorf("opening sacred store: %w", err)
	}

	driftEngine := drift.NewEngine(sacredStore, projects, engine, embedder, drift.Config{
		MessageWeight: cfg.Drift.MessageWeight,
		PathWeight:    cfg.Drift.PathWeight,
	})

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	var watcher *watch.Watcher
	if cfg.Watch.Enabled {
		watcher, err = watch.New(tasks, engine, watch.Config{
			Debounce:          cfg.WatchDebounce(),
			MaxFileBytes:      cfg.Ingest.MaxFileBytes,
			ExtraExcludedDirs: extraExcluded,
		})
		if err != nil {
			return fmt.Errorf("starting file watcher: %w", err)
		}
		for _, p := range projects.List() {
			if p.Status != project.StatusActive || p.RootMissing {
				continue
			}
			if err := watcher.Watch(p.ID, p.RootPath); err != nil {
				logging.Watch("Cannot watch project %s: %v", p.ID, err)
			}
		}
		watcher.Start(watchCtx)
	}

	deps := api.Deps{
		Projects:  projects,
		Retrieval: engine,
		Tasks:     tasks,
		Sacred:    sacredStore,
		Drift:     driftEngine,
		Bus:       b,
		Degraded:  degraded,
	}
	if watcher != nil {
		deps.Watcher = watcher
	}
	srv := api.New(cfg, deps)

	logger.Info("daemon starting",
		zap.String("bind", cfg.Server.Bind),
		zap.String("data_root", cfg.Storage.DataRoot),
		zap.Int("projects", len(projects.List())))
	if len(degraded) > 0 {
		logger.Warn("starting degraded", zap.Strings("reasons", degraded))
	}
	fmt.Printf("contextkeeper serving on %s (data root %s)\n", cfg.Server.Bind, cfg.Storage.DataRoot)
	for _, d := range degraded {
		fmt.Printf("  degraded: %s\n", d)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		fmt.Printf("received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Stop taking requests, stop generating new work, then drain what is
	// already running.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.APIError("HTTP shutdown: %v", err)
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logging.TasksError("Task drain: %v", err)
	}
	logger.Info("shutdown complete")
	return nil
}
