// Package main is the entry point for the Minerva tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/minerva-story/server/internal/api"
	"github.com/minerva-story/server/internal/cache"
	"github.com/minerva-story/server/internal/config"
	"github.com/minerva-story/server/internal/fetch"
	"github.com/minerva-story/server/internal/render"
	"github.com/minerva-story/server/internal/service"
	"github.com/minerva-story/server/internal/story"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting Minerva tile server", "port", cfg.Server.Port, "images", cfg.Images.UUIDs())

	// Raw tiles are shared by every session; composites are keyed by channel state.
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB:    cfg.Cache.TileSizeMB,
		TileTTL:            time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		MaxTileBytes:       cfg.Cache.MaxTileKB << 10,
		CompositeCacheSize: cfg.Cache.CompositeEntries,
	})
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheManager.Close()

	if cfg.Storage.Credentials.Empty() {
		logger.Warn("no storage credentials configured; waiting for PUT /api/credentials")
	}
	credentials := fetch.NewCredentialsHolder(cfg.Storage.Credentials)
	fetcher := fetch.NewFetcher(fetch.Config{
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.UsePathStyle,
		Credentials:  credentials,
		Cache:        cacheManager,
		Logger:       logger,
	})

	registry := api.NewImageRegistry(cfg.Images.Images)
	for _, img := range cfg.Images.Images {
		cols, rows := img.TilesAt(img.MaxLevel)
		logger.Info("image registered", "uuid", img.UUID, "name", img.Name,
			"size", fmt.Sprintf("%dx%d", img.FullWidth, img.FullHeight),
			"levels", img.MaxLevel-img.MinLevel+1, "tiles", cols*rows)
	}

	tileRenderer := render.NewTileRenderer(render.Config{
		TileSize:    cfg.Viewer.TileSize,
		ArrowLength: cfg.Render.ArrowLength,
		LineWidth:   cfg.Render.LineWidth,
	})

	sessions, err := service.NewSessionService(service.SessionServiceConfig{
		Catalog:     registry,
		Fetch:       fetcher.FetchTile,
		Cache:       cacheManager,
		Renderer:    tileRenderer,
		Viewer:      cfg.Viewer,
		MaxSessions: cfg.Sessions.MaxSessions,
		LoopDepth:   cfg.Sessions.LoopDepth,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("initialize sessions: %w", err)
	}
	defer sessions.Close()

	stories, err := story.NewStore(cfg.Stories.SQLitePath)
	if err != nil {
		return fmt.Errorf("open story store: %w", err)
	}
	defer stories.Close()

	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Publish.MaxConcurrent,
		SQLitePath:    cfg.Publish.SQLitePath,
		RetentionDays: cfg.Publish.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initialize job manager: %w", err)
	}
	logger.Info("publish job manager ready",
		"max_concurrent", cfg.Publish.MaxConcurrent,
		"retention_days", cfg.Publish.RetentionDays,
		"sqlite", cfg.Publish.SQLitePath,
		"output_dir", cfg.Publish.OutputDir)

	publisher := service.NewPublishService(service.PublishServiceConfig{
		Sessions:  sessions,
		Stories:   stories,
		OutputDir: cfg.Publish.OutputDir,
		Logger:    logger,
	})
	jobManager.Executor = publisher.ExecutePublishJob

	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Images:      registry,
		Sessions:    sessions,
		Cache:       cacheManager,
		Stories:     stories,
		Credentials: credentials,
		JobManager:  jobManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "err", err)
	}

	logger.Info("server stopped")
	return nil
}
