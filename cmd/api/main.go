package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"tileserver/internal/adapter/repo"
	"tileserver/internal/artifact"
	"tileserver/internal/catalog"
	"tileserver/internal/http/handlers"
	httpapi "tileserver/internal/http/httpapi"
	"tileserver/internal/infra"
	"tileserver/internal/infra/geoip"
	"tileserver/internal/pipeline"
	"tileserver/internal/raster"
	"tileserver/internal/scheduler"
	"tileserver/internal/status"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	artifacts, err := artifact.NewStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure artifact storage")
	}

	// Catalog hook: Postgres when configured, file-backed otherwise.
	var publisher catalog.Publisher
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect catalog database")
		}
		defer pool.Close()
		publisher = repo.NewCatalogRepository(pool)
	} else {
		publisher, err = catalog.NewFilePublisher(filepath.Join(storagePath, "catalog.json"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure file catalog")
		}
	}

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip resolver disabled")
		geo = nil
	}

	statusStore := status.NewStore()
	executor := &pipeline.Executor{
		Artifacts:      artifacts,
		Raster:         raster.NewTool(cfg.GdalTranslateBin, cfg.Gdal2TilesBin, logger),
		Status:         statusStore,
		Catalog:        publisher,
		Client:         &http.Client{Timeout: cfg.DownloadTimeout},
		TileBaseURL:    cfg.TileBaseURL,
		SampleInterval: cfg.SampleInterval,
		Logger:         logger,
	}
	sched := scheduler.New(ctx, executor, statusStore, artifacts, logger)
	if resumed, err := sched.ResumeIncomplete(); err != nil {
		logger.Warn().Err(err).Msg("artifact rescan failed")
	} else if resumed > 0 {
		logger.Info().Int("jobs", resumed).Msg("resumed conversions from disk")
	}

	app := handlers.NewApp(sched, statusStore, artifacts, geo, logger)
	router := httpapi.NewRouter(app, logger, cfg)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
