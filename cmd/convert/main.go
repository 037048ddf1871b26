package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tileserver/internal/artifact"
	"tileserver/internal/catalog"
	"tileserver/internal/domain"
	"tileserver/internal/infra"
	"tileserver/internal/jobid"
	"tileserver/internal/pipeline"
	"tileserver/internal/raster"
	"tileserver/internal/status"
)

const pollInterval = 2 * time.Second

// convert runs one conversion end to end from the command line, against
// the same artifact layout the API serves from.
func main() {
	_ = godotenv.Load()

	sourceURL := flag.String("source", "", "source image URL to convert")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if *sourceURL == "" {
		logger.Fatal().Msg("convert: -source is required")
	}

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
		logger.Fatal().Err(err).Msg("convert: failed to configure artifact storage")
	}
	publisher, err := catalog.NewFilePublisher(filepath.Join(storagePath, "catalog.json"))
	if err != nil {
		logger.Fatal().Err(err).Msg("convert: failed to configure file catalog")
	}

	id, err := jobid.FromSource(*sourceURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("convert: invalid source url")
	}
	norm, _ := jobid.Normalize(*sourceURL)

	statusStore := status.NewStore()
	statusStore.Create(id, norm)
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

	// Report progress while the pipeline runs.
	pollCtx, stopPolling := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				if rec, ok := statusStore.Get(id); ok {
					logger.Info().
						Str("stage", string(rec.Stage)).
						Int("percentage", rec.Percentage).
						Msg(rec.Message)
				}
			}
		}
	}()

	runErr := executor.Run(ctx, id, norm)
	stopPolling()
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn().Msg("convert: interrupted")
			os.Exit(1)
		}
		logger.Fatal().Err(runErr).Msg("convert: conversion failed")
	}

	rec, _ := statusStore.Get(id)
	if rec.Stage != domain.StageReady {
		logger.Fatal().Str("stage", string(rec.Stage)).Msg("convert: pipeline ended in unexpected state")
	}
	logger.Info().
		Str("job_id", id).
		Str("tiles", artifacts.TileDir(id)).
		Int("min_zoom", rec.MinZoom).
		Int("max_zoom", rec.MaxZoom).
		Msg("convert: done")
}
