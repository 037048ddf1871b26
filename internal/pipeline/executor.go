// Package pipeline runs the conversion stages for one job: download,
// georeference, tile generation and finalize. Each stage has a
// filesystem-checkable postcondition in the artifact store, which is what
// makes an interrupted job resumable: a fresh run skips every stage whose
// output already exists and re-attempts only from the first gap.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tileserver/internal/artifact"
	"tileserver/internal/catalog"
	"tileserver/internal/domain"
	"tileserver/internal/raster"
	"tileserver/internal/status"
	"tileserver/internal/tiles"
)

const defaultSampleInterval = 2 * time.Second

// Executor wires the artifact store, the raster tool adapter, the status
// store and the catalog hook into the four-stage pipeline.
type Executor struct {
	Artifacts      *artifact.Store
	Raster         raster.Runner
	Status         *status.Store
	Catalog        catalog.Publisher
	Client         *http.Client
	TileBaseURL    string
	SampleInterval time.Duration
	Logger         zerolog.Logger
}

// Run executes the pipeline end to end for one job. Failures are terminal:
// they are recorded into the job's status record and returned, never
// retried. The caller owns exactly one Run per job at a time.
func (e *Executor) Run(ctx context.Context, jobID, sourceURL string) error {
	log := e.Logger.With().Str("job_id", jobID).Logger()

	if err := e.Artifacts.EnsureJobDir(jobID, sourceURL); err != nil {
		return e.fail(log, jobID, domain.StageDownloading, err)
	}

	// downloading: 0-20%
	if e.Artifacts.HasRaw(jobID) {
		log.Info().Msg("pipeline: raw download present, skipping")
	} else {
		e.setStage(jobID, domain.StageDownloading, 5, "downloading source image")
		if err := e.download(ctx, jobID, sourceURL); err != nil {
			return e.fail(log, jobID, domain.StageDownloading, err)
		}
	}
	width, height, err := probeDimensions(e.Artifacts.RawPath(jobID))
	if err != nil {
		return e.fail(log, jobID, domain.StageDownloading, err)
	}
	minZoom, maxZoom := tiles.MinZoom, tiles.MaxZoom(width, height)
	e.Status.Update(jobID, func(r *domain.StatusRecord) {
		r.Percentage = 20
		r.Message = fmt.Sprintf("source image downloaded (%dx%d)", width, height)
		r.MinZoom = minZoom
		r.MaxZoom = maxZoom
	})
	log.Info().Int("width", width).Int("height", height).Int("max_zoom", maxZoom).Msg("pipeline: source ready")

	// georeferencing: 20-40%
	if e.Artifacts.HasGeoreferenced(jobID) {
		log.Info().Msg("pipeline: georeferenced intermediate present, skipping")
	} else {
		e.setStage(jobID, domain.StageGeoreferencing, 25, "stamping world bounds")
		err := e.Raster.Georeference(ctx, e.Artifacts.RawPath(jobID), e.Artifacts.GeoreferencedPath(jobID), raster.WorldBounds)
		if err != nil {
			return e.fail(log, jobID, domain.StageGeoreferencing, err)
		}
	}
	e.Status.Update(jobID, func(r *domain.StatusRecord) {
		r.Percentage = 40
		r.Message = "image georeferenced"
	})

	// generating_tiles: 40-95%
	if e.Artifacts.HasIndex(jobID) {
		log.Info().Msg("pipeline: tile pyramid indexed, skipping generation")
	} else {
		e.setStage(jobID, domain.StageGeneratingTiles, 40, "generating tile pyramid")
		sampleCtx, stopSampling := context.WithCancel(ctx)
		go e.sampleTileProgress(sampleCtx, jobID, tiles.EstimatedTileCount(minZoom, maxZoom))
		err := e.Raster.GenerateTiles(ctx, e.Artifacts.GeoreferencedPath(jobID), e.Artifacts.TileDir(jobID), minZoom, maxZoom)
		stopSampling()
		if err != nil {
			return e.fail(log, jobID, domain.StageGeneratingTiles, err)
		}
	}
	e.Status.Update(jobID, func(r *domain.StatusRecord) {
		r.Percentage = 95
		r.Message = "tile pyramid generated"
	})

	// finalizing: 95-100%
	e.setStage(jobID, domain.StageFinalizing, 95, "publishing tiles")
	tileCount, err := e.Artifacts.CountTiles(jobID)
	if err != nil {
		return e.fail(log, jobID, domain.StageFinalizing, err)
	}
	idx := artifact.Index{
		JobID:     jobID,
		SourceURL: sourceURL,
		MinZoom:   minZoom,
		MaxZoom:   maxZoom,
		TileCount: tileCount,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.Artifacts.WriteIndex(jobID, idx); err != nil {
		return e.fail(log, jobID, domain.StageFinalizing, err)
	}
	tileURL := e.tileURLTemplate(jobID)
	if err := e.Catalog.PublishTiles(ctx, jobID, tileURL, minZoom, maxZoom); err != nil {
		return e.fail(log, jobID, domain.StageFinalizing, fmt.Errorf("publish tiles: %w", err))
	}
	e.Status.Update(jobID, func(r *domain.StatusRecord) {
		r.Stage = domain.StageReady
		r.Percentage = 100
		r.Message = readyMessage(tileCount, minZoom, maxZoom)
		r.TileURL = tileURL
	})
	log.Info().Int("tiles", tileCount).Msg("pipeline: job ready")
	return nil
}

func (e *Executor) download(ctx context.Context, jobID, sourceURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	resp, err := e.client().Do(req)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download source: unexpected status %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !acceptableContentType(ct) {
		return fmt.Errorf("download source: non-image content-type %q", ct)
	}
	if _, err := e.Artifacts.WriteRaw(ctx, jobID, resp.Body); err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	return nil
}

func acceptableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	return strings.HasPrefix(ct, "image/") || ct == "application/octet-stream"
}

func (e *Executor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

func (e *Executor) setStage(jobID string, stage domain.Stage, pct int, msg string) {
	e.Status.Update(jobID, func(r *domain.StatusRecord) {
		r.Stage = stage
		r.Percentage = pct
		r.Message = msg
	})
}

func (e *Executor) fail(log zerolog.Logger, jobID string, stage domain.Stage, err error) error {
	log.Error().Err(err).Str("stage", string(stage)).Msg("pipeline: stage failed")
	e.Status.Update(jobID, func(r *domain.StatusRecord) {
		r.Stage = domain.StageFailed
		r.ErrorMessage = err.Error()
		r.Message = "failed while " + stageVerb(stage)
	})
	return err
}

func stageVerb(stage domain.Stage) string {
	switch stage {
	case domain.StageDownloading:
		return "downloading the source image"
	case domain.StageGeoreferencing:
		return "georeferencing"
	case domain.StageGeneratingTiles:
		return "generating tiles"
	case domain.StageFinalizing:
		return "finalizing"
	default:
		return string(stage)
	}
}

func (e *Executor) tileURLTemplate(jobID string) string {
	base := strings.TrimSuffix(e.TileBaseURL, "/")
	return base + "/" + jobID + "/{z}/{x}/{y}.png"
}
