package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tileserver/internal/domain"
	"tileserver/internal/middleware"
	"tileserver/pkg/zip"
)

type submitRequest struct {
	SourceURL string `json:"source_url"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

// SubmitConversion enqueues a source image for conversion, or attaches the
// caller to the existing job when the source was seen before. Always
// returns immediately.
func (a *App) SubmitConversion(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	jobID, err := a.Scheduler.Submit(req.SourceURL)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSource) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue conversion")
		return
	}
	a.logSubmission(r, jobID)

	rec, ok := a.Status.Get(jobID)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "job record missing after submit")
		return
	}
	a.json(w, http.StatusAccepted, submitResponse{JobID: jobID, Stage: string(rec.Stage)})
}

// logSubmission annotates the submit log line with the requester country
// when a GeoIP database is configured.
func (a *App) logSubmission(r *http.Request, jobID string) {
	evt := a.Logger.Info().Str("job_id", jobID)
	if a.Geo != nil {
		if country, err := a.Geo.CountryCode(middleware.ClientIP(r)); err == nil {
			evt = evt.Str("country", country)
		}
	}
	evt.Msg("conversion submitted")
}

// ConversionStatus returns the poll-friendly status record for one job.
func (a *App) ConversionStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, ok := a.Status.Get(jobID)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, statusPayload(rec))
}

// ListConversions returns every known job, newest first.
func (a *App) ListConversions(w http.ResponseWriter, r *http.Request) {
	records := a.Status.List()
	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, statusPayload(rec))
	}
	a.json(w, http.StatusOK, items)
}

// ConversionArchive streams the finished tile pyramid as a zip download.
func (a *App) ConversionArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, ok := a.Status.Get(jobID)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if rec.Stage != domain.StageReady {
		a.error(w, http.StatusConflict, "not_ready", "conversion is not ready")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	if err := zip.ArchiveDir(w, a.Artifacts.TileDir(jobID), jobID); err != nil {
		// Headers are gone already; all that is left is logging.
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("archive stream failed")
	}
}

func statusPayload(rec domain.StatusRecord) map[string]any {
	payload := map[string]any{
		"job_id":     rec.JobID,
		"source_url": rec.SourceURL,
		"stage":      string(rec.Stage),
		"percentage": rec.Percentage,
		"message":    rec.Message,
		"min_zoom":   rec.MinZoom,
		"max_zoom":   rec.MaxZoom,
		"started_at": rec.StartedAt,
		"updated_at": rec.UpdatedAt,
	}
	if rec.ErrorMessage != "" {
		payload["error"] = rec.ErrorMessage
	}
	if rec.TileURL != "" {
		payload["tile_url"] = rec.TileURL
	}
	if rec.CompletedAt != nil {
		payload["completed_at"] = rec.CompletedAt
	}
	return payload
}
