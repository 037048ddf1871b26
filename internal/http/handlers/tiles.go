package handlers

import (
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tileserver/internal/jobid"
)

// Tile serves one tile image from a finished (or in-progress) pyramid so
// any slippy-map client can consume the output directly.
func (a *App) Tile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !jobid.Valid(jobID) {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	z, okZ := parseTileCoord(chi.URLParam(r, "z"))
	x, okX := parseTileCoord(chi.URLParam(r, "x"))
	y, okY := parseTileCoord(chi.URLParam(r, "y"))
	if !okZ || !okX || !okY {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid tile address")
		return
	}
	path := a.Artifacts.TilePath(jobID, z, x, y)
	if _, err := os.Stat(path); err != nil {
		a.error(w, http.StatusNotFound, "not_found", "tile not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

func parseTileCoord(v string) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
