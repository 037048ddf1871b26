package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"tileserver/internal/artifact"
	"tileserver/internal/infra/geoip"
	"tileserver/internal/scheduler"
	"tileserver/internal/status"
)

// App bundles the dependencies the HTTP handlers operate on.
type App struct {
	Scheduler *scheduler.Scheduler
	Status    *status.Store
	Artifacts *artifact.Store
	Geo       geoip.CountryResolver
	Logger    zerolog.Logger
}

func NewApp(sched *scheduler.Scheduler, st *status.Store, artifacts *artifact.Store, geo geoip.CountryResolver, logger zerolog.Logger) *App {
	return &App{Scheduler: sched, Status: st, Artifacts: artifacts, Geo: geo, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}
