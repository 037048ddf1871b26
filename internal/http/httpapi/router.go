package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tileserver/internal/http/handlers"
	"tileserver/internal/infra"
	"tileserver/internal/middleware"
)

func NewRouter(app *handlers.App, logger zerolog.Logger, cfg *infra.Config) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(logger), middleware.CORS(cfg.CORSOrigins))

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/conversions", func(r chi.Router) {
		r.With(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute)).Post("/", app.SubmitConversion)
		r.Get("/", app.ListConversions)
		r.Get("/{job_id}", app.ConversionStatus)
		r.Get("/{job_id}/archive", app.ConversionArchive)
	})

	r.Get("/tiles/{job_id}/{z}/{x}/{y}.png", app.Tile)

	return r
}
