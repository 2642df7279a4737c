package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds HTTP server settings.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	SignatureWindow time.Duration `mapstructure:"signature_window"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	DB        Database
	Accounts  AccountStore
	Emails    *EmailHandlers
	Templates TemplateStore
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps Deps, cfg Config, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(correlationID)
	r.Use(requestLogger(log))
	r.Use(recoverer(log))

	// Health endpoints (no auth required)
	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.DB))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(SignatureAuth(deps.Accounts, cfg.SignatureWindow))

		r.Route("/email-queue", func(r chi.Router) {
			e := deps.Emails
			r.Get("/", e.List)
			r.Post("/", e.Create)
			r.Get("/statistics", e.Statistics)
			r.Post("/run_scheduler", e.RunScheduler)
			r.Get("/{id}", e.Get)
			r.Put("/{id}", e.Update)
			r.Delete("/{id}", e.Cancel)
			r.Get("/{id}/logs", e.Logs)
			r.Post("/{id}/retry", e.Retry)
		})

		r.Route("/email-templates", func(r chi.Router) {
			t := deps.Templates
			r.Get("/", ListTemplatesHandler(t))
			r.Post("/", CreateTemplateHandler(t))
			r.Get("/active", ActiveTemplatesHandler(t))
			r.Get("/code/{code}", GetTemplateByCodeHandler(t))
			r.Get("/{id}", GetTemplateHandler(t))
			r.Put("/{id}", UpdateTemplateHandler(t))
			r.Delete("/{id}", DeleteTemplateHandler(t))
		})
	})

	return r
}
