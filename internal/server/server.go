package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"livecast/internal/api"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
)

// Config controls the HTTP surface assembly.
type Config struct {
	Addr    string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// StreamRoot, when set, is served read-only under /streams/ so the HLS
	// manifests the supervisor writes are reachable without a CDN in front.
	StreamRoot string
}

// New assembles the router and the http.Server around the API handler.
func New(handler *api.Handler, cfg Config) *http.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, next)
	})
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))

	r.Get("/healthz", handler.Health)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())
	r.Mount("/api", handler.Routes())
	r.Get("/ws", handler.ViewerSocket)
	r.Post("/hooks/media-server", handler.MediaServerHook)

	if cfg.StreamRoot != "" {
		fileServer := http.StripPrefix("/streams/", http.FileServer(http.Dir(cfg.StreamRoot)))
		r.Handle("/streams/*", fileServer)
	}

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
