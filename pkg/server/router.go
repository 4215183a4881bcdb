// Package server exposes a scanner session over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ken/pokescan/pkg/session"
)

// DefaultMaxUploadSize caps an imported image upload
const DefaultMaxUploadSize = 32 << 20

// Server holds the HTTP handlers of one scanner session
type Server struct {
	scanner       *session.Scanner
	ctx           context.Context
	maxUploadSize int64
	logger        *slog.Logger
}

// New creates a server. Background builds run under ctx, not under the
// request that started them.
func New(ctx context.Context, scanner *session.Scanner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		scanner:       scanner,
		ctx:           ctx,
		maxUploadSize: DefaultMaxUploadSize,
		logger:        logger,
	}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)

	r.Get("/status", s.StatusHandler)
	r.Get("/status/stream", s.StatusStreamHandler)

	r.Route("/index", func(r chi.Router) {
		r.Post("/build", s.BuildHandler)
		r.Post("/cancel", s.CancelBuildHandler)
		r.Post("/clear", s.ClearHandler)
	})

	r.Route("/camera", func(r chi.Router) {
		r.Post("/start", s.StartCameraHandler)
		r.Post("/stop", s.StopCameraHandler)
	})

	r.Route("/import", func(r chi.Router) {
		r.Post("/", s.ImportHandler)
		r.Delete("/", s.ClearImportHandler)
		r.Get("/preview", s.PreviewHandler)
	})

	r.Post("/scan", s.ScanHandler)
	r.Post("/scan/select", s.SelectHandler)
	r.Put("/settings", s.SettingsHandler)
	r.Post("/model/retry", s.RetryHandler)

	return r
}
