// Package server exposes the dispatcher's observability surface: health,
// status snapshot, and Prometheus metrics. The dispatcher is driven by
// polling, not by this server; nothing here mutates dispatcher state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetworks/dispatcher/internal/config"
	"github.com/fleetworks/dispatcher/internal/dispatcher"
	"github.com/fleetworks/dispatcher/internal/logger"
)

// StatusSource supplies the status snapshot, normally the dispatcher core.
type StatusSource interface {
	Status() dispatcher.Status
}

// Server is the observability HTTP server.
type Server struct {
	httpServer *http.Server
}

func New(cfg config.ServerConfig, source StatusSource) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source.Status()); err != nil {
			logger.WithComponent("server").Error().Err(err).Msg("failed to encode status")
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start serves until Shutdown; it blocks, so run it on its own goroutine.
func (s *Server) Start() error {
	logger.WithComponent("server").Info().
		Str("addr", s.httpServer.Addr).
		Msg("observability server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
