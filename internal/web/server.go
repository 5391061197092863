// Package web serves the run's status surface: health, live progress, and
// prometheus metrics. It is read-only observability for operators watching a
// long batch; nothing in the retrieval path depends on it.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/limits"
)

// Server is the HTTP status server.
type Server struct {
	srv     *http.Server
	guard   *limits.Guard
	started time.Time
}

type progressResponse struct {
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	DryRun           bool      `json:"dry_run"`
	StudiesAttempted int64     `json:"studies_attempted"`
	ImagesStored     int64     `json:"images_stored"`
}

// NewServer builds the status server on the given port.
func NewServer(port int, guard *limits.Guard) *Server {
	s := &Server{guard: guard, started: time.Now()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(recovery)
	r.Use(requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/progress", s.progress)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background. Failure to bind is logged, not fatal; the
// batch matters more than its status page.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Status server starting")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	resp := progressResponse{
		Status:           "running",
		StartedAt:        s.started,
		UptimeSeconds:    time.Since(s.started).Seconds(),
		DryRun:           s.guard.IsDryRun(),
		StudiesAttempted: s.guard.StudiesAttempted(),
		ImagesStored:     s.guard.ImagesStored(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
