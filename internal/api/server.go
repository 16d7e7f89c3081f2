// Package api exposes the HTTP surface: task submission, schedule and
// dead-letter administration, health and metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/migrate"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/store"
)

// Server holds the API dependencies.
type Server struct {
	logger       *zap.Logger
	client       *queue.Client
	store        *store.Store
	migrator     *migrate.Migrator
	defaultQueue string
}

// NewServer creates the API server.
func NewServer(client *queue.Client, st *store.Store, m *migrate.Migrator, defaultQueue string, logger *zap.Logger) *Server {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	return &Server{
		logger:       logger.Named("api"),
		client:       client,
		store:        st,
		migrator:     m,
		defaultQueue: defaultQueue,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleEnqueueTask)
		r.Get("/tasks/{id}", s.handleGetTask)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/{id}", s.handleGetSchedule)
			r.Put("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Post("/{id}/requeue", s.handleRequeueDeadLetter)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz gates readiness on the migration record being at head and the
// broker answering. Traffic must not reach a process running against a stale
// schema.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	atHead, err := s.migrator.AtHead(r.Context())
	if err != nil || !atHead {
		respondError(w, http.StatusServiceUnavailable, "migrations not at head")
		return
	}
	if err := s.client.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
