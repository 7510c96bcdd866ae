// Package httpapi is the worker-facing and admin-facing HTTP surface of
// the scheduling core. It translates between JSON payloads and
// the assignment/ingestion/queue components, and maps the error taxonomy
// of internal/errors onto status codes. No scheduling decision is made
// here.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/vcsched/scheduler-core/internal/errors"
	"github.com/vcsched/scheduler-core/pkg/scheduler/assignment"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ingest"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	assignments *assignment.Service
	ingestor    *ingest.Ingestor
	queue       *queue.Manager
	runs        store.RunStore
	candidates  store.CandidateStore
	validate    *validator.Validate
	log         *zap.Logger

	ready    func(ctx context.Context) error
	draining atomic.Bool
}

func NewServer(assignments *assignment.Service, ingestor *ingest.Ingestor, q *queue.Manager,
	runs store.RunStore, candidates store.CandidateStore, ready func(ctx context.Context) error,
	log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	return &Server{
		assignments: assignments,
		ingestor:    ingestor,
		queue:       q,
		runs:        runs,
		candidates:  candidates,
		validate:    validator.New(),
		log:         log,
		ready:       ready,
	}
}

// Drain refuses new assignment pops while leaving everything else up, for
// graceful shutdown.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Router builds the chi router with all worker and admin routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	// Worker protocol.
	r.Get("/assignment", s.handleGetAssignment)
	r.Route("/assignment/{runID}", func(r chi.Router) {
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/result", s.handleResult)
		r.Post("/abandon", s.handleAbandon)
	})

	// Admin/control.
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleListQueue)
		r.Post("/", s.handleEnqueue)
		r.Post("/{id}/priority", s.handleReprioritize)
		r.Delete("/{id}", s.handleRemoveQueueItem)
	})
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/candidates/{codebase}/{campaign}", s.handleGetCandidate)

	// Observability.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if err := s.ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err using the taxonomy's status mapping and safe
// external message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.GetStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": apperrors.SafeErrorMessage(err)})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
