package app

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/config"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
)

// defaultDLQPruneAge applies when a prune request names no olderThan.
const defaultDLQPruneAge = 30 * 24 * time.Hour

// Server holds the handler dependencies for the admin API.
type Server struct {
	cfg  config.Config
	jobs *jobmanager.Manager
	kv   *rediskv.Client
}

// NewServer wires the admin API handlers.
func NewServer(cfg config.Config, jobs *jobmanager.Manager, kv *rediskv.Client) *Server {
	return &Server{cfg: cfg, jobs: jobs, kv: kv}
}

// Healthz reports process liveness.
func (s *Server) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Readyz reports readiness: the store answers pings and the producer API is
// still accepting. During drain the runner deliberately turns unready.
func (s *Server) Readyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.kv.Ping(r.Context()); err != nil {
			writeError(w, fmt.Errorf("op=app.Readyz: %w: %v", domain.ErrInfrastructure, err))
			return
		}
		if !s.jobs.IsAccepting() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// ListQueues returns counters for every provisioned queue.
func (s *Server) ListQueues() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.jobs.AllQueueStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
	}
}

// QueueDetail returns counters for one queue.
func (s *Server) QueueDetail() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		stats, err := s.jobs.QueueStats(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": name, "stats": stats})
	}
}

// PauseQueue stops pops on a queue; waiting jobs stay put.
func (s *Server) PauseQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.jobs.PauseQueue(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "paused"})
	}
}

// ResumeQueue re-enables pops on a paused queue.
func (s *Server) ResumeQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.jobs.ResumeQueue(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "resumed"})
	}
}

// ClearQueue drops every waiting, delayed, and historical job on a queue.
func (s *Server) ClearQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.jobs.ClearQueue(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "cleared"})
	}
}

// RetryFailed re-enqueues the failed-history jobs of a queue.
func (s *Server) RetryFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		n, err := s.jobs.RetryFailed(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": name, "retried": n})
	}
}

// ListDeadLetters returns the newest DLQ entries, up to ?limit.
func (s *Server) ListDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, fmt.Errorf("op=app.ListDeadLetters: %w: limit %q", domain.ErrInvalidArgument, v))
				return
			}
			limit = n
		}
		entries := s.jobs.DeadLetters().List(r.Context(), limit)
		if entries == nil {
			entries = []domain.DeadLetterEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// DeadLetterStats summarizes the DLQ.
func (s *Server) DeadLetterStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.jobs.DeadLetters().Stats(r.Context()))
	}
}

// RetryDeadLetter re-enqueues one DLQ entry on its original queue.
func (s *Server) RetryDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.jobs.RetryDeadLetter(r.Context(), id) {
			writeError(w, fmt.Errorf("op=app.RetryDeadLetter: %w: entry %s", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "retried": true})
	}
}

// RetryDeadLettersByQueue re-enqueues every DLQ entry from one original queue.
func (s *Server) RetryDeadLettersByQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		n := s.jobs.RetryDeadLettersByQueue(r.Context(), name)
		writeJSON(w, http.StatusOK, map[string]any{"queue": name, "retried": n})
	}
}

// PruneDeadLetters removes DLQ entries older than ?olderThan (default 30 days).
func (s *Server) PruneDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		age := defaultDLQPruneAge
		if v := r.URL.Query().Get("olderThan"); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				writeError(w, fmt.Errorf("op=app.PruneDeadLetters: %w: olderThan %q", domain.ErrInvalidArgument, v))
				return
			}
			age = parsed
		}
		removed := s.jobs.DeadLetters().Prune(r.Context(), age)
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	}
}

// ClearDeadLetters drops the whole DLQ.
func (s *Server) ClearDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed := s.jobs.DeadLetters().ClearAll(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	}
}
