// Package api exposes the HTTP interface for the tracker service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bookpulse/bookpulse/internal/config"
	"github.com/bookpulse/bookpulse/internal/sched"
	"github.com/bookpulse/bookpulse/internal/telemetry"
	"github.com/bookpulse/bookpulse/internal/tracker"
	"github.com/bookpulse/bookpulse/internal/trend"
)

// Server wires HTTP handlers to the scheduler, store and trend engine.
// The HTTP surface is read-only over snapshots; only the crawl pipeline
// writes them.
type Server struct {
	router    chi.Router
	store     tracker.SnapshotStore
	trends    *trend.Engine
	scheduler *sched.Scheduler
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store tracker.SnapshotStore,
	trends *trend.Engine,
	scheduler *sched.Scheduler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		trends:    trends,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/runs", s.triggerRun)
			r.Get("/status", s.crawlStatus)
		})
		r.Route("/books/{novel_id}", func(r chi.Router) {
			r.Get("/", s.getBook)
			r.Get("/trend", s.getBookTrend)
		})
		r.Route("/rankings/{rank_id}", func(r chi.Router) {
			r.Get("/", s.getRanking)
			r.Get("/books", s.getRankingBooks)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type triggerRunRequest struct {
	PageIDs []string `json:"page_ids"`
	// At defers the run to a future instant; absent means immediately.
	At *time.Time `json:"at,omitempty"`
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.PageIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "page_ids is required")
		return
	}
	if req.At != nil {
		if err := s.scheduler.TriggerAt(*req.At, req.PageIDs); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   "scheduled",
			"page_ids": req.PageIDs,
			"at":       req.At,
		})
		return
	}
	if err := s.scheduler.Trigger(req.PageIDs); err != nil {
		if errors.Is(err, sched.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"page_ids": req.PageIDs,
	})
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	status, lastResult, lastErr := s.scheduler.Status()
	payload := map[string]any{"status": status}
	if lastResult != nil {
		payload["last_run"] = lastResult
	}
	if lastErr != "" {
		payload["last_error"] = lastErr
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	novelID, err := strconv.ParseInt(chi.URLParam(r, "novel_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid novel id")
		return
	}
	book, err := s.store.GetBook(r.Context(), novelID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, book)
}

func (s *Server) getBookTrend(w http.ResponseWriter, r *http.Request) {
	novelID, err := strconv.ParseInt(chi.URLParam(r, "novel_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid novel id")
		return
	}
	q := r.URL.Query()
	metric := tracker.Metric(q.Get("metric"))
	if metric == "" {
		metric = tracker.MetricCollections
	}
	granularity := tracker.Granularity(q.Get("granularity"))
	if granularity == "" {
		granularity = tracker.GranularityDay
	}
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err))
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err))
		return
	}

	points, err := s.trends.BookTrend(r.Context(), novelID, metric, granularity, from, to)
	if err != nil {
		if errors.Is(err, tracker.ErrInvalidRange) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("trend query failed", zap.Int64("novel_id", novelID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "trend query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"novel_id":    novelID,
		"metric":      metric,
		"granularity": granularity,
		"points":      points,
	})
}

func (s *Server) getRanking(w http.ResponseWriter, r *http.Request) {
	rankID := chi.URLParam(r, "rank_id")
	ranking, err := s.store.GetRanking(r.Context(), rankID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ranking)
}

func (s *Server) getRankingBooks(w http.ResponseWriter, r *http.Request) {
	rankID := chi.URLParam(r, "rank_id")
	snaps, err := s.store.LatestRankingSnapshots(r.Context(), rankID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rank_id": rankID,
		"entries": snaps,
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, tracker.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("store lookup failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "lookup failed")
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
