// Package api implements the thin internal control surface described in
// the spec's external interfaces: a loopback-only HTTP API in front of the
// queue manager (token-checked only when a control token is configured; an
// empty token, the default, turns the check off), kept in the shape of the teacher's
// internal/api/server.go (chi router, security+concurrency middleware
// chain) but rewired against the Redis-backed queue.Manager instead of the
// deleted core.TachyonEngine, and with the Wails-specific
// /v1/browser/trigger route dropped.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"galion/internal/analytics"
	"galion/internal/queue"
	"galion/internal/security"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ControlServer struct {
	queue      *queue.Manager
	stats      *analytics.StatsManager
	audit      *security.AuditLogger
	logger     *slog.Logger
	token      string
	maxConcurrent int64
	router     *chi.Mux
	activeReqs int64
}

func NewControlServer(q *queue.Manager, stats *analytics.StatsManager, audit *security.AuditLogger, logger *slog.Logger, token string, maxConcurrent int64) *ControlServer {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	s := &ControlServer{
		queue:         q,
		stats:         stats,
		audit:         audit,
		logger:        logger,
		token:         token,
		maxConcurrent: maxConcurrent,
		router:        chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > s.maxConcurrent {
			s.audit.Log("127.0.0.1", r.UserAgent(), "overloaded "+r.URL.Path, 429, "max concurrent reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds the control surface to addr (expected loopback) and serves
// until the process exits or ctx is cancelled.
func (s *ControlServer) Start(ctx context.Context, addr string) error {
	conn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: bind %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.router}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.logger.Info("control server listening", "addr", addr)
	if err := srv.Serve(conn); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/queue", s.handleQueueDownload)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/control", s.handleTaskControl)
	s.router.Get("/v1/status", s.handleGetStatus)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, 403, "external access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Galion-Token")
		if s.token != "" && token != s.token {
			s.audit.Log(sourceIP, userAgent, action, 401, "invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, 200, "authorized")
		next.ServeHTTP(w, r)
	})
}

// Request/Response Models

type EnqueueRequest struct {
	URL        string            `json:"url"`
	PlatformID string            `json:"platform_id"`
	Options    map[string]string `json:"options"`
	Priority   int               `json:"priority"`
	Dedup      bool              `json:"dedup"`
}

type EnqueueResponse struct {
	JobID string `json:"job_id"`
}

type ControlRequest struct {
	Action string `json:"action"` // "pause-queue", "resume-queue", "retry", "cancel"
}

func (s *ControlServer) handleQueueDownload(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req.URL, req.PlatformID, req.Options, req.Priority, req.Dedup, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "duplicate url already queued", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(EnqueueResponse{JobID: job.ID})
}

func (s *ControlServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err != nil || job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (s *ControlServer) handleTaskControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "pause-queue":
		err = s.queue.Pause(r.Context())
	case "resume-queue":
		err = s.queue.Resume(r.Context())
	case "retry":
		err = s.queue.Fail(r.Context(), id, "manual retry requested", true)
	case "cancel":
		err = s.queue.Fail(r.Context(), id, "cancelled by operator", false)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"status": "running",
		"queue":  stats,
	}
	if s.stats != nil {
		resp["analytics"] = s.stats.GetAnalytics()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
