// Package api exposes the HTTP interface for the newsletter service.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/metrics"
)

// Runner executes one newsletter run.
type Runner interface {
	Run(ctx context.Context) (digest.RunSummary, error)
}

// Server wires HTTP handlers to the run coordinator and stores.
type Server struct {
	router     chi.Router
	runner     Runner
	logs       digest.LogStore
	runMetrics digest.MetricsStore
	clock      digest.Clock
	cfg        *config.Config
	logger     *zap.Logger

	// running serializes runs; a trigger while one is in flight gets 409.
	running chan struct{}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runner Runner,
	logs digest.LogStore,
	runMetrics digest.MetricsStore,
	clock digest.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		runner:     runner,
		logs:       logs,
		runMetrics: runMetrics,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		running:    make(chan struct{}, 1),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.authMiddleware).Get("/send-news", s.sendNews)
		r.With(s.authMiddleware).Get("/monitor", s.monitor)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runResponse struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message,omitempty"`
	Error          string   `json:"error,omitempty"`
	TotalProcessed int      `json:"totalProcessed"`
	SuccessCount   int      `json:"successCount"`
	FailureCount   int      `json:"failureCount"`
	FailedEmails   []string `json:"failedEmails,omitempty"`
}

// sendNews triggers one newsletter run. Only one run may be in flight at
// a time, and the daily send quota is checked before starting.
func (s *Server) sendNews(w http.ResponseWriter, r *http.Request) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		writeError(w, http.StatusConflict, "a newsletter run is already in progress")
		return
	}

	now := s.clock.Now()
	dayStart := now.UTC().Truncate(24 * time.Hour)
	processed, err := s.runMetrics.ProcessedSince(r.Context(), dayStart)
	if err != nil {
		s.logger.Error("daily quota check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	if processed >= s.cfg.Run.DailySendLimit {
		writeError(w, http.StatusTooManyRequests, "daily send limit reached")
		return
	}

	summary, runErr := s.runner.Run(r.Context())
	resp := runResponse{
		Success:        runErr == nil,
		Message:        summary.Message,
		TotalProcessed: summary.TotalProcessed,
		SuccessCount:   summary.SuccessCount,
		FailureCount:   summary.FailureCount,
		FailedEmails:   summary.FailedEmails,
	}
	if runErr != nil {
		resp.Error = runErr.Error()
		resp.Message = ""
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type monitorResponse struct {
	RecentLogs []digest.EmailLog `json:"recentLogs"`
	Totals     monitorTotals     `json:"totals"`
}

type monitorTotals struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// monitor reports recent delivery outcomes for the operator dashboard.
func (s *Server) monitor(w http.ResponseWriter, r *http.Request) {
	logs, err := s.logs.Recent(r.Context(), 100)
	if err != nil {
		s.logger.Error("fetch recent logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	resp := monitorResponse{RecentLogs: logs}
	for _, entry := range logs {
		if entry.Status == digest.LogStatusSuccess {
			resp.Totals.Success++
		} else {
			resp.Totals.Failure++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// authMiddleware accepts the shared key either as a "key" query parameter
// or as a bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key != s.cfg.Auth.Key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
