// Package api provides the HTTP and WebSocket surface of the backtest
// engine. Validation failures return 422; cache/monitoring degradation is
// invisible to functional correctness (200 with a diagnostic in the
// summary); engine failures surface as 500 with a detail payload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/cache"
	"github.com/atlas-desktop/backtest-engine/internal/monitor"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP API server.
type Server struct {
	logger     *zap.Logger
	config     types.Config
	router     *mux.Router
	httpServer *http.Server
	cache      *cache.Cache
	monitor    *monitor.Monitor
	hub        *Hub
}

// NewServer wires the API over its injected collaborators.
func NewServer(logger *zap.Logger, config types.Config, resultCache *cache.Cache, mon *monitor.Monitor) *Server {
	s := &Server{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		cache:   resultCache,
		monitor: mon,
		hub:     NewHub(logger),
	}
	s.setupRoutes()
	return s
}

// Router exposes the mux for tests and embedding.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	s.router.HandleFunc("/optimize", s.handleOptimize).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	s.router.HandleFunc("/cache", s.handleCacheClear).Methods(http.MethodDelete)

	s.router.HandleFunc("/monitoring/health", s.handleMonitoringHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/cache", s.handleMonitoringCache).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/active", s.handleMonitoringActive).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/analytics", s.handleMonitoringAnalytics).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/stats", s.handleMonitoringStats).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/export", s.handleMonitoringExport).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/execution/{id}", s.handleMonitoringExecution).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/user/{user_id}", s.handleMonitoringUser).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/data", s.handleMonitoringCleanup).Methods(http.MethodDelete)

	if s.config.Server.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc(s.config.Server.WebSocketPath, s.hub.ServeWS)
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and disconnects WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

// writeError maps an error to its wire status: validation → 422,
// anything else → 500 with {detail}.
func (s *Server) writeError(w http.ResponseWriter, endpoint string, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		mtxRequests.WithLabelValues(endpoint, "422").Inc()
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": verr.Problems})
		return
	}
	mtxRequests.WithLabelValues(endpoint, "500").Inc()
	s.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
}

// correlation pulls the identity headers off a request.
func correlation(r *http.Request) (userID, correlationID string) {
	return r.Header.Get("X-User-ID"), r.Header.Get("X-Correlation-ID")
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "run", &ValidationError{Problems: []string{"malformed JSON body"}})
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, "run", err)
		return
	}

	userID, correlationID := correlation(r)
	exec := s.monitor.Track(userID, correlationID)
	mtxActiveExecutions.Inc()
	defer mtxActiveExecutions.Dec()

	response, err := s.guardedRun(func() (map[string]any, error) {
		return s.runBacktest(r.Context(), &req, exec)
	})
	if err != nil {
		exec.Fail(err)
		s.writeError(w, "run", err)
		return
	}
	exec.Complete()

	s.hub.Broadcast("run:complete", map[string]any{"execution_id": exec.ID()})
	mtxRequests.WithLabelValues("run", "200").Inc()
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "optimize", &ValidationError{Problems: []string{"malformed JSON body"}})
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, "optimize", err)
		return
	}

	userID, correlationID := correlation(r)
	exec := s.monitor.Track(userID, correlationID)
	mtxActiveExecutions.Inc()
	defer mtxActiveExecutions.Dec()

	response, err := s.guardedRun(func() (map[string]any, error) {
		return s.runOptimization(r.Context(), &req, exec)
	})
	if err != nil {
		exec.Fail(err)
		s.writeError(w, "optimize", err)
		return
	}
	exec.Complete()

	s.hub.Broadcast("optimize:complete", map[string]any{"execution_id": exec.ID()})
	mtxRequests.WithLabelValues("optimize", "200").Inc()
	s.writeJSON(w, http.StatusOK, response)
}

// guardedRun converts an engine panic into a plain error so one bad request
// cannot take the process down.
func (s *Server) guardedRun(fn func() (map[string]any, error)) (response map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine failure: %v", r)
		}
	}()
	return fn()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed, err := s.cache.Clear(r.Context(), pattern)
	if err != nil {
		// graceful degradation: report, don't fail
		s.writeJSON(w, http.StatusOK, map[string]any{
			"cleared": 0,
			"status":  "degraded",
			"detail":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": removed, "status": "ok"})
}

func (s *Server) handleMonitoringHealth(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.monitor.SystemHealth()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleMonitoringCache(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.CachePerformance())
}

func (s *Server) handleMonitoringActive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active": s.monitor.ActiveExecutions(),
	})
}

func (s *Server) handleMonitoringAnalytics(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	s.writeJSON(w, http.StatusOK, s.monitor.Aggregated(days))
}

func (s *Server) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cache":   s.monitor.CachePerformance(),
		"history": s.monitor.Aggregated(queryInt(r, "days", 7)),
		"active":  len(s.monitor.ActiveExecutions()),
	})
}

func (s *Server) handleMonitoringExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	out, err := s.monitor.Export(format)
	if err != nil {
		s.writeError(w, "monitoring_export", &ValidationError{Problems: []string{err.Error()}})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

func (s *Server) handleMonitoringExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	record, ok := s.monitor.ExecutionSummary(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"detail": "execution not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleMonitoringUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	limit := queryInt(r, "limit", 100)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"activity": s.monitor.UserActivity(userID, limit),
	})
}

func (s *Server) handleMonitoringCleanup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		s.writeError(w, "monitoring_cleanup", &ValidationError{Problems: []string{"confirm=true is required"}})
		return
	}
	days := queryInt(r, "days", 30)
	removed := s.monitor.Cleanup(days)
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "days": days})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
