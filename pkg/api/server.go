// Package api serves the operational HTTP endpoints of a running storagehub:
// health probes, the active backend status, prometheus metrics and the
// local mirror's file links.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/pool"
	"github.com/objectfs/storagehub/internal/registry"
	"github.com/objectfs/storagehub/internal/upload"
	"github.com/objectfs/storagehub/pkg/errors"
)

// StateSource reports the active backend.
type StateSource interface {
	State() (registry.State, error)
}

type poolReporter interface {
	PoolStats() pool.Stats
}

type uploadReporter interface {
	Uploads() *upload.Manager
}

// Server provides the HTTP endpoints
type Server struct {
	httpServer *http.Server
	registry   StateSource
	metrics    http.Handler
	files      http.Handler
	config     ServerConfig
	logger     *zap.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// FilesPrefix is the URL path the local file handler is mounted on.
	FilesPrefix string `yaml:"files_prefix" json:"files_prefix"`
}

// Handlers are the optional endpoints a server mounts.
type Handlers struct {
	Metrics http.Handler
	Files   http.Handler
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
		FilesPrefix:  "/files",
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, registry StateSource, handlers Handlers, logger *zap.Logger) *Server {
	if logger == nil {
		logger = logging.Named("api")
	}
	s := &Server{
		registry: registry,
		metrics:  handlers.Metrics,
		files:    handlers.Files,
		config:   config,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/uploads", s.handleUploads)
	mux.HandleFunc("/info", s.handleInfo)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.files != nil {
		prefix := "/" + strings.Trim(s.config.FilesPrefix, "/")
		mux.Handle(prefix+"/", http.StripPrefix(prefix, s.files))
	}

	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", logging.Err(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// Readiness - is a storage backend active?
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, err := s.registry.State()
	if err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":     false,
			"error":     err.Error(),
			"timestamp": time.Now(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"backend":   state.Kind,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, err := s.registry.State()
	if err != nil {
		s.respondStorageError(w, err)
		return
	}

	response := map[string]interface{}{
		"backend":                state.Kind,
		"config_id":              state.ConfigID,
		"activated_at":           state.ActivatedAt,
		"supports_direct_stream": state.Backend.SupportsDirectStream(),
		"timestamp":              time.Now(),
	}
	if p, ok := state.Backend.(poolReporter); ok {
		response["pool"] = p.PoolStats()
	}
	if u, ok := state.Backend.(uploadReporter); ok {
		response["uploads_in_flight"] = u.Uploads().Count()
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, err := s.registry.State()
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	uploads := []upload.Snapshot{}
	if u, ok := state.Backend.(uploadReporter); ok {
		uploads = u.Uploads().InFlight()
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"uploads":   uploads,
		"count":     len(uploads),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := []string{"/health/live", "/health/ready", "/status", "/status/uploads", "/info"}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}
	if s.files != nil {
		endpoints = append(endpoints, "/"+strings.Trim(s.config.FilesPrefix, "/")+"/{bucket}/{key}")
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "storagehub",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", logging.Err(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

func (s *Server) respondStorageError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.ErrCodeInternal
	if se, ok := errors.As(err); ok {
		status = se.HTTPStatus
		code = se.Code
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      code,
		"timestamp": time.Now(),
	})
}
