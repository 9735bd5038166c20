// Package web serves the JSON operations API, the live event stream and the
// health and metrics endpoints.
package web

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scripthost/internal/fault"
	"scripthost/internal/host"
	"scripthost/internal/lifecycle"
	"scripthost/internal/metrics"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLivenessCheck adds a check to /live.
func WithLivenessCheck(name string, check func() error) ServerOption {
	return func(s *Server) {
		s.health.AddLivenessCheck(name, check)
	}
}

// WithReadinessCheck adds a check to /ready.
func WithReadinessCheck(name string, check func() error) ServerOption {
	return func(s *Server) {
		s.health.AddReadinessCheck(name, check)
	}
}

// LoopCheck fails once the coordinating loop has stopped.
func LoopCheck(loop *host.Loop) func() error {
	return func() error {
		select {
		case <-loop.Stopped():
			return errors.New("loop stopped")
		default:
			return nil
		}
	}
}

// Server is the HTTP server for the operations API.
type Server struct {
	mgr            *lifecycle.Manager
	metrics        *metrics.Metrics
	health         healthcheck.Handler
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	started        time.Time
	wg             sync.WaitGroup
	unsubEvents    func()
	unsubFaults    func()
}

// NewServer creates a new web server.
func NewServer(mgr *lifecycle.Manager, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		mgr:     mgr,
		health:  healthcheck.NewHandler(),
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Stream every host event and every script fault to WebSocket clients.
	s.unsubEvents = mgr.Events().OnAll(func(e host.Event) {
		s.wsHub.Broadcast(newStreamMessage(kindEvent, e))
	})
	s.unsubFaults = mgr.Router().OnFault(func(f *fault.Fault) {
		s.wsHub.Broadcast(newStreamMessage(kindFault, f))
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	if s.unsubFaults != nil {
		s.unsubFaults()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts/load-all", s.handleAPILoadAll)
	s.mux.HandleFunc("GET /api/scripts/{name}", s.handleAPIGetScript)
	s.mux.HandleFunc("GET /api/scripts/{name}/history", s.handleAPIScriptHistory)
	s.mux.HandleFunc("GET /api/history", s.handleAPIListHistory)
	s.mux.HandleFunc("POST /api/scripts/{name}/{action}", s.handleAPIScriptAction)

	// Commands, events, placeholders, tasks
	s.mux.HandleFunc("GET /api/commands", s.handleAPIListCommands)
	s.mux.HandleFunc("GET /api/help", s.handleAPIHelp)
	s.mux.HandleFunc("POST /api/commands/execute", s.handleAPIExecute)
	s.mux.HandleFunc("POST /api/commands/complete", s.handleAPIComplete)
	s.mux.HandleFunc("POST /api/events", s.handleAPIEmitEvent)
	s.mux.HandleFunc("POST /api/placeholders/expand", s.handleAPIExpand)
	s.mux.HandleFunc("GET /api/tasks", s.handleAPIListTasks)

	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Operations
	s.mux.HandleFunc("GET /live", s.health.LiveEndpoint)
	s.mux.HandleFunc("GET /ready", s.health.ReadyEndpoint)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is protected. Probes, metrics scrapers and browsers
		// opening the WebSocket cannot send custom headers.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
