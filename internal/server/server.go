package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/usagehub/usagehub/internal/backup"
	"github.com/usagehub/usagehub/internal/config"
	"github.com/usagehub/usagehub/internal/store"
	"github.com/usagehub/usagehub/internal/sync"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server behind the dashboard: a JSON API over
// the reader pool plus an SSE stream for data-updated pushes.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	st      *store.Store
	orch    *sync.Orchestrator
	backups *backup.Manager
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo
	hub     *hub
}

// New creates a new Server.
func New(
	cfg config.Config, st *store.Store,
	orch *sync.Orchestrator, backups *backup.Manager,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:     cfg,
		st:      st,
		orch:    orch,
		backups: backups,
		mux:     http.NewServeMux(),
		hub:     newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc(
		"GET /api/v1/sessions/{id}", s.handleGetSession,
	)
	s.mux.HandleFunc("GET /api/v1/sources", s.handleListSources)
	s.mux.HandleFunc("GET /api/v1/version", s.handleGetVersion)
	s.mux.HandleFunc("POST /api/v1/sync", s.handleTriggerSync)
	s.mux.HandleFunc(
		"GET /api/v1/sync/status", s.handleSyncStatus,
	)
	s.mux.HandleFunc("POST /api/v1/resync", s.handleFullResync)
	s.mux.HandleFunc("GET /api/v1/backups", s.handleListBackups)
	s.mux.HandleFunc(
		"POST /api/v1/backups", s.handleCreateBackup,
	)
	s.mux.HandleFunc(
		"POST /api/v1/backups/restore", s.handleRestoreBackup,
	)
	// SSE: long-lived connection, no timeout middleware.
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// NotifyDataUpdated pushes a data-updated event to all SSE
// subscribers. Wired as the orchestrator's notify callback.
func (s *Server) NotifyDataUpdated() {
	s.hub.broadcast()
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set(
				"Access-Control-Allow-Origin", "*",
			)
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Printf(
				"%s %s %s", r.Method, r.URL.Path,
				time.Since(start).Round(time.Millisecond),
			)
		}
	})
}
