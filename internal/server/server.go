// Package server provides the control plane's HTTP surface: health,
// UI session auth, the global SSE hub, the three versioned document hubs,
// session activity, and a handful of thin reverse-proxy passthroughs to
// the upstream agent.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/canxin121/opencode-studio-sub001/internal/activity"
	"github.com/canxin121/opencode-studio-sub001/internal/authsession"
	"github.com/canxin121/opencode-studio-sub001/internal/docstore"
	"github.com/canxin121/opencode-studio-sub001/internal/globalhub"
	"github.com/canxin121/opencode-studio-sub001/internal/reconciler"
	"github.com/canxin121/opencode-studio-sub001/internal/sessionindex"
	"github.com/canxin121/opencode-studio-sub001/internal/supervisor"
)

// Config holds server configuration.
type Config struct {
	Hostname           string
	Port               int
	CORSAllowedOrigins []string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Hostname:     "127.0.0.1",
		Port:         4096,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE streams are long-lived
	}
}

// Deps bundles every subsystem the HTTP surface is a thin front-end for.
type Deps struct {
	Supervisor    *supervisor.Supervisor
	Index         *sessionindex.Index
	Activity      *activity.Tracker
	GlobalHub     *globalhub.Hub
	Reconciler    *reconciler.Reconciler
	Auth          *authsession.Manager
	SidebarPrefs  *docstore.Hub
	TerminalState *docstore.Hub
	Settings      *docstore.Hub
}

// Server is the control plane's HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	deps    Deps
}

// New creates a Server wired to deps and ready to Start.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		deps:   deps,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if len(s.config.CORSAllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "If-Match"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/auth/session", s.deps.Auth.StatusResponse)
	r.Post("/auth/session", s.deps.Auth.CreateSession)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.deps.Auth.Middleware)

		r.Get("/global/event", s.deps.GlobalHub.ServeHTTP)

		r.Route("/ui/chat-sidebar/preferences", func(r chi.Router) {
			r.Get("/", s.deps.SidebarPrefs.Get)
			r.Put("/", s.deps.SidebarPrefs.Put)
			r.Get("/events", s.deps.SidebarPrefs.Events)
		})

		r.Route("/ui/terminal/state", func(r chi.Router) {
			r.Get("/", s.deps.TerminalState.Get)
			r.Put("/", s.deps.TerminalState.Put)
			r.Get("/events", s.deps.TerminalState.Events)
		})

		r.Route("/config/settings", func(r chi.Router) {
			r.Get("/", s.deps.Settings.Get)
			r.Put("/", s.deps.Settings.Put)
			r.Get("/events", s.deps.Settings.Events)
		})

		r.Get("/session-activity", s.sessionActivity)

		r.Get("/session/status", s.passthroughSessionStatus)
		r.Get("/file/find", s.passthroughFileFind)
		r.Get("/find/symbol", s.passthroughFindSymbol)
	})
}

// health reports the upstream agent's reachability alongside our own
// liveness, so a load balancer or the UI's own banner can distinguish
// "studio is up but the agent isn't" from total outage.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Supervisor.Status()
	var port any
	if status.Port != 0 {
		port = status.Port
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"openCodePort":      port,
		"openCodeRunning":   status.Port != 0 && status.Ready && !status.Restarting,
		"isOpenCodeReady":   status.Ready,
		"lastOpenCodeError": nullableString(status.LastError),
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sessionActivity performs exactly one on-demand reconcile before
// returning the activity snapshot, so a hard refresh after a missed
// terminal SSE event still reflects the upstream's authoritative state.
func (s *Server) sessionActivity(w http.ResponseWriter, r *http.Request) {
	s.deps.Reconciler.ReconcileOnce(r.Context())
	s.deps.Activity.PruneStaleIdleEntries(reconciler.IdleRetention)
	s.deps.Index.PruneStaleRuntimeEntries(reconciler.IdleRetention)
	writeJSON(w, http.StatusOK, s.deps.Activity.SnapshotJSON())
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Hostname, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
