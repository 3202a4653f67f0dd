// Package server is the dbrelay HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/internal/observability"
	"github.com/3leaps/dbrelay/internal/server/handlers"
	"github.com/3leaps/dbrelay/internal/server/middleware"
	"github.com/3leaps/dbrelay/pkg/events"
)

// Server wraps the router and the listening http.Server.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	logger *zap.Logger

	engine handlers.JobService
	hub    *events.Hub

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithJobs mounts the /api/v1 job endpoints backed by engine. hub enables
// the websocket event stream and may be nil.
func WithJobs(engine handlers.JobService, hub *events.Hub) Option {
	return func(s *Server) {
		s.engine = engine
		s.hub = hub
	}
}

// WithLogger sets the access and error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       observability.ServerLogger,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithCode(w, req, apperrors.CodeNotFound, fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithCode(w, req, apperrors.CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.engine != nil {
		r.Route("/api/v1", handlers.NewJobsHandler(s.engine, s.hub, s.logger).Routes)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
