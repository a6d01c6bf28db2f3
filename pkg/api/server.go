// Package api serves the daemon's HTTP control interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
	"github.com/RobPruzan/zenbu-daemon/pkg/warmpool"
)

// ProjectService is the warm pool surface the handlers call
type ProjectService interface {
	CreateProject(ctx context.Context, req warmpool.CreateRequest) (procmgr.ManagedProcess, error)
	DeleteProject(ctx context.Context, key string) error
	KillProject(ctx context.Context, key string) error
	ListProjects() []procmgr.ManagedProcess
	ListProcesses() []procmgr.ManagedProcess
	ListOS(ctx context.Context) ([]procmgr.ManagedProcess, error)
	Health() warmpool.Health
}

// Server owns the gin router and its http.Server
type Server struct {
	pool     ProjectService
	registry *prometheus.Registry
	logger   *slog.Logger

	router *gin.Engine
	http   *http.Server
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsRegistry serves registry at /metrics
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// NewServer creates the server and its routes
func NewServer(pool ProjectService, opts ...Option) *Server {
	s := &Server{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))

	s.router.GET("/projects", s.listProjects)
	s.router.POST("/projects", s.createProject)
	s.router.DELETE("/projects/:name", s.deleteProject)
	s.router.POST("/projects/:name/kill", s.killProject)
	s.router.GET("/processes", s.listProcesses)
	s.router.GET("/healthz", s.health)

	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}

// Handler returns the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
