// Package api exposes the OAuth connection service over HTTP. The surface is
// deliberately small: begin an authorization, complete a callback, read a
// valid token, list connections, and disconnect. Every route sits behind a
// named rate-limit profile.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/postflow-hq/postflow/internal/api/middleware"
	"github.com/postflow-hq/postflow/internal/logging"
	"github.com/postflow-hq/postflow/internal/oauth"
)

// Server wraps the Gin engine and the HTTP listener.
type Server struct {
	orchestrator *oauth.Orchestrator
	counters     middleware.CounterStore
	profiles     middleware.Profiles
	engine       *gin.Engine
	httpServer   *http.Server
}

// Options configures a Server. Zero-value fields fall back to sane defaults.
type Options struct {
	// Counters backs the rate limiter. Defaults to an in-process store.
	Counters middleware.CounterStore

	// Profiles holds the rate-limit profiles. Zero value means defaults.
	Profiles middleware.Profiles
}

// NewServer builds the HTTP server around an orchestrator.
func NewServer(orchestrator *oauth.Orchestrator, opts Options) *Server {
	if opts.Counters == nil {
		opts.Counters = middleware.NewMemoryCounterStore()
	}
	if opts.Profiles.General.MaxRequests == 0 {
		opts.Profiles = middleware.DefaultProfiles()
	}

	s := &Server{
		orchestrator: orchestrator,
		counters:     opts.Counters,
		profiles:     opts.Profiles,
	}
	s.engine = s.buildEngine()
	return s
}

// buildEngine assembles the middleware chain and routes.
func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinRecovery())
	engine.Use(logging.GinLogger())
	engine.Use(middleware.RateLimit(s.counters, s.profiles.General))

	engine.GET("/health", s.handleHealth)

	oauthGroup := engine.Group("/oauth")
	{
		oauthGroup.GET("/authorize/:platform",
			middleware.RateLimit(s.counters, s.profiles.Authorize), s.handleAuthorize)
		oauthGroup.POST("/callback",
			middleware.RateLimit(s.counters, s.profiles.Callback), s.handleCallback)
		oauthGroup.GET("/token/:platform/:projectId",
			middleware.RateLimit(s.counters, s.profiles.Token), s.handleToken)
		oauthGroup.POST("/disconnect", s.handleDisconnect)
		oauthGroup.GET("/connections/:projectId", s.handleConnections)
	}

	return engine
}

// Handler exposes the engine for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.engine }

// Counters exposes the counter store so the owner can schedule sweeps.
func (s *Server) Counters() middleware.CounterStore { return s.counters }

// Start begins serving on the given port and blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("api: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
