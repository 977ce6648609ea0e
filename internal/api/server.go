// Package api exposes finished sessions, the job queue and the worker pool
// over HTTP. It serves the operator dashboard, a JSON API for tooling, and
// a WebSocket feed of live engine state.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

// Server wires whatever subsystems the hosting process has into HTTP
// handlers. Every dependency is optional; endpoints whose backing subsystem
// is absent answer 503 instead of panicking, so the same server runs in a
// queue-only process and in a full engine process.
type Server struct {
	cfg config.APIConfig
	log *logger.Logger

	store     core.SessionStore
	queue     core.JobQueue
	pool      core.WorkerPool
	artifacts core.ArtifactStore

	// adapter must be a console dedicated to health probes. Sharing a
	// console with a running session would interleave probe commands with
	// exploit commands.
	adapter core.FrameworkAdapter

	engine  *gin.Engine
	httpSrv *http.Server
	hub     *hub
}

func NewServer(cfg config.APIConfig, log *logger.Logger) (*Server, error) {
	if cfg.EnableAuth && cfg.APIKey == "" {
		return nil, fmt.Errorf("api.enable_auth is set but api.api_key is empty")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8385"
	}

	s := &Server{
		cfg: cfg,
		log: log.WithComponent("api"),
	}
	s.hub = newHub(s.snapshot, s.log)
	return s, nil
}

func (s *Server) WithStore(store core.SessionStore) *Server {
	s.store = store
	return s
}

func (s *Server) WithQueue(queue core.JobQueue) *Server {
	s.queue = queue
	return s
}

func (s *Server) WithPool(pool core.WorkerPool) *Server {
	s.pool = pool
	return s
}

func (s *Server) WithArtifacts(artifacts core.ArtifactStore) *Server {
	s.artifacts = artifacts
	return s
}

func (s *Server) WithAdapter(adapter core.FrameworkAdapter) *Server {
	s.adapter = adapter
	return s
}

// Start builds the router and serves until Shutdown is called. It blocks,
// so callers run it in a goroutine.
func (s *Server) Start() error {
	s.engine = s.routes()
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.run()

	s.log.Infow("API server listening",
		"addr", s.cfg.Addr,
		"auth_enabled", s.cfg.EnableAuth,
	)

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the live feed and drains in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(s.log))
	r.Use(RateLimitMiddleware(s.cfg.RateLimit))
	if s.cfg.EnableAuth {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))
	}

	r.GET("/", s.handleDashboard)
	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleLive)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/report", s.handleSessionReport)
		v1.GET("/stats", s.handleStats)

		v1.GET("/queue", s.handlePendingJobs)
		v1.POST("/queue", s.handleEnqueue)
		v1.GET("/queue/:id", s.handleJobStatus)
		v1.POST("/queue/:id/retry", s.handleJobRetry)

		v1.GET("/workers", s.handleWorkers)
		v1.POST("/workers/scale", s.handleScaleWorkers)

		v1.GET("/artifacts/latest", s.handleLatestArtifact)
	}

	return r
}

func (s *Server) unavailable(c *gin.Context, subsystem string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": fmt.Sprintf("%s is not configured in this process", subsystem),
	})
}
