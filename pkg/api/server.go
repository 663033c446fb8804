// Package api provides the HTTP surface over the PLAN→PACK pipeline:
// submitting a Requirement, polling a SID's Plan/Loop State, and fetching
// its evaluation verdict. Built on gin-gonic/gin (see DESIGN.md for why,
// over this tree's other candidate router).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vulnforge/vulnforge/pkg/config"
	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/queue"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// Server is the HTTP API server over one SID store/queue.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	dbClient   *database.Client
	repo       *database.RunRepository
	layout     store.Layout
	pool       *queue.WorkerPool // nil in tests that don't exercise /health's worker-pool branch
}

// NewServer builds a Server and registers every route. cfg supplies
// defaults (loop budget, masking, LLM provider) for normalizing inbound
// Requirements; repo/layout are the two places a run's state lives
// (Postgres index row, on-disk metadata/artifacts tree); pool is optional
// and only consulted for /health reporting.
func NewServer(cfg *config.Config, dbClient *database.Client, repo *database.RunRepository, layout store.Layout, pool *queue.WorkerPool) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		dbClient: dbClient,
		repo:     repo,
		layout:   layout,
		pool:     pool,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	runs := s.engine.Group("/runs")
	runs.POST("", s.handleCreateRun)
	runs.GET("/:sid", s.handleGetRun)
	runs.GET("/:sid/evals", s.handleGetEvals)
}

// Engine exposes the underlying gin.Engine, primarily for tests that drive
// requests through httptest without a listening socket.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start listens on addr until the process is asked to stop; ListenAndServe
// errors other than http.ErrServerClosed are returned to the caller.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
