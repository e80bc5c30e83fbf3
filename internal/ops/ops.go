// Package ops serves the opt-in health and stats endpoint. It is a
// read-only debugging aid, not a sync API: nothing here mutates elements.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/daemon"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/task"
)

// readyLimit caps the ready-set endpoint; it is a peek, not a page.
const readyLimit = 50

// Server is the ops HTTP server.
type Server struct {
	cfg      config.OpsConfig
	store    store.Store
	tasks    *task.Service
	sessions *session.Manager
	daemon   *daemon.Daemon
	bus      bus.EventBus
	logger   *logger.Logger
	router   *gin.Engine

	srv *http.Server
}

// NewServer wires the ops endpoint over already-running services.
func NewServer(cfg config.OpsConfig, st store.Store, tasks *task.Service,
	sessions *session.Manager, d *daemon.Daemon, eb bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		store:    st,
		tasks:    tasks,
		sessions: sessions,
		daemon:   d,
		bus:      eb,
		logger:   log.WithFields(zap.String("component", "ops")),
		router:   gin.New(),
	}
	s.router.Use(requestMiddleware(s.logger))
	s.setupRoutes()
	return s
}

// Router returns the HTTP router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving in the background. Disabled configs are a no-op.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.srv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
	}
	go func() {
		s.logger.Info("Ops endpoint listening", zap.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/ready", s.handleReady)
	}
}

// Health check response
type HealthResponse struct {
	Status       string `json:"status"`
	BusConnected bool   `json:"busConnected"`
	Timestamp    string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		BusConnected: s.bus.IsConnected(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats response
type StatsResponse struct {
	Elements     int            `json:"elements"`
	ByType       map[string]int `json:"byType"`
	Dependencies int            `json:"dependencies"`
	Events       int            `json:"events"`
	Dirty        int            `json:"dirty"`
	Sessions     map[string]int `json:"sessions"`
	Daemon       daemon.Stats   `json:"daemon"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("Failed to read store stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	sessions, err := s.sessions.Sessions(ctx, session.ListFilter{})
	if err != nil {
		s.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	byStatus := make(map[string]int)
	for _, sess := range sessions {
		byStatus[string(sess.Status)]++
	}

	byType := make(map[string]int, len(st.CountsByType))
	for typ, n := range st.CountsByType {
		byType[string(typ)] = n
	}

	c.JSON(http.StatusOK, StatsResponse{
		Elements:     st.ElementCount,
		ByType:       byType,
		Dependencies: st.DependencyCount,
		Events:       st.EventCount,
		Dirty:        st.DirtyCount,
		Sessions:     byStatus,
		Daemon:       s.daemon.Stats(),
	})
}

// Ready set response
type ReadyTask struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	Assignee string `json:"assignee,omitempty"`
}

type ReadyResponse struct {
	Count int         `json:"count"`
	Tasks []ReadyTask `json:"tasks"`
}

func (s *Server) handleReady(c *gin.Context) {
	ready, err := s.tasks.ReadyTasks(c.Request.Context(), task.ReadyFilter{Limit: readyLimit})
	if err != nil {
		s.logger.Error("Failed to query ready tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]ReadyTask, len(ready))
	for i, t := range ready {
		out[i] = ReadyTask{ID: t.ID, Title: t.Title, Priority: t.Priority, Assignee: t.Assignee}
	}
	c.JSON(http.StatusOK, ReadyResponse{Count: len(out), Tasks: out})
}
