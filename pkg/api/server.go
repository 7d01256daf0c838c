// Package api exposes the pipeline over HTTP: a JSON REST surface for
// session lifecycle operations, a websocket stream of pipeline events, and
// the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyforge-ai/storyforge/pkg/config"
	"github.com/storyforge-ai/storyforge/pkg/events"
	"github.com/storyforge-ai/storyforge/pkg/models"
	"github.com/storyforge-ai/storyforge/pkg/supervisor"
)

// Pipeline is the orchestrator surface the handlers call.
type Pipeline interface {
	CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.Session, error)
	GetProgress(ctx context.Context, sessionID string) (*models.ProgressSnapshot, error)
	SubmitFeedback(ctx context.Context, sessionID string, req *models.SubmitFeedbackRequest) error
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
	Retry(ctx context.Context, sessionID string) error
}

// SessionReader serves the read-only session endpoints.
type SessionReader interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error)
}

// ContentReader serves generated artifacts.
type ContentReader interface {
	ListBySession(ctx context.Context, sessionID string, phase int) ([]*models.GeneratedContent, error)
}

// HealthChecker reports worker pool health.
type HealthChecker interface {
	Health(ctx context.Context) (supervisor.PoolHealth, error)
}

// Subscriber taps the event bus for websocket streaming.
type Subscriber interface {
	Subscribe(sessionID string) (<-chan events.Event, func())
}

// Server wires the handlers into a gin engine.
type Server struct {
	pipeline Pipeline
	sessions SessionReader
	content  ContentReader
	health   HealthChecker
	bus      Subscriber
	registry *prometheus.Registry
	cfg      config.HTTPConfig
	logger   *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(pipeline Pipeline, sessions SessionReader, content ContentReader,
	health HealthChecker, bus Subscriber, registry *prometheus.Registry,
	cfg config.HTTPConfig, logger *slog.Logger) *Server {

	s := &Server{
		pipeline: pipeline,
		sessions: sessions,
		content:  content,
		health:   health,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(s.logger), gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	engine.GET("/ws/sessions/:id", s.handleSessionStream)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/progress", s.handleGetProgress)
		v1.GET("/sessions/:id/content", s.handleListContent)
		v1.POST("/sessions/:id/feedback", s.handleSubmitFeedback)
		v1.POST("/sessions/:id/pause", s.lifecycleHandler(s.pipeline.Pause))
		v1.POST("/sessions/:id/resume", s.lifecycleHandler(s.pipeline.Resume))
		v1.POST("/sessions/:id/cancel", s.lifecycleHandler(s.pipeline.Cancel))
		v1.POST("/sessions/:id/retry", s.lifecycleHandler(s.pipeline.Retry))
	}

	s.engine = engine
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "port", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
