package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/alert"
	"github.com/reachflow/pulse/internal/auth"
	"github.com/reachflow/pulse/internal/broker"
	"github.com/reachflow/pulse/internal/ingest"
	"github.com/reachflow/pulse/internal/queue"
	"github.com/reachflow/pulse/internal/registry"
	"github.com/reachflow/pulse/internal/store"
)

// Server exposes the ingestion, metrics, and alert-rule HTTP API plus
// the real-time WebSocket endpoint.
type Server struct {
	logger   *zap.Logger
	auth     *auth.Authenticator
	queue    *queue.EventQueue
	ingestor *ingest.Ingestor
	metrics  *store.MetricStore
	events   *store.AlertEventStore
	engine   *alert.Engine
	registry *registry.Registry
	broker   *broker.Broker

	srv *http.Server
}

type ServerConfig struct {
	Addr string
}

func NewServer(cfg ServerConfig, a *auth.Authenticator, q *queue.EventQueue, ing *ingest.Ingestor,
	ms *store.MetricStore, es *store.AlertEventStore, eng *alert.Engine,
	reg *registry.Registry, br *broker.Broker, logger *zap.Logger) *Server {

	s := &Server{
		logger:   logger.Named("api"),
		auth:     a,
		queue:    q,
		ingestor: ing,
		metrics:  ms,
		events:   es,
		engine:   eng,
		registry: reg,
		broker:   br,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), s.requestLogger())

	g.GET("/healthz", s.handleHealth)
	g.GET("/ws", s.handleWebSocket)

	v1 := g.Group("/api/v1", s.authenticate())
	{
		v1.POST("/events", s.handleEnqueueEvent)
		v1.POST("/events/batch", s.handleEnqueueBatch)
		v1.POST("/ingest/run", s.handleRunBatch)

		m := v1.Group("/metrics")
		{
			m.POST("/batch", s.handleUpsertMetrics)
			m.GET("/:name/latest", s.handleMetricLatest)
			m.GET("/:name/range", s.handleMetricRange)
			m.GET("/:name/trend", s.handleMetricTrend)
		}

		a := v1.Group("/alerts")
		{
			a.GET("/rules", s.handleListRules)
			a.POST("/rules", s.handleCreateRule)
			a.GET("/rules/:id", s.handleGetRule)
			a.PUT("/rules/:id", s.handleUpdateRule)
			a.DELETE("/rules/:id", s.handleDeleteRule)
			a.POST("/threshold", s.handleSetThreshold)
			a.GET("/events", s.handleListAlertEvents)
			a.POST("/events/:id/ack", s.handleAcknowledge)
		}
	}
	return g
}

// Start begins serving in the background; ListenAndServe errors other
// than graceful shutdown are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown", zap.Error(err))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	depth, err := s.queue.Depth()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"queue_depth": depth,
		"queue_max":   s.queue.MaxDepth(),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// authenticate validates the bearer token and stashes the claims on
// the request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.auth.Validate(header[len(prefix):])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) (*auth.Claims, error) {
	v, ok := c.Get("claims")
	if !ok {
		return nil, fmt.Errorf("no claims on request")
	}
	claims, ok := v.(*auth.Claims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}
