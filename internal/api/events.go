package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/queue"
)

// handleEnqueueEvent accepts a single raw activity event. The caller's
// identity comes from the token, not the body. A full queue returns
// 503 so upstream producers back off and retry.
func (s *Server) handleEnqueueEvent(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var ev model.RawEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event: " + err.Error()})
		return
	}
	ev.UserID = claims.UserID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	if err := s.queue.Enqueue(c.Request.Context(), &ev); err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue full"})
		case errors.Is(err, model.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.logger.Error("Failed to enqueue event", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// handleEnqueueBatch accepts several events at once. Events are
// admitted independently; the response reports how many were queued
// and the index of the first rejection, if any.
func (s *Server) handleEnqueueBatch(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var events []model.RawEvent
	if err := c.ShouldBindJSON(&events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch: " + err.Error()})
		return
	}

	queued := 0
	for idx := range events {
		ev := &events[idx]
		ev.UserID = claims.UserID
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now()
		}
		if err := s.queue.Enqueue(c.Request.Context(), ev); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, queue.ErrQueueFull) {
				status = http.StatusServiceUnavailable
				c.Header("Retry-After", "5")
			}
			c.JSON(status, gin.H{
				"queued":       queued,
				"failed_index": idx,
				"error":        err.Error(),
			})
			return
		}
		queued++
	}

	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

// handleUpsertMetrics ingests pre-shaped metric points, the path
// backfill and migration jobs use. Points go through the same
// idempotent upsert as batch ingestion, so re-running a job never
// skews the series.
func (s *Server) handleUpsertMetrics(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var points []model.MetricPoint
	if err := c.ShouldBindJSON(&points); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch: " + err.Error()})
		return
	}
	if len(points) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
		return
	}

	batch := make([]*model.MetricPoint, 0, len(points))
	for idx := range points {
		p := &points[idx]
		p.UserID = claims.UserID
		if p.MetricName == "" || p.Timestamp.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":        "metric_name and timestamp are required",
				"failed_index": idx,
			})
			return
		}
		if p.Source == "" {
			p.Source = "backfill"
		}
		batch = append(batch, p)
	}

	if err := s.metrics.UpsertBatch(c.Request.Context(), batch); err != nil {
		s.logger.Error("Failed to upsert metric batch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(batch)})
}

// handleRunBatch triggers an ingestion cycle immediately instead of
// waiting for the next tick. Useful in tests and backfills.
func (s *Server) handleRunBatch(c *gin.Context) {
	if err := s.ingestor.RunBatch(c.Request.Context()); err != nil {
		s.logger.Error("Manual batch run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) handleMetricLatest(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")

	value, ok, err := s.metrics.Latest(c.Request.Context(), claims.UserID, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for metric"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": name, "value": value})
}

func (s *Server) handleMetricRange(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")

	from, err := parseTimeParam(c, "from", time.Now().Add(-24*time.Hour))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := parseTimeParam(c, "to", time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bucket, err := parseDurationParam(c, "bucket", time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	values, err := s.metrics.Range(c.Request.Context(), claims.UserID, name, from, to, bucket)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": name, "buckets": values})
}

func (s *Server) handleMetricTrend(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")

	days, err := parseIntParam(c, "days", 7)
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}

	slope, err := s.metrics.Trend(c.Request.Context(), claims.UserID, name, days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": name, "days": days, "trend_pct_per_day": slope})
}
