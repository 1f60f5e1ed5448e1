package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reachflow/pulse/internal/alert"
	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/store"
)

func (s *Server) handleListRules(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": s.engine.ListRules(claims.UserID)})
}

func (s *Server) handleCreateRule(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var rule model.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed rule: " + err.Error()})
		return
	}
	rule.UserID = claims.UserID

	if err := s.engine.AddRule(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleGetRule(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	rule, err := s.engine.GetRule(c.Param("id"))
	if err != nil || rule.UserID != claims.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	existing, err := s.engine.GetRule(c.Param("id"))
	if err != nil || existing.UserID != claims.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}

	var rule model.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed rule: " + err.Error()})
		return
	}
	rule.ID = existing.ID
	rule.UserID = claims.UserID
	rule.CreatedAt = existing.CreatedAt

	if err := s.engine.UpdateRule(&rule); err != nil {
		if errors.Is(err, alert.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	rule, err := s.engine.GetRule(c.Param("id"))
	if err != nil || rule.UserID != claims.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	if err := s.engine.DeleteRule(rule.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type thresholdRequest struct {
	Metric    string               `json:"metric" binding:"required"`
	Threshold float64              `json:"threshold"`
	Condition model.AlertCondition `json:"condition" binding:"required"`
}

// handleSetThreshold upserts the caller's rule for a metric and
// condition; repeated calls adjust the threshold in place.
func (s *Server) handleSetThreshold(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request: " + err.Error()})
		return
	}

	rule, err := s.engine.SetThreshold(claims.UserID, req.Metric, req.Threshold, req.Condition)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleListAlertEvents(c *gin.Context) {
	claims, err := claimsFrom(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
	}

	events, err := s.events.ListRecent(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	if _, err := claimsFrom(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	if err := s.events.Acknowledge(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrAlertEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func parseTimeParam(c *gin.Context, name string, def time.Time) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be RFC3339")
	}
	return t, nil
}

func parseDurationParam(c *gin.Context, name string, def time.Duration) (time.Duration, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New(name + " must be a positive duration")
	}
	return d, nil
}

func parseIntParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
