package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statalert/escalation-engine/internal/engine"
	"github.com/statalert/escalation-engine/internal/hub"
)

type Handler struct {
	engine *engine.Engine
	hub    *hub.Hub
}

func NewHandler(eng *engine.Engine, h *hub.Hub) *Handler {
	return &Handler{
		engine: eng,
		hub:    h,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/alerts", h.createAlert)
	r.POST("/api/alerts/:id/acknowledge", h.acknowledgeAlert)
	r.POST("/api/alerts/:id/resolve", h.resolveAlert)
	r.POST("/api/alerts/:id/escalate", h.escalateAlert)

	r.GET("/api/alerts", h.listAlerts)
	r.GET("/api/alerts/:id", h.getAlert)
	r.GET("/api/alerts/:id/history", h.getHistory)
	r.GET("/api/alerts/:id/status", h.getStatus)

	r.GET("/ws", func(c *gin.Context) {
		h.hub.ServeHTTP(c.Writer, c.Request)
	})

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type createAlertRequest struct {
	Category string            `json:"category" binding:"required"`
	Facility string            `json:"facility" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

type actionRequest struct {
	Actor   string `json:"actor" binding:"required"`
	Outcome string `json:"outcome"`
}

func (h *Handler) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	alert, err := h.engine.Create(c.Request.Context(), req.Category, req.Facility, req.Metadata)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, alert)
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	alert, err := h.engine.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) resolveAlert(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	alert, err := h.engine.Resolve(c.Request.Context(), c.Param("id"), req.Actor, req.Outcome)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) escalateAlert(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	alert, err := h.engine.ManualEscalate(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) listAlerts(c *gin.Context) {
	alerts := h.hub.ActiveAlerts(c.Query("facility"), c.Query("category"))
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) getAlert(c *gin.Context) {
	alert, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) getHistory(c *gin.Context) {
	events, err := h.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

type statusResponse struct {
	CurrentTier      int        `json:"currentTier"`
	NextEscalationAt *time.Time `json:"nextEscalationAt"`
}

func (h *Handler) getStatus(c *gin.Context) {
	tier, next, err := h.engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{CurrentTier: tier, NextEscalationAt: next})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeEngineError maps the engine's typed errors onto status codes with
// machine-readable codes, so a UI can tell "someone else already handled
// this" from a real failure.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, engine.ErrInvalidCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_category"})
	case errors.Is(err, engine.ErrAlreadyAcknowledged):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_acknowledged"})
	case errors.Is(err, engine.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_terminal"})
	case errors.Is(err, engine.ErrMaxTierReached):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "max_tier_reached"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
	}
}
