package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scrollDynasty/voiceaicargoprime/internal/engine"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	"github.com/scrollDynasty/voiceaicargoprime/internal/services"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

type CallHandler struct {
	registry *registry.Registry
	engine   *engine.Engine
	callLog  services.CallLogService
}

func NewCallHandler(reg *registry.Registry, eng *engine.Engine, callLog services.CallLogService) *CallHandler {
	return &CallHandler{registry: reg, engine: eng, callLog: callLog}
}

// ListActive returns a snapshot of every live call.
func (h *CallHandler) ListActive(c *gin.Context) {
	calls := h.registry.ListActive()
	c.JSON(http.StatusOK, gin.H{"count": len(calls), "calls": calls})
}

// ListRecent returns finished calls, newest first.
func (h *CallHandler) ListRecent(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(c, utils.E(utils.CodeInvalidArgument, "CallHandler.ListRecent", "limit must be 1..500", err))
			return
		}
		limit = n
	}
	rows, err := h.callLog.ListRecent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "calls": rows})
}

// Transcript returns the stored conversation of a finished call.
func (h *CallHandler) Transcript(c *gin.Context) {
	callID := c.Param("call_id")
	rows, err := h.callLog.Transcript(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "turns": rows})
}

// Hangup drops a live call.
func (h *CallHandler) Hangup(c *gin.Context) {
	callID := c.Param("call_id")
	if err := h.engine.HangupAndTeardown(c.Request.Context(), callID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "status": "ended"})
}

// Health is the liveness probe.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var startedAt = time.Now()

// Metrics reports live counters for dashboards and alerting.
func (h *CallHandler) Metrics(c *gin.Context) {
	calls := h.registry.ListActive()
	states := make(map[string]int)
	for _, s := range calls {
		states[string(s.State)]++
	}
	c.JSON(http.StatusOK, gin.H{
		"active_calls":   len(calls),
		"calls_by_state": states,
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	})
}
