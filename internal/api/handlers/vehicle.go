package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/api/feed"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/combiner"
)

const (
	defaultHistoryRange = 24 * time.Hour
	defaultLedgerRange  = 30 * 24 * time.Hour
	maxReadingsBody     = 1 << 20
)

// ListVehicles 获取所有车辆实时状态
func (h *Handler) ListVehicles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.vehicles.AllLive()})
}

// GetVehicleState 获取车辆会话与加油跟踪状态
func (h *Handler) GetVehicleState(c *gin.Context) {
	vehicle := c.Param("vehicle")
	view, err := h.vehicles.Inspect(c.Request.Context(), vehicle)
	if err != nil {
		h.logger.Error("Failed to inspect vehicle", zap.String("vehicle", vehicle), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read vehicle state"})
		return
	}
	if view.Live == nil && view.Session == nil && view.FillWatcher == nil && view.PreFill == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

// GetHistory 获取车辆历史读数
func (h *Handler) GetHistory(c *gin.Context) {
	vehicle := c.Param("vehicle")
	from, to, ok := timeRange(c, defaultHistoryRange)
	if !ok {
		return
	}

	readings, err := h.vehicles.History(c.Request.Context(), vehicle, from, to)
	if err != nil {
		h.logger.Error("Failed to list history", zap.String("vehicle", vehicle), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": readings})
}

// ListFills 获取车辆加油记录，时间相近的记录合并后返回
func (h *Handler) ListFills(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ledger disabled"})
		return
	}
	vehicle := c.Param("vehicle")
	from, to, ok := timeRange(c, defaultLedgerRange)
	if !ok {
		return
	}

	fills, err := h.ledger.ListFills(c.Request.Context(), vehicle, from, to)
	if err != nil {
		h.logger.Error("Failed to list fills", zap.String("vehicle", vehicle), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list fills"})
		return
	}

	if c.Query("combined") == "false" {
		c.JSON(http.StatusOK, gin.H{"data": fills})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": combiner.Combine(fills, h.combineWindow)})
}

// ListSessions 获取车辆运行会话
func (h *Handler) ListSessions(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ledger disabled"})
		return
	}
	vehicle := c.Param("vehicle")
	from, to, ok := timeRange(c, defaultLedgerRange)
	if !ok {
		return
	}

	sessions, err := h.ledger.ListSessions(c.Request.Context(), vehicle, from, to)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.String("vehicle", vehicle), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

// PostReadings 通过 HTTP 推送读数，消息格式与 WebSocket 推送相同
func (h *Handler) PostReadings(c *gin.Context) {
	if h.submitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ingest disabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxReadingsBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	readings, err := feed.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, r := range readings {
		if err := h.submitter.Submit(c.Request.Context(), r); err != nil {
			h.logger.Warn("Failed to submit reading", zap.String("vehicle", r.Vehicle), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to submit reading"})
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(readings)})
}

// timeRange 解析 from/to 查询参数，缺省为截至当前的 def 时长
func timeRange(c *gin.Context, def time.Duration) (from, to time.Time, ok bool) {
	to = time.Now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := feed.ParseTime(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to"})
			return from, to, false
		}
		to = t
	}
	from = to.Add(-def)
	if v := c.Query("from"); v != "" {
		t, err := feed.ParseTime(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from"})
			return from, to, false
		}
		from = t
	}
	if from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return from, to, false
	}
	return from, to, true
}
