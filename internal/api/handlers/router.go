package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/metrics"
	"github.com/TakundaMabukwa/fuel-server-sub000/pkg/ws"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:vehicle/state", h.GetVehicleState)
		api.GET("/vehicles/:vehicle/history", h.GetHistory)

		// 账本
		api.GET("/vehicles/:vehicle/fills", h.ListFills)
		api.GET("/vehicles/:vehicle/sessions", h.ListSessions)

		// 读数推送
		api.POST("/readings", h.PostReadings)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查与计数
	r.GET("/healthz", h.HealthCheck)
	r.GET("/metrics", gin.WrapF(metrics.HandleMetrics))
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	if h.wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event hub disabled"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"ws_clients":     clients,
		"outbox_backlog": metrics.OutboxBacklog.Load(),
	})
}
