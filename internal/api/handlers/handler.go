package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/service"
	"github.com/TakundaMabukwa/fuel-server-sub000/pkg/ws"
)

// VehicleService 车辆状态查询
type VehicleService interface {
	AllLive() []*service.LiveState
	Inspect(ctx context.Context, vehicle string) (*service.VehicleView, error)
	History(ctx context.Context, vehicle string, from, to time.Time) ([]*models.TelemetryReading, error)
}

// LedgerReader 账本查询
type LedgerReader interface {
	ListFills(ctx context.Context, vehicle string, from, to time.Time) ([]models.FillRecord, error)
	ListSessions(ctx context.Context, vehicle string, from, to time.Time) ([]*models.OperatingSession, error)
}

// Submitter 接收推送读数
type Submitter interface {
	Submit(ctx context.Context, r *models.TelemetryReading) error
}

// Handler HTTP 处理器
type Handler struct {
	logger        *zap.Logger
	vehicles      VehicleService
	ledger        LedgerReader
	submitter     Submitter
	wsHub         *ws.Hub
	combineWindow time.Duration
	upgrader      websocket.Upgrader
}

// NewHandler 创建处理器
// ledger 为 nil 时账本查询返回 503
func NewHandler(
	logger *zap.Logger,
	vehicles VehicleService,
	ledger LedgerReader,
	submitter Submitter,
	wsHub *ws.Hub,
	combineWindow time.Duration,
) *Handler {
	return &Handler{
		logger:        logger,
		vehicles:      vehicles,
		ledger:        ledger,
		submitter:     submitter,
		wsHub:         wsHub,
		combineWindow: combineWindow,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 运维面板可能跨域访问
			},
		},
	}
}
