package service

import (
	"context"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// Ledger 远程账本，保存已确定的会话与加油记录
type Ledger interface {
	WriteSession(ctx context.Context, s *models.OperatingSession) error
	WriteFillRecord(ctx context.Context, f *models.FillRecord) error
	FindOngoingSession(ctx context.Context, vehicle string) (*models.OperatingSession, error)
}

// SnapshotSource 实时油量快照，仅在本地历史为空时作为兜底
type SnapshotSource interface {
	Latest(ctx context.Context, vehicle string) (*models.TelemetryReading, error)
}

// SnapshotSink 接收最新读数，实现方不得阻塞调用者
type SnapshotSink interface {
	Enqueue(r *models.TelemetryReading)
}

// Publisher 事件广播
type Publisher interface {
	BroadcastMessage(msgType string, data interface{})
}

// 广播事件类型
const (
	EventStateUpdate      = "state_update"
	EventFillOpened       = "fill_opened"
	EventFillFinalized    = "fill_finalized"
	EventFillCancelled    = "fill_cancelled"
	EventSessionOpened    = "session_opened"
	EventSessionCompleted = "session_completed"
)
