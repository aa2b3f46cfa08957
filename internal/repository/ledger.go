package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// Ledger PostgreSQL 远程账本
//
// 启动时数据库不可用不影响服务，首次写入时再连接并执行迁移。
// 连接失败的写入返回错误，由调用方的发件箱稍后重试。
type Ledger struct {
	url    string
	logger *zap.Logger

	mu       sync.Mutex
	db       *DB
	sessions *SessionRepository
	fills    *FillRepository
}

// NewLedger 创建账本，尝试连接一次，失败只记录日志
func NewLedger(ctx context.Context, databaseURL string, logger *zap.Logger) *Ledger {
	l := &Ledger{url: databaseURL, logger: logger}
	if _, err := l.conn(ctx); err != nil {
		logger.Warn("Ledger unavailable at startup, writes will be queued", zap.Error(err))
	}
	return l
}

// conn 获取已迁移的连接
func (l *Ledger) conn(ctx context.Context) (*DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return l.db, nil
	}

	db, err := New(ctx, l.url)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	l.db = db
	l.sessions = NewSessionRepository(db)
	l.fills = NewFillRepository(db)
	l.logger.Info("Ledger connected")
	return db, nil
}

// WriteSession 写入会话
func (l *Ledger) WriteSession(ctx context.Context, s *models.OperatingSession) error {
	if _, err := l.conn(ctx); err != nil {
		return err
	}
	return l.sessions.Upsert(ctx, s)
}

// WriteFillRecord 写入加油记录
func (l *Ledger) WriteFillRecord(ctx context.Context, f *models.FillRecord) error {
	if _, err := l.conn(ctx); err != nil {
		return err
	}
	return l.fills.Create(ctx, f)
}

// FindOngoingSession 查询车辆进行中的会话
func (l *Ledger) FindOngoingSession(ctx context.Context, vehicle string) (*models.OperatingSession, error) {
	if _, err := l.conn(ctx); err != nil {
		return nil, err
	}
	return l.sessions.FindOngoing(ctx, vehicle)
}

// ListFills 查询车辆加油记录
func (l *Ledger) ListFills(ctx context.Context, vehicle string, from, to time.Time) ([]models.FillRecord, error) {
	if _, err := l.conn(ctx); err != nil {
		return nil, err
	}
	return l.fills.ListByVehicle(ctx, vehicle, from, to)
}

// ListSessions 查询车辆会话
func (l *Ledger) ListSessions(ctx context.Context, vehicle string, from, to time.Time) ([]*models.OperatingSession, error) {
	if _, err := l.conn(ctx); err != nil {
		return nil, err
	}
	return l.sessions.ListByVehicle(ctx, vehicle, from, to)
}

// Close 关闭连接
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
}
