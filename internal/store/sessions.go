package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// GetOpenSession 读取车辆未结束的会话，不存在返回 nil
func (tx *Tx) GetOpenSession(vehicle string) (*models.OperatingSession, error) {
	var session *models.OperatingSession
	err := sqlitex.Execute(tx.conn,
		`SELECT payload FROM open_sessions WHERE vehicle = ?`,
		&sqlitex.ExecOptions{
			Args: []any{vehicle},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var s models.OperatingSession
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &s); err != nil {
					return fmt.Errorf("decode session: %w", err)
				}
				session = &s
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get open session: %w", err)
	}
	return session, nil
}

// SaveOpenSession 写入或覆盖车辆未结束的会话
func (tx *Tx) SaveOpenSession(s *models.OperatingSession, now time.Time) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	var requested, received any
	if s.ClosingRequested != nil {
		requested = toNanos(*s.ClosingRequested)
		// 旧记录没有处理时间时按写入时间计算等待
		received = toNanos(now)
		if s.ClosingReceivedAt != nil {
			received = toNanos(*s.ClosingReceivedAt)
		}
	}
	err = sqlitex.Execute(tx.conn,
		`INSERT INTO open_sessions (vehicle, payload, closing_requested, closing_received, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (vehicle) DO UPDATE SET
			payload = excluded.payload,
			closing_requested = excluded.closing_requested,
			closing_received = excluded.closing_received,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{s.Vehicle, string(payload), requested, received, toNanos(now)}})
	if err != nil {
		return fmt.Errorf("store: save open session: %w", err)
	}
	return nil
}

// DeleteOpenSession 删除车辆未结束的会话
func (tx *Tx) DeleteOpenSession(vehicle string) error {
	if err := sqlitex.Execute(tx.conn, `DELETE FROM open_sessions WHERE vehicle = ?`,
		&sqlitex.ExecOptions{Args: []any{vehicle}}); err != nil {
		return fmt.Errorf("store: delete open session: %w", err)
	}
	return nil
}

// ListClosingVehicles 在 before 之前处理了 OFF 但仍未取得结束读数的车辆
// before 为本地时钟，与读数时间无关
func (tx *Tx) ListClosingVehicles(before time.Time) ([]string, error) {
	var vehicles []string
	err := sqlitex.Execute(tx.conn,
		`SELECT vehicle FROM open_sessions
		 WHERE closing_received IS NOT NULL AND closing_received <= ?
		 ORDER BY vehicle`,
		&sqlitex.ExecOptions{
			Args: []any{toNanos(before)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				vehicles = append(vehicles, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list closing sessions: %w", err)
	}
	return vehicles, nil
}

// OpenSession 只读查询车辆未结束的会话
func (s *Store) OpenSession(ctx context.Context, vehicle string) (*models.OperatingSession, error) {
	var session *models.OperatingSession
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		session, err = tx.GetOpenSession(vehicle)
		return err
	})
	return session, err
}

// ClosingVehicles 只读查询等待结束读数超时的车辆
func (s *Store) ClosingVehicles(ctx context.Context, before time.Time) ([]string, error) {
	var vehicles []string
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		vehicles, err = tx.ListClosingVehicles(before)
		return err
	})
	return vehicles, err
}
