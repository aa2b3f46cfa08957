package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// OutboxKind 发件箱条目类型
type OutboxKind string

const (
	OutboxSession OutboxKind = "session"
	OutboxFill    OutboxKind = "fill"
)

// OutboxEntry 等待写入账本的记录
type OutboxEntry struct {
	ID            int64
	Vehicle       string
	Kind          OutboxKind
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Enqueue 追加一条待写入记录，与状态变更处于同一事务
func (tx *Tx) Enqueue(vehicle string, kind OutboxKind, payload []byte, now time.Time) (int64, error) {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO outbox (vehicle, kind, payload, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{vehicle, string(kind), string(payload), toNanos(now), toNanos(now)}})
	if err != nil {
		return 0, fmt.Errorf("store: enqueue outbox: %w", err)
	}
	return tx.conn.LastInsertRowID(), nil
}

// PendingOutbox 车辆所有待写入记录，按入队顺序
func (s *Store) PendingOutbox(ctx context.Context, vehicle string) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := s.View(ctx, func(tx *Tx) error {
		return sqlitex.Execute(tx.conn,
			`SELECT id, vehicle, kind, payload, attempts, next_attempt_at, last_error, created_at
			 FROM outbox WHERE vehicle = ? ORDER BY id`,
			&sqlitex.ExecOptions{
				Args: []any{vehicle},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entries = append(entries, OutboxEntry{
						ID:            stmt.ColumnInt64(0),
						Vehicle:       stmt.ColumnText(1),
						Kind:          OutboxKind(stmt.ColumnText(2)),
						Payload:       []byte(stmt.ColumnText(3)),
						Attempts:      stmt.ColumnInt(4),
						NextAttemptAt: fromNanos(stmt.ColumnInt64(5)),
						LastError:     stmt.ColumnText(6),
						CreatedAt:     fromNanos(stmt.ColumnInt64(7)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: pending outbox: %w", err)
	}
	return entries, nil
}

// DueOutboxVehicles 队首记录已到重试时间的车辆
func (s *Store) DueOutboxVehicles(ctx context.Context, now time.Time) ([]string, error) {
	var vehicles []string
	err := s.View(ctx, func(tx *Tx) error {
		return sqlitex.Execute(tx.conn,
			`SELECT o.vehicle FROM outbox o
			 WHERE o.id = (SELECT MIN(id) FROM outbox WHERE vehicle = o.vehicle)
			   AND o.next_attempt_at <= ?
			 ORDER BY o.vehicle`,
			&sqlitex.ExecOptions{
				Args: []any{toNanos(now)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					vehicles = append(vehicles, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: due outbox vehicles: %w", err)
	}
	return vehicles, nil
}

// DeleteOutbox 删除已成功写入的记录
func (s *Store) DeleteOutbox(ctx context.Context, id int64) error {
	return s.Update(ctx, func(tx *Tx) error {
		if err := sqlitex.Execute(tx.conn, `DELETE FROM outbox WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("store: delete outbox: %w", err)
		}
		return nil
	})
}

// MarkOutboxFailed 记录失败原因和下次重试时间
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, cause error, next time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.Update(ctx, func(tx *Tx) error {
		if err := sqlitex.Execute(tx.conn,
			`UPDATE outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{msg, toNanos(next), id}}); err != nil {
			return fmt.Errorf("store: mark outbox failed: %w", err)
		}
		return nil
	})
}

// OutboxCount 发件箱积压数量
func (s *Store) OutboxCount(ctx context.Context) (int, error) {
	var n int
	err := s.View(ctx, func(tx *Tx) error {
		return sqlitex.Execute(tx.conn, `SELECT COUNT(*) FROM outbox`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("store: outbox count: %w", err)
	}
	return n, nil
}
