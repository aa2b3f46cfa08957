package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

const readingColumns = `id, vehicle, fuel_volume, fuel_percentage, status_text, source_time, received_time`

func scanReading(stmt *sqlite.Stmt) *models.TelemetryReading {
	fuel := stmt.ColumnFloat(2)
	return &models.TelemetryReading{
		ID:             stmt.ColumnInt64(0),
		Vehicle:        stmt.ColumnText(1),
		FuelVolume:     &fuel,
		FuelPercentage: columnFloatPtr(stmt, 3),
		StatusText:     stmt.ColumnText(4),
		SourceTime:     fromNanos(stmt.ColumnInt64(5)),
		ReceivedTime:   fromNanos(stmt.ColumnInt64(6)),
	}
}

// PutReading 写入一条携带油量的读数，并清理超出保留期的历史
// 无油量的读数不进入历史表，返回 0
func (tx *Tx) PutReading(r *models.TelemetryReading) (int64, error) {
	if !r.HasFuel() {
		return 0, nil
	}
	eventTime := r.EventTime()

	err := sqlitex.Execute(tx.conn,
		`INSERT INTO readings (vehicle, fuel_volume, fuel_percentage, status_text, source_time, received_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			r.Vehicle, *r.FuelVolume, nullableFloat(r.FuelPercentage), r.StatusText,
			toNanos(eventTime), toNanos(r.ReceivedTime),
		}})
	if err != nil {
		return 0, fmt.Errorf("store: insert reading: %w", err)
	}
	id := tx.conn.LastInsertRowID()

	cutoff := eventTime.Add(-tx.retention)
	if err := sqlitex.Execute(tx.conn,
		`DELETE FROM readings WHERE vehicle = ? AND source_time < ?`,
		&sqlitex.ExecOptions{Args: []any{r.Vehicle, toNanos(cutoff)}}); err != nil {
		return 0, fmt.Errorf("store: prune readings: %w", err)
	}
	return id, nil
}

func (tx *Tx) queryReading(query string, args ...any) (*models.TelemetryReading, error) {
	var found *models.TelemetryReading
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = scanReading(stmt)
			return nil
		},
	})
	return found, err
}

// NearestBefore 不晚于 t 的最近一条读数，没有则返回 nil
func (tx *Tx) NearestBefore(vehicle string, t time.Time) (*models.TelemetryReading, error) {
	r, err := tx.queryReading(
		`SELECT `+readingColumns+` FROM readings
		 WHERE vehicle = ? AND source_time <= ?
		 ORDER BY source_time DESC, id DESC LIMIT 1`,
		vehicle, toNanos(t))
	if err != nil {
		return nil, fmt.Errorf("store: nearest before: %w", err)
	}
	return r, nil
}

// NearestAfter 不早于 t 的最近一条读数，没有则返回 nil
func (tx *Tx) NearestAfter(vehicle string, t time.Time) (*models.TelemetryReading, error) {
	r, err := tx.queryReading(
		`SELECT `+readingColumns+` FROM readings
		 WHERE vehicle = ? AND source_time >= ?
		 ORDER BY source_time ASC, id ASC LIMIT 1`,
		vehicle, toNanos(t))
	if err != nil {
		return nil, fmt.Errorf("store: nearest after: %w", err)
	}
	return r, nil
}

// MinInRange 区间内油量最低的读数，同值取最新
func (tx *Tx) MinInRange(vehicle string, from, to time.Time) (*models.TelemetryReading, error) {
	r, err := tx.queryReading(
		`SELECT `+readingColumns+` FROM readings
		 WHERE vehicle = ? AND source_time BETWEEN ? AND ?
		 ORDER BY fuel_volume ASC, source_time DESC, id DESC LIMIT 1`,
		vehicle, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("store: min in range: %w", err)
	}
	return r, nil
}

// AdvanceCursor 记录车辆最新事件时间
// 返回 false 表示 t 早于已记录的时间 (乱序到达)，游标保持不变
func (tx *Tx) AdvanceCursor(vehicle string, t time.Time) (bool, error) {
	var last int64
	var exists bool
	err := sqlitex.Execute(tx.conn,
		`SELECT last_source_time FROM vehicle_cursors WHERE vehicle = ?`,
		&sqlitex.ExecOptions{
			Args: []any{vehicle},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = stmt.ColumnInt64(0)
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: read cursor: %w", err)
	}
	n := toNanos(t)
	if exists && n < last {
		return false, nil
	}
	err = sqlitex.Execute(tx.conn,
		`INSERT INTO vehicle_cursors (vehicle, last_source_time) VALUES (?, ?)
		 ON CONFLICT (vehicle) DO UPDATE SET last_source_time = excluded.last_source_time`,
		&sqlitex.ExecOptions{Args: []any{vehicle, n}})
	if err != nil {
		return false, fmt.Errorf("store: write cursor: %w", err)
	}
	return true, nil
}

// History 查询区间内的历史读数 (按时间升序)
func (s *Store) History(ctx context.Context, vehicle string, from, to time.Time) ([]*models.TelemetryReading, error) {
	var readings []*models.TelemetryReading
	err := s.View(ctx, func(tx *Tx) error {
		return sqlitex.Execute(tx.conn,
			`SELECT `+readingColumns+` FROM readings
			 WHERE vehicle = ? AND source_time BETWEEN ? AND ?
			 ORDER BY source_time ASC, id ASC`,
			&sqlitex.ExecOptions{
				Args: []any{vehicle, toNanos(from), toNanos(to)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					readings = append(readings, scanReading(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return readings, nil
}

// LatestReading 车辆最新一条读数
func (tx *Tx) LatestReading(vehicle string) (*models.TelemetryReading, error) {
	r, err := tx.queryReading(
		`SELECT `+readingColumns+` FROM readings
		 WHERE vehicle = ?
		 ORDER BY source_time DESC, id DESC LIMIT 1`,
		vehicle)
	if err != nil {
		return nil, fmt.Errorf("store: latest reading: %w", err)
	}
	return r, nil
}
