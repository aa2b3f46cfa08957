package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// GetPreFillWatcher 读取加油前跟踪器，不存在返回 nil
func (tx *Tx) GetPreFillWatcher(vehicle string) (*models.PreFillWatcher, error) {
	var w *models.PreFillWatcher
	err := sqlitex.Execute(tx.conn,
		`SELECT vehicle, lowest_fuel, lowest_percentage, lowest_reading_time, last_update
		 FROM prefill_watchers WHERE vehicle = ?`,
		&sqlitex.ExecOptions{
			Args: []any{vehicle},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				w = &models.PreFillWatcher{
					Vehicle:           stmt.ColumnText(0),
					LowestFuel:        stmt.ColumnFloat(1),
					LowestPercentage:  columnFloatPtr(stmt, 2),
					LowestReadingTime: fromNanos(stmt.ColumnInt64(3)),
					LastUpdate:        fromNanos(stmt.ColumnInt64(4)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get prefill watcher: %w", err)
	}
	return w, nil
}

// SetPreFillWatcher 写入或覆盖加油前跟踪器
func (tx *Tx) SetPreFillWatcher(w *models.PreFillWatcher) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO prefill_watchers (vehicle, lowest_fuel, lowest_percentage, lowest_reading_time, last_update)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (vehicle) DO UPDATE SET
			lowest_fuel = excluded.lowest_fuel,
			lowest_percentage = excluded.lowest_percentage,
			lowest_reading_time = excluded.lowest_reading_time,
			last_update = excluded.last_update`,
		&sqlitex.ExecOptions{Args: []any{
			w.Vehicle, w.LowestFuel, nullableFloat(w.LowestPercentage),
			toNanos(w.LowestReadingTime), toNanos(w.LastUpdate),
		}})
	if err != nil {
		return fmt.Errorf("store: set prefill watcher: %w", err)
	}
	return nil
}

// ClearPreFillWatcher 删除加油前跟踪器
func (tx *Tx) ClearPreFillWatcher(vehicle string) error {
	if err := sqlitex.Execute(tx.conn, `DELETE FROM prefill_watchers WHERE vehicle = ?`,
		&sqlitex.ExecOptions{Args: []any{vehicle}}); err != nil {
		return fmt.Errorf("store: clear prefill watcher: %w", err)
	}
	return nil
}

const fillWatcherColumns = `vehicle, start_time, start_reading_ref, opening_fuel, opening_percentage,
	opening_reading_time, highest_fuel, highest_percentage, highest_reading_time,
	last_increased_at, timeout_at, detection_method`

func scanFillWatcher(stmt *sqlite.Stmt) *models.FillWatcher {
	return &models.FillWatcher{
		Vehicle:            stmt.ColumnText(0),
		StartTime:          fromNanos(stmt.ColumnInt64(1)),
		StartReadingRef:    stmt.ColumnInt64(2),
		OpeningFuel:        stmt.ColumnFloat(3),
		OpeningPercentage:  columnFloatPtr(stmt, 4),
		OpeningReadingTime: fromNanos(stmt.ColumnInt64(5)),
		HighestFuel:        stmt.ColumnFloat(6),
		HighestPercentage:  columnFloatPtr(stmt, 7),
		HighestReadingTime: fromNanos(stmt.ColumnInt64(8)),
		LastIncreasedAt:    fromNanos(stmt.ColumnInt64(9)),
		TimeoutAt:          fromNanos(stmt.ColumnInt64(10)),
		DetectionMethod:    models.DetectionMethod(stmt.ColumnText(11)),
	}
}

// GetFillWatcher 读取进行中的加油跟踪器，不存在返回 nil
func (tx *Tx) GetFillWatcher(vehicle string) (*models.FillWatcher, error) {
	var w *models.FillWatcher
	err := sqlitex.Execute(tx.conn,
		`SELECT `+fillWatcherColumns+` FROM fill_watchers WHERE vehicle = ?`,
		&sqlitex.ExecOptions{
			Args: []any{vehicle},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				w = scanFillWatcher(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get fill watcher: %w", err)
	}
	return w, nil
}

// SetFillWatcher 写入或覆盖加油跟踪器
func (tx *Tx) SetFillWatcher(w *models.FillWatcher) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO fill_watchers (`+fillWatcherColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (vehicle) DO UPDATE SET
			start_time = excluded.start_time,
			start_reading_ref = excluded.start_reading_ref,
			opening_fuel = excluded.opening_fuel,
			opening_percentage = excluded.opening_percentage,
			opening_reading_time = excluded.opening_reading_time,
			highest_fuel = excluded.highest_fuel,
			highest_percentage = excluded.highest_percentage,
			highest_reading_time = excluded.highest_reading_time,
			last_increased_at = excluded.last_increased_at,
			timeout_at = excluded.timeout_at,
			detection_method = excluded.detection_method`,
		&sqlitex.ExecOptions{Args: []any{
			w.Vehicle, toNanos(w.StartTime), w.StartReadingRef,
			w.OpeningFuel, nullableFloat(w.OpeningPercentage), toNanos(w.OpeningReadingTime),
			w.HighestFuel, nullableFloat(w.HighestPercentage), toNanos(w.HighestReadingTime),
			toNanos(w.LastIncreasedAt), toNanos(w.TimeoutAt), string(w.DetectionMethod),
		}})
	if err != nil {
		return fmt.Errorf("store: set fill watcher: %w", err)
	}
	return nil
}

// DeleteFillWatcher 删除加油跟踪器，返回是否确实删除了一行
func (tx *Tx) DeleteFillWatcher(vehicle string) (bool, error) {
	if err := sqlitex.Execute(tx.conn, `DELETE FROM fill_watchers WHERE vehicle = ?`,
		&sqlitex.ExecOptions{Args: []any{vehicle}}); err != nil {
		return false, fmt.Errorf("store: delete fill watcher: %w", err)
	}
	return tx.conn.Changes() > 0, nil
}

// UpdateFillWatcherHigh 仅当 fuel 严格大于当前最高值时更新最高点
// 相同或更低的值不做任何修改，返回 false
func (tx *Tx) UpdateFillWatcherHigh(vehicle string, fuel float64, pct *float64, readingTime, observedAt time.Time) (bool, error) {
	err := sqlitex.Execute(tx.conn,
		`UPDATE fill_watchers SET
			highest_fuel = ?,
			highest_percentage = ?,
			highest_reading_time = ?,
			last_increased_at = ?
		 WHERE vehicle = ? AND highest_fuel < ?`,
		&sqlitex.ExecOptions{Args: []any{
			fuel, nullableFloat(pct), toNanos(readingTime), toNanos(observedAt),
			vehicle, fuel,
		}})
	if err != nil {
		return false, fmt.Errorf("store: update fill watcher high: %w", err)
	}
	return tx.conn.Changes() > 0, nil
}

func (tx *Tx) listFillWatchers(query string, args ...any) ([]*models.FillWatcher, error) {
	var out []*models.FillWatcher
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanFillWatcher(stmt))
			return nil
		},
	})
	return out, err
}

// ListStabilizedFillWatchers 最后一次上涨距今已超过 quiet 的跟踪器
func (tx *Tx) ListStabilizedFillWatchers(now time.Time, quiet time.Duration) ([]*models.FillWatcher, error) {
	out, err := tx.listFillWatchers(
		`SELECT `+fillWatcherColumns+` FROM fill_watchers
		 WHERE last_increased_at <= ? ORDER BY vehicle`,
		toNanos(now.Add(-quiet)))
	if err != nil {
		return nil, fmt.Errorf("store: list stabilized fill watchers: %w", err)
	}
	return out, nil
}

// ListTimedOutFillWatchers 已到达超时时间的跟踪器
func (tx *Tx) ListTimedOutFillWatchers(now time.Time) ([]*models.FillWatcher, error) {
	out, err := tx.listFillWatchers(
		`SELECT `+fillWatcherColumns+` FROM fill_watchers
		 WHERE timeout_at <= ? ORDER BY vehicle`,
		toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("store: list timed out fill watchers: %w", err)
	}
	return out, nil
}

// FillWatcher 只读查询加油跟踪器
func (s *Store) FillWatcher(ctx context.Context, vehicle string) (*models.FillWatcher, error) {
	var w *models.FillWatcher
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		w, err = tx.GetFillWatcher(vehicle)
		return err
	})
	return w, err
}

// PreFillWatcher 只读查询加油前跟踪器
func (s *Store) PreFillWatcher(ctx context.Context, vehicle string) (*models.PreFillWatcher, error) {
	var w *models.PreFillWatcher
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		w, err = tx.GetPreFillWatcher(vehicle)
		return err
	})
	return w, err
}

// DueFillWatchers 需要收尾的加油跟踪器 (已稳定或已超时)，按车辆去重
func (s *Store) DueFillWatchers(ctx context.Context, now time.Time, quiet time.Duration) ([]*models.FillWatcher, error) {
	var out []*models.FillWatcher
	err := s.View(ctx, func(tx *Tx) error {
		stabilized, err := tx.ListStabilizedFillWatchers(now, quiet)
		if err != nil {
			return err
		}
		timedOut, err := tx.ListTimedOutFillWatchers(now)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(stabilized)+len(timedOut))
		for _, w := range append(stabilized, timedOut...) {
			if seen[w.Vehicle] {
				continue
			}
			seen[w.Vehicle] = true
			out = append(out, w)
		}
		return nil
	})
	return out, err
}
