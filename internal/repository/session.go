package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// SessionRepository 运行会话仓库
type SessionRepository struct {
	db *DB
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, vehicle, start_time, end_time, opening_fuel, opening_percentage,
	closing_fuel, closing_percentage, operating_hours, fuel_used, cost, fill_events, fill_amount, status`

// Upsert 按 (vehicle, start_time) 写入会话
// 已完成的会话不会被进行中的状态覆盖，重复投递同一条记录结果不变
func (r *SessionRepository) Upsert(ctx context.Context, s *models.OperatingSession) error {
	query := `
		INSERT INTO operating_sessions (vehicle, start_time, end_time, opening_fuel, opening_percentage,
			closing_fuel, closing_percentage, operating_hours, fuel_used, cost, fill_events, fill_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (vehicle, start_time) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			opening_fuel = EXCLUDED.opening_fuel,
			opening_percentage = EXCLUDED.opening_percentage,
			closing_fuel = EXCLUDED.closing_fuel,
			closing_percentage = EXCLUDED.closing_percentage,
			operating_hours = EXCLUDED.operating_hours,
			fuel_used = EXCLUDED.fuel_used,
			cost = EXCLUDED.cost,
			fill_events = EXCLUDED.fill_events,
			fill_amount = EXCLUDED.fill_amount,
			status = EXCLUDED.status,
			updated_at = NOW()
		WHERE operating_sessions.status <> 'COMPLETED'
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.Vehicle,
		s.StartTime,
		s.EndTime,
		s.OpeningFuel,
		s.OpeningPercentage,
		s.ClosingFuel,
		s.ClosingPercentage,
		s.OperatingHours,
		s.FuelUsed,
		s.Cost,
		s.FillEvents,
		s.FillAmount,
		string(s.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert operating session: %w", err)
	}
	return nil
}

// FindOngoing 获取车辆最近一个进行中的会话，没有时返回 nil
func (r *SessionRepository) FindOngoing(ctx context.Context, vehicle string) (*models.OperatingSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM operating_sessions WHERE vehicle = $1 AND status = 'ONGOING'
		ORDER BY start_time DESC LIMIT 1
	`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, query, vehicle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ongoing session: %w", err)
	}
	return s, nil
}

// ListByVehicle 获取车辆在时间范围内开始的会话
func (r *SessionRepository) ListByVehicle(ctx context.Context, vehicle string, from, to time.Time) ([]*models.OperatingSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM operating_sessions WHERE vehicle = $1 AND start_time >= $2 AND start_time <= $3
		ORDER BY start_time
	`
	rows, err := r.db.Pool.Query(ctx, query, vehicle, from, to)
	if err != nil {
		return nil, fmt.Errorf("list operating sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.OperatingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operating session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*models.OperatingSession, error) {
	s := &models.OperatingSession{}
	var status string
	err := row.Scan(
		&s.ID,
		&s.Vehicle,
		&s.StartTime,
		&s.EndTime,
		&s.OpeningFuel,
		&s.OpeningPercentage,
		&s.ClosingFuel,
		&s.ClosingPercentage,
		&s.OperatingHours,
		&s.FuelUsed,
		&s.Cost,
		&s.FillEvents,
		&s.FillAmount,
		&status,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.OpeningResolved = true
	return s, nil
}
