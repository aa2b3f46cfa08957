package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// FillRepository 加油记录仓库
type FillRepository struct {
	db *DB
}

// NewFillRepository 创建加油记录仓库
func NewFillRepository(db *DB) *FillRepository {
	return &FillRepository{db: db}
}

// Create 写入加油记录，同一车辆同一开始时间的记录只保留第一条
func (r *FillRepository) Create(ctx context.Context, f *models.FillRecord) error {
	query := `
		INSERT INTO fill_records (vehicle, start_time, end_time, opening_fuel, closing_fuel,
			opening_percentage, closing_percentage, fill_amount, detection_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vehicle, start_time) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		f.Vehicle,
		f.StartTime,
		f.EndTime,
		f.OpeningFuel,
		f.ClosingFuel,
		f.OpeningPercentage,
		f.ClosingPercentage,
		f.FillAmount,
		string(f.DetectionMethod),
	)
	if err != nil {
		return fmt.Errorf("insert fill record: %w", err)
	}
	return nil
}

// ListByVehicle 获取车辆在时间范围内开始的加油记录，按开始时间排序
func (r *FillRepository) ListByVehicle(ctx context.Context, vehicle string, from, to time.Time) ([]models.FillRecord, error) {
	query := `
		SELECT id, vehicle, start_time, end_time, opening_fuel, closing_fuel,
			opening_percentage, closing_percentage, fill_amount, detection_method
		FROM fill_records WHERE vehicle = $1 AND start_time >= $2 AND start_time <= $3
		ORDER BY start_time
	`
	rows, err := r.db.Pool.Query(ctx, query, vehicle, from, to)
	if err != nil {
		return nil, fmt.Errorf("list fill records: %w", err)
	}
	defer rows.Close()

	var fills []models.FillRecord
	for rows.Next() {
		var f models.FillRecord
		var method string
		err := rows.Scan(
			&f.ID,
			&f.Vehicle,
			&f.StartTime,
			&f.EndTime,
			&f.OpeningFuel,
			&f.ClosingFuel,
			&f.OpeningPercentage,
			&f.ClosingPercentage,
			&f.FillAmount,
			&method,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fill record: %w", err)
		}
		f.DetectionMethod = models.DetectionMethod(method)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
