package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateOperatingSessions,
		migrationCreateFillRecords,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateOperatingSessions = `
CREATE TABLE IF NOT EXISTS operating_sessions (
    id BIGSERIAL PRIMARY KEY,
    vehicle VARCHAR(64) NOT NULL,
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    opening_fuel DOUBLE PRECISION NOT NULL DEFAULT 0,
    opening_percentage DOUBLE PRECISION,
    closing_fuel DOUBLE PRECISION,
    closing_percentage DOUBLE PRECISION,
    operating_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
    fuel_used DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    fill_events INT NOT NULL DEFAULT 0,
    fill_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    UNIQUE (vehicle, start_time)
);
CREATE INDEX IF NOT EXISTS idx_operating_sessions_vehicle_status ON operating_sessions(vehicle, status);
CREATE INDEX IF NOT EXISTS idx_operating_sessions_start_time ON operating_sessions(start_time);
`

const migrationCreateFillRecords = `
CREATE TABLE IF NOT EXISTS fill_records (
    id BIGSERIAL PRIMARY KEY,
    vehicle VARCHAR(64) NOT NULL,
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE NOT NULL,
    opening_fuel DOUBLE PRECISION NOT NULL,
    closing_fuel DOUBLE PRECISION NOT NULL,
    opening_percentage DOUBLE PRECISION,
    closing_percentage DOUBLE PRECISION,
    fill_amount DOUBLE PRECISION NOT NULL,
    detection_method VARCHAR(20) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    UNIQUE (vehicle, start_time)
);
CREATE INDEX IF NOT EXISTS idx_fill_records_start_time ON fill_records(start_time);
`
