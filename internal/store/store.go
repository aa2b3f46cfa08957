package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store 本地持久化状态存储
//
// 保存每辆车的加油前/加油中跟踪器、未结束的运行会话、最近的遥测历史，
// 以及待写入远程账本的发件箱。进程重启后全部状态可以重新加载。
type Store struct {
	pool      *pool
	logger    *zap.Logger
	retention time.Duration
}

// Config 存储配置
type Config struct {
	Path      string
	PoolSize  int
	Retention time.Duration // 历史读数保留时长
	Logger    *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	vehicle         TEXT NOT NULL,
	fuel_volume     REAL NOT NULL,
	fuel_percentage REAL,
	status_text     TEXT NOT NULL DEFAULT '',
	source_time     INTEGER NOT NULL,
	received_time   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_vehicle_time ON readings(vehicle, source_time);

CREATE TABLE IF NOT EXISTS prefill_watchers (
	vehicle             TEXT PRIMARY KEY,
	lowest_fuel         REAL NOT NULL,
	lowest_percentage   REAL,
	lowest_reading_time INTEGER NOT NULL,
	last_update         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fill_watchers (
	vehicle              TEXT PRIMARY KEY,
	start_time           INTEGER NOT NULL,
	start_reading_ref    INTEGER NOT NULL DEFAULT 0,
	opening_fuel         REAL NOT NULL,
	opening_percentage   REAL,
	opening_reading_time INTEGER NOT NULL,
	highest_fuel         REAL NOT NULL,
	highest_percentage   REAL,
	highest_reading_time INTEGER NOT NULL,
	last_increased_at    INTEGER NOT NULL,
	timeout_at           INTEGER NOT NULL,
	detection_method     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fill_watchers_last_increased ON fill_watchers(last_increased_at);
CREATE INDEX IF NOT EXISTS idx_fill_watchers_timeout ON fill_watchers(timeout_at);

CREATE TABLE IF NOT EXISTS open_sessions (
	vehicle           TEXT PRIMARY KEY,
	payload           TEXT NOT NULL,
	closing_requested INTEGER,
	closing_received  INTEGER,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_open_sessions_closing ON open_sessions(closing_received);

CREATE TABLE IF NOT EXISTS vehicle_cursors (
	vehicle          TEXT PRIMARY KEY,
	last_source_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	vehicle         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_vehicle ON outbox(vehicle, id);
CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON outbox(next_attempt_at);
`

// Open 打开本地存储并校验可用性
// 打开失败时调用方不应继续启动，否则进行中的跟踪器会被静默丢弃
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 48 * time.Hour
	}

	p, err := openPool(cfg.Path, cfg.PoolSize, logger, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &Store{pool: p, logger: logger, retention: retention}

	// 立即借出一个连接，确保库文件可写、表结构就绪
	conn, err := p.take(ctx)
	if err != nil {
		p.close()
		return nil, err
	}
	p.put(conn)

	return s, nil
}

// Close 关闭连接池
func (s *Store) Close() error {
	return s.pool.close()
}

// Update 在 IMMEDIATE 事务中执行写操作
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, retention: s.retention})
}

// View 在只读事务中执行查询
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, retention: s.retention})
}

// Tx 事务内的存储操作
type Tx struct {
	conn      *sqlite.Conn
	retention time.Duration
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func columnFloatPtr(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnFloat(col)
	return &v
}
