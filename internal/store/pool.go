package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pragmas 每个连接的初始化参数
// synchronous=NORMAL 在 WAL 模式下可保证进程崩溃后数据不丢失
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

// pool SQLite 连接池封装
type pool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// openPool 打开连接池，onConnect 在每个连接首次使用时执行
func openPool(path string, size int, logger *zap.Logger, onConnect func(conn *sqlite.Conn) error) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			if onConnect != nil {
				return onConnect(conn)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	logger.Info("Local store pool opened", zap.String("path", path), zap.Int("pool_size", size))
	return &pool{inner: inner, logger: logger, path: path}, nil
}

// take 借出连接，必须配对 put
func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", p.path, err)
	}
	p.logger.Info("Local store pool closed", zap.String("path", p.path))
	return nil
}
