package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/metrics"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

const (
	defaultTTL       = 24 * time.Hour
	defaultQueueSize = 1024
	writeTimeout     = 3 * time.Second
)

// Options Redis 连接参数
type Options struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	QueueSize int
}

// Cache 车辆最新油量快照
//
// 写入在后台协程中批量执行，队列满时丢弃读数，不阻塞处理流程。
// 读取用于没有历史读数时补齐会话的开始/结束油量。
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	queue  chan *models.TelemetryReading
	logger *zap.Logger
}

// New 连接 Redis
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 1,
		ReadTimeout:  writeTimeout,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return newCache(client, opts, logger), nil
}

func newCache(client *redis.Client, opts Options, logger *zap.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Cache{
		client: client,
		ttl:    opts.TTL,
		queue:  make(chan *models.TelemetryReading, opts.QueueSize),
		logger: logger,
	}
}

// Close 关闭连接
func (c *Cache) Close() error {
	return c.client.Close()
}

func stateKey(vehicle string) string {
	return fmt.Sprintf("fuel:%s:state", vehicle)
}

func channel(vehicle string) string {
	return fmt.Sprintf("fuel:%s:telemetry", vehicle)
}

// Enqueue 异步写入快照
func (c *Cache) Enqueue(r *models.TelemetryReading) {
	select {
	case c.queue <- r:
	default:
		metrics.SnapshotDrops.Add(1)
	}
}

// Run 写入循环，ctx 结束时返回
func (c *Cache) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := c.write(wctx, r); err != nil {
				c.logger.Debug("Failed to write fuel snapshot",
					zap.String("vehicle", r.Vehicle),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *Cache) write(ctx context.Context, r *models.TelemetryReading) error {
	fields := encode(r)
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := stateKey(r.Vehicle)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	pipe.Publish(ctx, channel(r.Vehicle), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Latest 读取车辆最新快照，不存在时返回 nil
func (c *Cache) Latest(ctx context.Context, vehicle string) (*models.TelemetryReading, error) {
	fields, err := c.client.HGetAll(ctx, stateKey(vehicle)).Result()
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decode(vehicle, fields)
}

func encode(r *models.TelemetryReading) map[string]interface{} {
	fields := map[string]interface{}{
		"vehicle":     r.Vehicle,
		"status_text": r.StatusText,
		"source_time": r.EventTime().UnixMilli(),
	}
	if r.FuelVolume != nil {
		fields["fuel_volume"] = *r.FuelVolume
	}
	if r.FuelPercentage != nil {
		fields["fuel_percentage"] = *r.FuelPercentage
	}
	return fields
}

func decode(vehicle string, fields map[string]string) (*models.TelemetryReading, error) {
	r := &models.TelemetryReading{
		Vehicle:    vehicle,
		StatusText: fields["status_text"],
	}
	var err error
	if r.FuelVolume, err = parseFloat(fields, "fuel_volume"); err != nil {
		return nil, err
	}
	if r.FuelPercentage, err = parseFloat(fields, "fuel_percentage"); err != nil {
		return nil, err
	}
	if v, ok := fields["source_time"]; ok && v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot source_time: %w", err)
		}
		r.SourceTime = time.UnixMilli(ms).UTC()
	}
	return r, nil
}

func parseFloat(fields map[string]string, key string) (*float64, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", key, err)
	}
	return &f, nil
}
