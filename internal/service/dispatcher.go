package service

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// Processor 处理单条读数
type Processor interface {
	Process(ctx context.Context, r *models.TelemetryReading) error
}

// Dispatcher 按车辆分片的工作协程
// 同一车辆总是落在同一分片，分片内按到达顺序处理
type Dispatcher struct {
	processor Processor
	logger    *zap.Logger
	shards    []chan *models.TelemetryReading
	wg        sync.WaitGroup
}

// NewDispatcher 创建调度器
func NewDispatcher(processor Processor, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		processor: processor,
		logger:    logger,
		shards:    make([]chan *models.TelemetryReading, workers),
	}
	for i := range d.shards {
		d.shards[i] = make(chan *models.TelemetryReading, queueSize)
	}
	return d
}

// Run 启动所有分片，Close 后处理完队列中剩余读数再返回
func (d *Dispatcher) Run(ctx context.Context) {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.work(ctx, i, ch)
	}
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, shard int, ch <-chan *models.TelemetryReading) {
	defer d.wg.Done()
	for r := range ch {
		// 停机时仍用独立 context 处理完剩余读数，避免丢失已接收的数据
		pctx := ctx
		if ctx.Err() != nil {
			pctx = context.Background()
		}
		if err := d.processor.Process(pctx, r); err != nil {
			d.logger.Error("Failed to process reading",
				zap.Int("shard", shard),
				zap.String("vehicle", r.Vehicle),
				zap.Error(err))
		}
	}
}

// Submit 提交读数，队列满时阻塞直到有空位或 ctx 结束
func (d *Dispatcher) Submit(ctx context.Context, r *models.TelemetryReading) error {
	ch := d.shards[d.shardOf(r.Vehicle)]
	select {
	case ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭所有分片队列，之后不能再 Submit
func (d *Dispatcher) Close() {
	for _, ch := range d.shards {
		close(ch)
	}
}

func (d *Dispatcher) shardOf(vehicle string) int {
	return int(xxhash.Sum64String(vehicle) % uint64(len(d.shards)))
}
