package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/clock"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/metrics"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

// errUndeliverable 记录无法解析，重试也不会成功
var errUndeliverable = errors.New("undeliverable outbox entry")

// enqueueSession 会话写入发件箱，与状态变更同一事务
func enqueueSession(tx *store.Tx, s *models.OperatingSession, now time.Time) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = tx.Enqueue(s.Vehicle, store.OutboxSession, payload, now)
	return err
}

// enqueueFill 加油记录写入发件箱
func enqueueFill(tx *store.Tx, f *models.FillRecord, now time.Time) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode fill record: %w", err)
	}
	_, err = tx.Enqueue(f.Vehicle, store.OutboxFill, payload, now)
	return err
}

// Outbox 把发件箱中的记录按车辆顺序写入远程账本
//
// 写入失败的记录留在本地，按指数退避重试；同一车辆的后续记录不会越过失败的记录。
type Outbox struct {
	store   *store.Store
	ledger  Ledger
	clock   clock.Clock
	logger  *zap.Logger
	timeout time.Duration
	initial time.Duration
	max     time.Duration

	locks sync.Map // vehicle -> *sync.Mutex
}

// NewOutbox 创建发件箱投递器，ledger 为 nil 时记录只在本地累积
func NewOutbox(st *store.Store, ledger Ledger, clk clock.Clock, logger *zap.Logger, timeout, initial, max time.Duration) *Outbox {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &Outbox{
		store:   st,
		ledger:  ledger,
		clock:   clk,
		logger:  logger,
		timeout: timeout,
		initial: initial,
		max:     max,
	}
}

// Flush 投递一辆车已到重试时间的记录，遇到失败即停止
func (o *Outbox) Flush(ctx context.Context, vehicle string) error {
	if o.ledger == nil {
		return nil
	}

	mu, _ := o.locks.LoadOrStore(vehicle, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	entries, err := o.store.PendingOutbox(ctx, vehicle)
	if err != nil {
		return err
	}

	for _, e := range entries {
		now := o.clock.Now()
		if e.NextAttemptAt.After(now) {
			return nil
		}

		err := o.deliver(ctx, e)
		if err == nil || errors.Is(err, errUndeliverable) {
			if err == nil {
				metrics.LedgerWriteSuccess.Add(1)
			} else {
				metrics.OutboxDiscarded.Add(1)
			}
			if err := o.store.DeleteOutbox(ctx, e.ID); err != nil {
				return err
			}
			continue
		}

		metrics.LedgerWriteFailure.Add(1)
		next := now.Add(o.backoff(e.Attempts))
		o.logger.Warn("Ledger write failed, will retry",
			zap.String("vehicle", vehicle),
			zap.String("kind", string(e.Kind)),
			zap.Int("attempts", e.Attempts+1),
			zap.Time("next_attempt", next),
			zap.Error(err))
		if err := o.store.MarkOutboxFailed(ctx, e.ID, err, next); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// FlushDue 投递所有到期车辆的记录
func (o *Outbox) FlushDue(ctx context.Context) error {
	if o.ledger == nil {
		return nil
	}
	vehicles, err := o.store.DueOutboxVehicles(ctx, o.clock.Now())
	if err != nil {
		return err
	}
	for _, vehicle := range vehicles {
		if err := o.Flush(ctx, vehicle); err != nil {
			o.logger.Error("Failed to flush outbox", zap.String("vehicle", vehicle), zap.Error(err))
		}
	}

	n, err := o.store.OutboxCount(ctx)
	if err != nil {
		return err
	}
	metrics.OutboxBacklog.Store(int64(n))
	return nil
}

// deliver 单条写入，受 timeout 约束
func (o *Outbox) deliver(ctx context.Context, e store.OutboxEntry) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	switch e.Kind {
	case store.OutboxSession:
		var s models.OperatingSession
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return o.discard(e, err)
		}
		return o.ledger.WriteSession(ctx, &s)
	case store.OutboxFill:
		var f models.FillRecord
		if err := json.Unmarshal(e.Payload, &f); err != nil {
			return o.discard(e, err)
		}
		return o.ledger.WriteFillRecord(ctx, &f)
	default:
		return o.discard(e, fmt.Errorf("unknown outbox kind %q", e.Kind))
	}
}

// discard 无法解析的记录永远无法投递，由 Flush 删除以免阻塞后续记录
func (o *Outbox) discard(e store.OutboxEntry, cause error) error {
	o.logger.Error("Dropping undeliverable outbox entry",
		zap.Int64("id", e.ID),
		zap.String("vehicle", e.Vehicle),
		zap.Error(cause))
	return fmt.Errorf("%w: %v", errUndeliverable, cause)
}

// backoff 第 attempts 次失败后的等待时间
func (o *Outbox) backoff(attempts int) time.Duration {
	d := o.initial
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= o.max {
			return o.max
		}
	}
	return d
}
