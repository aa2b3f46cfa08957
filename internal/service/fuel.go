package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/classifier"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/clock"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/config"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/metrics"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/state"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

// FuelService 油量遥测处理服务
//
// 同一车辆的读数与定时收尾在车辆锁内串行执行，所有状态变更在一个本地事务内完成，
// 账本写入在事务提交后经发件箱异步进行。
type FuelService struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.Store
	ledger    Ledger
	snapshots SnapshotSource
	sink      SnapshotSink
	events    Publisher
	clock     clock.Clock

	detector     *FillDetector
	sessions     *SessionManager
	outbox       *Outbox
	stateManager *state.Manager

	locks     sync.Map // vehicle -> *sync.Mutex
	recovered sync.Map // vehicle -> struct{}，已向账本查询过未结束会话

	pendingMu sync.Mutex
	pending   map[string][]transition // 事务内发生、尚未提交的会话状态变更

	mu      sync.RWMutex
	live    map[string]*LiveState
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewFuelService 创建服务
// ledger、snapshots、sink、events 均可为 nil
func NewFuelService(
	cfg *config.Config,
	logger *zap.Logger,
	st *store.Store,
	ledger Ledger,
	snapshots SnapshotSource,
	sink SnapshotSink,
	events Publisher,
	clk clock.Clock,
) *FuelService {
	if clk == nil {
		clk = clock.Real()
	}

	svc := &FuelService{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		ledger:    ledger,
		snapshots: snapshots,
		sink:      sink,
		events:    events,
		clock:     clk,
		live:      make(map[string]*LiveState),
		pending:   make(map[string][]transition),
		stopCh:    make(chan struct{}),
	}

	svc.stateManager = state.NewManager(svc.onStateChange)
	svc.detector = NewFillDetector(cfg.MinFillAmount, cfg.MinFillPercentage,
		cfg.PassiveWindow, cfg.FillQuietPeriod, cfg.FillTimeout, logger)
	svc.sessions = NewSessionManager(svc.stateManager, cfg.UnitFuelCost, logger)
	svc.outbox = NewOutbox(st, ledger, clk, logger,
		cfg.LedgerWriteTimeout, cfg.OutboxRetryInitial, cfg.OutboxRetryMax)

	return svc
}

// outcome 一次事务产生的结果，提交后统一记录日志和广播
type outcome struct {
	outOfOrder  bool
	transitions []transition
	opened      *models.FillWatcher
	fills       []*models.FillRecord
	cancelled   []*models.FillWatcher
	started     *models.OperatingSession
	completed   []*models.OperatingSession
}

// transition 会话状态机的一次状态变更
type transition struct {
	from, to string
}

func (o *outcome) enqueued() bool {
	return len(o.fills) > 0 || o.started != nil || len(o.completed) > 0
}

func (o *outcome) complete(s *models.OperatingSession) {
	if s != nil {
		o.completed = append(o.completed, s)
	}
}

// lockVehicle 获取车辆锁，返回解锁函数
func (s *FuelService) lockVehicle(vehicle string) func() {
	mu, _ := s.locks.LoadOrStore(vehicle, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Process 处理一条遥测读数
// 缺少油量或状态文本的读数照常处理，只跳过相应的部分
func (s *FuelService) Process(ctx context.Context, r *models.TelemetryReading) error {
	if r == nil || r.Vehicle == "" {
		return fmt.Errorf("process reading: vehicle is required")
	}
	now := s.clock.Now()
	if r.ReceivedTime.IsZero() {
		r.ReceivedTime = now
	}
	metrics.ReadingsReceived.Add(1)

	edge := classifier.Classify(r.StatusText)

	unlock := s.lockVehicle(r.Vehicle)
	s.recoverSession(ctx, r.Vehicle)

	var snapshot *models.TelemetryReading
	if edge.IsEngineEdge() && !r.HasFuel() {
		snapshot = s.lookupSnapshot(ctx, r.Vehicle)
	}

	out, err := s.transact(ctx, r.Vehicle, func(tx *store.Tx, out *outcome) error {
		return s.apply(tx, r, edge, snapshot, now, out)
	})
	unlock()

	if err != nil {
		metrics.ReadingsFailed.Add(1)
		return fmt.Errorf("process reading for %s: %w", r.Vehicle, err)
	}

	if out.outOfOrder {
		metrics.ReadingsOutOfOrder.Add(1)
		s.logger.Warn("Out-of-order reading recorded but not evaluated",
			zap.String("vehicle", r.Vehicle),
			zap.Time("source_time", r.EventTime()))
	}

	s.updateLive(r, edge)
	if s.sink != nil && r.HasFuel() {
		s.sink.Enqueue(r)
	}
	s.report(ctx, r.Vehicle, out)
	return nil
}

// transact 执行一个本地事务，调用方持有车辆锁
// 事务内的状态机变更只在提交成功后随 outcome 返回，回滚时丢弃
func (s *FuelService) transact(ctx context.Context, vehicle string, fn func(tx *store.Tx, out *outcome) error) (*outcome, error) {
	var out outcome
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		out = outcome{}
		s.takeTransitions(vehicle)
		return fn(tx, &out)
	})
	transitions := s.takeTransitions(vehicle)
	if err != nil {
		return nil, err
	}
	out.transitions = transitions
	return &out, nil
}

func (s *FuelService) takeTransitions(vehicle string) []transition {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	t := s.pending[vehicle]
	delete(s.pending, vehicle)
	return t
}

// apply 事务内处理读数: 历史 -> 待定会话 -> 加油检测 -> 启停边沿
func (s *FuelService) apply(tx *store.Tx, r *models.TelemetryReading, edge classifier.Edge, snapshot *models.TelemetryReading, now time.Time, out *outcome) error {
	inOrder, err := tx.AdvanceCursor(r.Vehicle, r.EventTime())
	if err != nil {
		return err
	}
	ref, err := tx.PutReading(r)
	if err != nil {
		return err
	}
	if !inOrder {
		out.outOfOrder = true
		return nil
	}

	if r.HasFuel() {
		completed, err := s.sessions.OnFuelReading(tx, r, now)
		if err != nil {
			return err
		}
		out.complete(completed)
	}

	opened, err := s.detector.Observe(tx, r, edge, ref, now)
	if err != nil {
		return err
	}
	out.opened = opened

	switch edge {
	case classifier.EngineOn:
		started, completed, err := s.sessions.Open(tx, r, snapshot, now)
		if err != nil {
			return err
		}
		out.complete(completed)
		out.started = started

	case classifier.EngineOff:
		// 熄火前先结算进行中的加油，使其计入本次会话
		w, err := tx.GetFillWatcher(r.Vehicle)
		if err != nil {
			return err
		}
		if w != nil {
			if err := s.finalizeFill(tx, w, now, out); err != nil {
				return err
			}
		}
		completed, err := s.sessions.RequestClose(tx, r, now)
		if err != nil {
			return err
		}
		out.complete(completed)
	}
	return nil
}

// finalizeFill 收尾加油跟踪器，有效记录计入会话并写入发件箱
func (s *FuelService) finalizeFill(tx *store.Tx, w *models.FillWatcher, now time.Time, out *outcome) error {
	rec, cancelled, err := s.detector.Finalize(tx, w, now)
	if err != nil {
		return err
	}
	if cancelled {
		out.cancelled = append(out.cancelled, w)
		return nil
	}
	if rec == nil {
		return nil
	}
	if _, err := s.sessions.FoldFill(tx, rec, now); err != nil {
		return err
	}
	if err := enqueueFill(tx, rec, now); err != nil {
		return err
	}
	out.fills = append(out.fills, rec)
	return nil
}

// report 事务提交后的日志、计数、广播和账本投递
func (s *FuelService) report(ctx context.Context, vehicle string, out *outcome) {
	for _, t := range out.transitions {
		s.publishState(vehicle, t)
	}
	if w := out.opened; w != nil {
		metrics.FillsOpened.Add(1)
		s.logger.Info("Opened fill watcher",
			zap.String("vehicle", vehicle),
			zap.String("method", string(w.DetectionMethod)),
			zap.Float64("opening_fuel", w.OpeningFuel))
		s.publish(EventFillOpened, w)
	}
	for _, w := range out.cancelled {
		metrics.FillsCancelled.Add(1)
		s.logger.Info("Cancelled spurious fill watcher",
			zap.String("vehicle", vehicle),
			zap.Float64("opening_fuel", w.OpeningFuel),
			zap.Float64("highest_fuel", w.HighestFuel))
		s.publish(EventFillCancelled, w)
	}
	for _, f := range out.fills {
		metrics.FillsFinalized.Add(1)
		s.logger.Info("Finalized fill",
			zap.String("vehicle", vehicle),
			zap.String("method", string(f.DetectionMethod)),
			zap.Float64("opening_fuel", f.OpeningFuel),
			zap.Float64("closing_fuel", f.ClosingFuel),
			zap.Float64("fill_amount", f.FillAmount))
		s.publish(EventFillFinalized, f)
	}
	for _, c := range out.completed {
		metrics.SessionsCompleted.Add(1)
		s.logger.Info("Completed session",
			zap.String("vehicle", vehicle),
			zap.Float64("operating_hours", c.OperatingHours),
			zap.Float64("fuel_used", c.FuelUsed),
			zap.Float64("cost", c.Cost))
		s.publish(EventSessionCompleted, c)
	}
	if st := out.started; st != nil {
		metrics.SessionsOpened.Add(1)
		s.logger.Info("Opened session",
			zap.String("vehicle", vehicle),
			zap.Time("start_time", st.StartTime),
			zap.Float64("opening_fuel", st.OpeningFuel),
			zap.Bool("opening_resolved", st.OpeningResolved))
		s.publish(EventSessionOpened, st)
	}

	if out.enqueued() {
		if err := s.outbox.Flush(ctx, vehicle); err != nil {
			s.logger.Error("Failed to flush outbox", zap.String("vehicle", vehicle), zap.Error(err))
		}
	}
}

func (s *FuelService) publish(msgType string, data interface{}) {
	if s.events != nil {
		s.events.BroadcastMessage(msgType, data)
	}
}

// recoverSession 车辆首次出现且本地没有未结束会话时，向账本查询一次
func (s *FuelService) recoverSession(ctx context.Context, vehicle string) {
	if s.ledger == nil {
		return
	}
	if _, done := s.recovered.LoadOrStore(vehicle, struct{}{}); done {
		return
	}

	local, err := s.store.OpenSession(ctx, vehicle)
	if err != nil {
		s.recovered.Delete(vehicle)
		return
	}
	if local != nil {
		return
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerWriteTimeout)
	defer cancel()
	remote, err := s.ledger.FindOngoingSession(lctx, vehicle)
	if err != nil {
		s.logger.Warn("Failed to look up ongoing session in ledger",
			zap.String("vehicle", vehicle), zap.Error(err))
		s.recovered.Delete(vehicle) // 下一条读数重试
		return
	}
	if remote == nil {
		return
	}

	remote.Status = models.SessionOngoing
	remote.OpeningResolved = true
	remote.ClosingRequested = nil
	remote.ClosingReceivedAt = nil
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetOpenSession(vehicle)
		if err != nil || existing != nil {
			return err
		}
		return tx.SaveOpenSession(remote, s.clock.Now())
	})
	if err != nil {
		s.logger.Error("Failed to adopt ongoing session", zap.String("vehicle", vehicle), zap.Error(err))
		s.recovered.Delete(vehicle)
		return
	}
	s.logger.Info("Recovered ongoing session from ledger",
		zap.String("vehicle", vehicle),
		zap.Time("start_time", remote.StartTime))
}

// lookupSnapshot 读取实时快照，失败只记录日志
func (s *FuelService) lookupSnapshot(ctx context.Context, vehicle string) *models.TelemetryReading {
	if s.snapshots == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerWriteTimeout)
	defer cancel()
	r, err := s.snapshots.Latest(sctx, vehicle)
	if err != nil {
		s.logger.Debug("Snapshot lookup failed", zap.String("vehicle", vehicle), zap.Error(err))
		return nil
	}
	return r
}

// onStateChange 会话状态机回调，在本地事务内触发，提交后由 report 发布
func (s *FuelService) onStateChange(vehicle, from, to string) {
	s.pendingMu.Lock()
	s.pending[vehicle] = append(s.pending[vehicle], transition{from: from, to: to})
	s.pendingMu.Unlock()
}

// publishState 更新实时状态并广播已提交的会话状态变更
func (s *FuelService) publishState(vehicle string, t transition) {
	s.logger.Debug("Session state changed",
		zap.String("vehicle", vehicle),
		zap.String("from", t.from),
		zap.String("to", t.to))

	s.mu.Lock()
	live, ok := s.live[vehicle]
	if !ok {
		live = &LiveState{Vehicle: vehicle}
		s.live[vehicle] = live
	}
	live.SessionState = t.to
	snapshot := *live
	s.mu.Unlock()

	s.publish(EventStateUpdate, &snapshot)
}
