package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

// Start 启动定时收尾循环
// 启动时立即执行一次，收尾停机期间已稳定或超时的跟踪器
func (s *FuelService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sweepLoop(ctx)
	s.logger.Info("Fuel service started", zap.Duration("sweep_interval", s.cfg.SweepInterval))
}

// Stop 停止定时收尾循环
func (s *FuelService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Fuel service stopped")
}

func (s *FuelService) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("Sweep failed", zap.Error(err))
	}

	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep 一轮收尾: 到期的加油跟踪器、等待结束油量超时的会话、到期的发件箱记录
func (s *FuelService) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	due, err := s.store.DueFillWatchers(ctx, now, s.cfg.FillQuietPeriod)
	if err != nil {
		return err
	}
	for _, w := range due {
		if err := s.reconcileFill(ctx, w.Vehicle, now); err != nil {
			s.logger.Error("Failed to finalize fill watcher", zap.String("vehicle", w.Vehicle), zap.Error(err))
		}
	}

	closing, err := s.store.ClosingVehicles(ctx, now.Add(-s.cfg.CloseGrace))
	if err != nil {
		return err
	}
	for _, vehicle := range closing {
		if err := s.reconcileClosing(ctx, vehicle, now); err != nil {
			s.logger.Error("Failed to close stale session", zap.String("vehicle", vehicle), zap.Error(err))
		}
	}

	return s.outbox.FlushDue(ctx)
}

// reconcileFill 在车辆锁内重新读取跟踪器并判断，期间到达的读数可能已使其不再到期
func (s *FuelService) reconcileFill(ctx context.Context, vehicle string, now time.Time) error {
	unlock := s.lockVehicle(vehicle)
	out, err := s.transact(ctx, vehicle, func(tx *store.Tx, out *outcome) error {
		w, err := tx.GetFillWatcher(vehicle)
		if err != nil || w == nil {
			return err
		}
		reason := s.detector.DueReason(w, now)
		if reason == "" {
			return nil
		}
		s.logger.Debug("Fill watcher due",
			zap.String("vehicle", vehicle),
			zap.String("reason", reason))
		return s.finalizeFill(tx, w, now, out)
	})
	unlock()
	if err != nil {
		return err
	}
	s.report(ctx, vehicle, out)
	return nil
}

// reconcileClosing 收尾等待结束油量超时的会话
func (s *FuelService) reconcileClosing(ctx context.Context, vehicle string, now time.Time) error {
	unlock := s.lockVehicle(vehicle)
	snapshot := s.lookupSnapshot(ctx, vehicle)
	out, err := s.transact(ctx, vehicle, func(tx *store.Tx, out *outcome) error {
		completed, err := s.sessions.CloseStale(tx, vehicle, snapshot, now)
		if err != nil {
			return err
		}
		out.complete(completed)
		return nil
	})
	unlock()
	if err != nil {
		return err
	}
	s.report(ctx, vehicle, out)
	return nil
}
