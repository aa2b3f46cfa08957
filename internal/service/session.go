package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/state"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

// SessionManager 运行会话生命周期
//
// 持久化的 open_sessions 表是唯一事实来源，状态机每次使用前按其对齐，
// 保证每辆车最多一个未结束会话。
type SessionManager struct {
	machines *state.Manager
	unitCost float64
	logger   *zap.Logger
}

// NewSessionManager 创建会话管理器
func NewSessionManager(machines *state.Manager, unitCost float64, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		machines: machines,
		unitCost: unitCost,
		logger:   logger,
	}
}

// machine 读取未结束会话并对齐状态机
func (m *SessionManager) machine(tx *store.Tx, vehicle string) (*state.Machine, *models.OperatingSession, error) {
	s, err := tx.GetOpenSession(vehicle)
	if err != nil {
		return nil, nil, err
	}
	mc := m.machines.GetOrCreate(vehicle, stateOf(s))
	mc.Sync(stateOf(s))
	return mc, s, nil
}

func stateOf(s *models.OperatingSession) string {
	switch {
	case s == nil:
		return state.StateIdle
	case s.ClosingRequested != nil:
		return state.StateClosing
	default:
		return state.StateOngoing
	}
}

// Open 处理 ENGINE_ON
// 已有进行中的会话时不做任何事；上一个会话仍在等待结束油量时先将其结束
func (m *SessionManager) Open(tx *store.Tx, r *models.TelemetryReading, snapshot *models.TelemetryReading, now time.Time) (opened, completed *models.OperatingSession, err error) {
	vehicle := r.Vehicle
	mc, current, err := m.machine(tx, vehicle)
	if err != nil {
		return nil, nil, err
	}

	if mc.CurrentState() == state.StateClosing {
		completed, err = m.closeWithFallback(tx, mc, current, snapshot, now)
		if err != nil {
			return nil, nil, err
		}
	}

	if !mc.CanTransition(state.EventEngineOn) {
		m.logger.Debug("Engine on ignored, session already ongoing", zap.String("vehicle", vehicle))
		return nil, completed, nil
	}

	at := r.EventTime()
	s := &models.OperatingSession{
		Vehicle:   vehicle,
		StartTime: at,
		Status:    models.SessionOngoing,
	}
	opening, err := m.resolveOpening(tx, r, snapshot)
	if err != nil {
		return nil, nil, err
	}
	if opening != nil {
		s.OpeningFuel = opening.Fuel()
		s.OpeningPercentage = opening.FuelPercentage
		s.OpeningResolved = true
	}

	if err := mc.Trigger(state.EventEngineOn); err != nil {
		return nil, nil, err
	}
	if err := tx.SaveOpenSession(s, now); err != nil {
		return nil, nil, err
	}
	if err := enqueueSession(tx, s, now); err != nil {
		return nil, nil, err
	}
	return s, completed, nil
}

// resolveOpening 开始油量: 消息自带 > 不晚于开机时间的最近读数 > 实时快照
func (m *SessionManager) resolveOpening(tx *store.Tx, r *models.TelemetryReading, snapshot *models.TelemetryReading) (*models.TelemetryReading, error) {
	if r.HasFuel() {
		return r, nil
	}
	before, err := tx.NearestBefore(r.Vehicle, r.EventTime())
	if err != nil {
		return nil, err
	}
	if before != nil {
		return before, nil
	}
	if snapshot.HasFuel() {
		return snapshot, nil
	}
	return nil, nil
}

// RequestClose 处理 ENGINE_OFF
// 结束油量取不早于熄火时间的最近读数；尚未到达时进入等待状态，由后续读数或超时收尾
func (m *SessionManager) RequestClose(tx *store.Tx, r *models.TelemetryReading, now time.Time) (*models.OperatingSession, error) {
	vehicle := r.Vehicle
	mc, s, err := m.machine(tx, vehicle)
	if err != nil {
		return nil, err
	}
	if !mc.CanTransition(state.EventEngineOff) {
		m.logger.Debug("Engine off ignored, no ongoing session", zap.String("vehicle", vehicle))
		return nil, nil
	}

	at := r.EventTime()
	closing := r
	if !r.HasFuel() {
		closing, err = tx.NearestAfter(vehicle, at)
		if err != nil {
			return nil, err
		}
	}

	if err := mc.Trigger(state.EventEngineOff); err != nil {
		return nil, err
	}
	if closing != nil {
		return m.complete(tx, mc, s, at, closing, now)
	}

	received := now
	s.ClosingRequested = &at
	s.ClosingReceivedAt = &received
	if err := tx.SaveOpenSession(s, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// OnFuelReading 带油量的读数: 结束等待中的会话或补齐未确定的开始油量
func (m *SessionManager) OnFuelReading(tx *store.Tx, r *models.TelemetryReading, now time.Time) (*models.OperatingSession, error) {
	mc, s, err := m.machine(tx, r.Vehicle)
	if err != nil || s == nil {
		return nil, err
	}

	if s.ClosingRequested != nil {
		return m.complete(tx, mc, s, *s.ClosingRequested, r, now)
	}
	if s.OpeningResolved {
		return nil, nil
	}

	s.OpeningFuel = r.Fuel()
	s.OpeningPercentage = r.FuelPercentage
	s.OpeningResolved = true
	if err := tx.SaveOpenSession(s, now); err != nil {
		return nil, err
	}
	m.logger.Info("Resolved deferred opening fuel",
		zap.String("vehicle", s.Vehicle),
		zap.Float64("opening_fuel", s.OpeningFuel))
	return nil, nil
}

// CloseStale 等待结束油量超时的会话，用熄火前最近读数收尾
func (m *SessionManager) CloseStale(tx *store.Tx, vehicle string, snapshot *models.TelemetryReading, now time.Time) (*models.OperatingSession, error) {
	mc, s, err := m.machine(tx, vehicle)
	if err != nil || s == nil || s.ClosingRequested == nil {
		return nil, err
	}
	return m.closeWithFallback(tx, mc, s, snapshot, now)
}

// closeWithFallback 没有熄火后读数时的结束油量: 熄火前最近读数 > 实时快照 > 开始油量
func (m *SessionManager) closeWithFallback(tx *store.Tx, mc *state.Machine, s *models.OperatingSession, snapshot *models.TelemetryReading, now time.Time) (*models.OperatingSession, error) {
	end := *s.ClosingRequested
	closing, err := tx.NearestBefore(s.Vehicle, end)
	if err != nil {
		return nil, err
	}
	if closing == nil && snapshot.HasFuel() {
		closing = snapshot
	}
	if closing == nil {
		fuel := s.OpeningFuel
		closing = &models.TelemetryReading{Vehicle: s.Vehicle, FuelVolume: &fuel, FuelPercentage: s.OpeningPercentage}
	}
	m.logger.Warn("Closing session without a reading after engine off",
		zap.String("vehicle", s.Vehicle),
		zap.Time("engine_off", end),
		zap.Float64("closing_fuel", closing.Fuel()))
	return m.complete(tx, mc, s, end, closing, now)
}

// complete 计算结束字段，删除本地未结束记录并写入发件箱
func (m *SessionManager) complete(tx *store.Tx, mc *state.Machine, s *models.OperatingSession, end time.Time, closing *models.TelemetryReading, now time.Time) (*models.OperatingSession, error) {
	if !s.OpeningResolved {
		// 整个会话没有任何油量信息，按零消耗处理
		s.OpeningFuel = closing.Fuel()
		s.OpeningPercentage = closing.FuelPercentage
		s.OpeningResolved = true
	}

	s.Complete(end, closing.Fuel(), closing.FuelPercentage, m.unitCost)

	if err := mc.Trigger(state.EventComplete); err != nil {
		return nil, err
	}
	if err := tx.DeleteOpenSession(s.Vehicle); err != nil {
		return nil, err
	}
	if err := enqueueSession(tx, s, now); err != nil {
		return nil, err
	}
	return s, nil
}

// FoldFill 会话期间完成的加油计入会话，避免加油抬升的油量被算成负消耗
// 加油开始于会话之前时只计入会话开始后的部分
func (m *SessionManager) FoldFill(tx *store.Tx, rec *models.FillRecord, now time.Time) (*models.OperatingSession, error) {
	s, err := tx.GetOpenSession(rec.Vehicle)
	if err != nil || s == nil || !s.OpeningResolved {
		return nil, err
	}

	amount := rec.FillAmount
	if rec.StartTime.Before(s.StartTime) {
		amount = rec.ClosingFuel - s.OpeningFuel
	}
	if amount <= 0 {
		return nil, nil
	}

	s.FillEvents++
	s.FillAmount += amount
	if err := tx.SaveOpenSession(s, now); err != nil {
		return nil, err
	}
	return s, nil
}
