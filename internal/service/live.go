package service

import (
	"context"
	"sort"
	"time"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/classifier"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/state"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

// LiveState 车辆实时状态 (仅内存)
type LiveState struct {
	Vehicle        string    `json:"vehicle"`
	FuelVolume     *float64  `json:"fuel_volume,omitempty"`
	FuelPercentage *float64  `json:"fuel_percentage,omitempty"`
	StatusText     string    `json:"status_text,omitempty"`
	LastEdge       string    `json:"last_edge,omitempty"`
	SessionState   string    `json:"session_state"`
	LastSeen       time.Time `json:"last_seen"`
}

// VehicleView 车辆当前的完整跟踪状态
type VehicleView struct {
	Live        *LiveState               `json:"live,omitempty"`
	Session     *models.OperatingSession `json:"session,omitempty"`
	FillWatcher *models.FillWatcher      `json:"fill_watcher,omitempty"`
	PreFill     *models.PreFillWatcher   `json:"prefill_watcher,omitempty"`
}

// updateLive 记录最新读数
func (s *FuelService) updateLive(r *models.TelemetryReading, edge classifier.Edge) {
	sessionState := ""
	if machine, ok := s.stateManager.Get(r.Vehicle); ok {
		sessionState = machine.CurrentState()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.live[r.Vehicle]
	if !ok {
		live = &LiveState{Vehicle: r.Vehicle, SessionState: state.StateIdle}
		s.live[r.Vehicle] = live
	}
	if r.HasFuel() {
		live.FuelVolume = r.FuelVolume
		live.FuelPercentage = r.FuelPercentage
	}
	if r.StatusText != "" {
		live.StatusText = r.StatusText
	}
	if edge != classifier.None {
		live.LastEdge = string(edge)
	}
	if sessionState != "" {
		live.SessionState = sessionState
	}
	live.LastSeen = r.EventTime()
}

// GetLive 获取车辆实时状态
func (s *FuelService) GetLive(vehicle string) (*LiveState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.live[vehicle]
	if !ok {
		return nil, false
	}
	copied := *live
	return &copied, true
}

// AllLive 所有车辆实时状态，按车辆排序
func (s *FuelService) AllLive() []*LiveState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*LiveState, 0, len(s.live))
	for _, live := range s.live {
		copied := *live
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vehicle < out[j].Vehicle })
	return out
}

// Inspect 读取车辆的会话与跟踪器
func (s *FuelService) Inspect(ctx context.Context, vehicle string) (*VehicleView, error) {
	view := &VehicleView{}
	if live, ok := s.GetLive(vehicle); ok {
		view.Live = live
	}
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if view.Session, err = tx.GetOpenSession(vehicle); err != nil {
			return err
		}
		if view.FillWatcher, err = tx.GetFillWatcher(vehicle); err != nil {
			return err
		}
		view.PreFill, err = tx.GetPreFillWatcher(vehicle)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// History 车辆最近的历史读数
func (s *FuelService) History(ctx context.Context, vehicle string, from, to time.Time) ([]*models.TelemetryReading, error) {
	return s.store.History(ctx, vehicle, from, to)
}
