package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 会话生命周期状态
const (
	StateIdle    = "idle"    // 无未结束会话
	StateOngoing = "ongoing" // 发动机运行中
	StateClosing = "closing" // 已收到 OFF，等待结束油量
)

// 事件常量
const (
	EventEngineOn  = "engine_on"
	EventEngineOff = "engine_off"
	EventComplete  = "complete"
)

// SessionState 车辆会话状态快照
type SessionState struct {
	Vehicle      string    `json:"vehicle"`
	CurrentState string    `json:"state"`
	Since        time.Time `json:"since"`
}

// Machine 单车会话状态机
type Machine struct {
	mu            sync.RWMutex
	vehicle       string
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(vehicle, from, to string)
}

// NewMachine 创建状态机
func NewMachine(vehicle, initialState string, onStateChange func(vehicle, from, to string)) *Machine {
	if initialState == "" {
		initialState = StateIdle
	}

	m := &Machine{
		vehicle:       vehicle,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			{Name: EventEngineOn, Src: []string{StateIdle}, Dst: StateOngoing},
			{Name: EventEngineOff, Src: []string{StateOngoing}, Dst: StateClosing},
			// 带油量的 OFF 可直接结束
			{Name: EventComplete, Src: []string{StateOngoing, StateClosing}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.vehicle, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取状态快照
func (m *Machine) GetState() *SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &SessionState{
		Vehicle:      m.vehicle,
		CurrentState: m.fsm.Current(),
		Since:        m.since,
	}
}

// Sync 按持久化状态对齐，不触发回调
func (m *Machine) Sync(current string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() == current {
		return
	}
	m.fsm.SetState(current)
	m.since = time.Now()
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(vehicle, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(vehicle, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(vehicle, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[vehicle]; ok {
		return machine
	}

	machine := NewMachine(vehicle, initialState, m.onChange)
	m.machines[vehicle] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(vehicle string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[vehicle]
	return machine, ok
}

// GetAllStates 获取所有车辆状态
func (m *Manager) GetAllStates() map[string]*SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*SessionState, len(m.machines))
	for vehicle, machine := range m.machines {
		states[vehicle] = machine.GetState()
	}
	return states
}
