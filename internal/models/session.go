package models

import "time"

// SessionStatus 运行会话状态
type SessionStatus string

const (
	SessionOngoing   SessionStatus = "ONGOING"
	SessionCompleted SessionStatus = "COMPLETED"
)

// OperatingSession 发动机运行会话
type OperatingSession struct {
	ID                int64         `json:"id,omitempty" db:"id"`
	Vehicle           string        `json:"vehicle" db:"vehicle"`
	StartTime         time.Time     `json:"start_time" db:"start_time"`
	EndTime           *time.Time    `json:"end_time,omitempty" db:"end_time"`
	OpeningFuel       float64       `json:"opening_fuel" db:"opening_fuel"`
	OpeningPercentage *float64      `json:"opening_percentage,omitempty" db:"opening_percentage"`
	OpeningResolved   bool          `json:"opening_resolved" db:"-"` // 开始油量是否已确定
	ClosingFuel       *float64      `json:"closing_fuel,omitempty" db:"closing_fuel"`
	ClosingPercentage *float64      `json:"closing_percentage,omitempty" db:"closing_percentage"`
	OperatingHours    float64       `json:"operating_hours" db:"operating_hours"`
	FuelUsed          float64       `json:"fuel_used" db:"fuel_used"`
	Cost              float64       `json:"cost" db:"cost"`
	FillEvents        int           `json:"fill_events" db:"fill_events"`           // 会话期间加油次数
	FillAmount        float64       `json:"fill_amount" db:"fill_amount"`           // 会话期间加油总量
	Status            SessionStatus `json:"status" db:"status"`
	ClosingRequested  *time.Time    `json:"closing_requested,omitempty" db:"-"`    // OFF 读数的时间，等待结束读数
	ClosingReceivedAt *time.Time    `json:"closing_received_at,omitempty" db:"-"`  // 处理 OFF 时的本地时钟，用于等待超时
}

// IsOngoing 会话是否进行中
func (s *OperatingSession) IsOngoing() bool {
	return s != nil && s.Status == SessionOngoing
}

// Complete 计算结束字段并标记完成
func (s *OperatingSession) Complete(endTime time.Time, closingFuel float64, closingPct *float64, unitCost float64) {
	end := endTime
	s.EndTime = &end
	closing := closingFuel
	s.ClosingFuel = &closing
	s.ClosingPercentage = closingPct

	hours := end.Sub(s.StartTime).Hours()
	if hours < 0 {
		hours = 0
	}
	s.OperatingHours = hours

	used := s.OpeningFuel - closingFuel + s.FillAmount
	if used < 0 {
		used = 0
	}
	s.FuelUsed = used
	s.Cost = used * unitCost
	s.ClosingRequested = nil
	s.ClosingReceivedAt = nil
	s.Status = SessionCompleted
}
