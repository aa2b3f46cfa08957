package models

import "time"

// TelemetryReading 遥测读数 (油量 + 状态文本)
type TelemetryReading struct {
	ID             int64     `json:"id,omitempty" db:"id"`
	Vehicle        string    `json:"vehicle" db:"vehicle"`
	FuelVolume     *float64  `json:"fuel_volume,omitempty" db:"fuel_volume"`         // 升
	FuelPercentage *float64  `json:"fuel_percentage,omitempty" db:"fuel_percentage"` // 油箱百分比
	StatusText     string    `json:"status_text,omitempty" db:"status_text"`
	SourceTime     time.Time `json:"source_time" db:"source_time"`
	ReceivedTime   time.Time `json:"received_time" db:"received_time"`
}

// HasFuel 是否携带油量数值
func (r *TelemetryReading) HasFuel() bool {
	return r != nil && r.FuelVolume != nil
}

// Fuel 油量，未携带时返回 0
func (r *TelemetryReading) Fuel() float64 {
	if r == nil || r.FuelVolume == nil {
		return 0
	}
	return *r.FuelVolume
}

// EventTime 事件时间，优先使用设备时间
func (r *TelemetryReading) EventTime() time.Time {
	if !r.SourceTime.IsZero() {
		return r.SourceTime
	}
	return r.ReceivedTime
}
