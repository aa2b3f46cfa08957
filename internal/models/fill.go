package models

import "time"

// DetectionMethod 加油检测方式
type DetectionMethod string

const (
	DetectionStatus        DetectionMethod = "STATUS"
	DetectionLevelIncrease DetectionMethod = "LEVEL_INCREASE"
)

// FillRecord 加油记录 (写入账本后不可变)
type FillRecord struct {
	ID                int64           `json:"id,omitempty" db:"id"`
	Vehicle           string          `json:"vehicle" db:"vehicle"`
	StartTime         time.Time       `json:"start_time" db:"start_time"`
	EndTime           time.Time       `json:"end_time" db:"end_time"`
	OpeningFuel       float64         `json:"opening_fuel" db:"opening_fuel"`
	ClosingFuel       float64         `json:"closing_fuel" db:"closing_fuel"`
	OpeningPercentage *float64        `json:"opening_percentage,omitempty" db:"opening_percentage"`
	ClosingPercentage *float64        `json:"closing_percentage,omitempty" db:"closing_percentage"`
	FillAmount        float64         `json:"fill_amount" db:"fill_amount"`
	DetectionMethod   DetectionMethod `json:"detection_method" db:"detection_method"`
}

// Duration 加油时长
func (f *FillRecord) Duration() time.Duration {
	return f.EndTime.Sub(f.StartTime)
}

// CombinedFill 合并后的加油记录 (仅用于报表)
type CombinedFill struct {
	Vehicle           string          `json:"vehicle"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	OpeningFuel       float64         `json:"opening_fuel"`
	ClosingFuel       float64         `json:"closing_fuel"`
	OpeningPercentage *float64        `json:"opening_percentage,omitempty"`
	ClosingPercentage *float64        `json:"closing_percentage,omitempty"`
	FillAmount        float64         `json:"fill_amount"`
	DetectionMethod   DetectionMethod `json:"detection_method"`
	DurationMin       float64         `json:"duration_min"`
	FillCount         int             `json:"fill_count"`
	IsCombined        bool            `json:"is_combined"`
	Members           []FillRecord    `json:"members"`
}
