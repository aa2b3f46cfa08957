package models

import "time"

// PreFillWatcher 加油前最低油量跟踪
type PreFillWatcher struct {
	Vehicle           string    `json:"vehicle" db:"vehicle"`
	LowestFuel        float64   `json:"lowest_fuel" db:"lowest_fuel"`
	LowestPercentage  *float64  `json:"lowest_percentage,omitempty" db:"lowest_percentage"`
	LowestReadingTime time.Time `json:"lowest_reading_time" db:"lowest_reading_time"`
	LastUpdate        time.Time `json:"last_update" db:"last_update"`
}

// FillWatcher 进行中的加油跟踪
type FillWatcher struct {
	Vehicle            string          `json:"vehicle" db:"vehicle"`
	StartTime          time.Time       `json:"start_time" db:"start_time"`
	StartReadingRef    int64           `json:"start_reading_ref" db:"start_reading_ref"` // 触发读数在历史表中的 id
	OpeningFuel        float64         `json:"opening_fuel" db:"opening_fuel"`
	OpeningPercentage  *float64        `json:"opening_percentage,omitempty" db:"opening_percentage"`
	OpeningReadingTime time.Time       `json:"opening_reading_time" db:"opening_reading_time"`
	HighestFuel        float64         `json:"highest_fuel" db:"highest_fuel"`
	HighestPercentage  *float64        `json:"highest_percentage,omitempty" db:"highest_percentage"`
	HighestReadingTime time.Time       `json:"highest_reading_time" db:"highest_reading_time"`
	LastIncreasedAt    time.Time       `json:"last_increased_at" db:"last_increased_at"`
	TimeoutAt          time.Time       `json:"timeout_at" db:"timeout_at"`
	DetectionMethod    DetectionMethod `json:"detection_method" db:"detection_method"`
}

// Amount 当前已加油量
func (w *FillWatcher) Amount() float64 {
	return w.HighestFuel - w.OpeningFuel
}

// ToRecord 生成加油记录
func (w *FillWatcher) ToRecord() *FillRecord {
	return &FillRecord{
		Vehicle:           w.Vehicle,
		StartTime:         w.StartTime,
		EndTime:           w.HighestReadingTime,
		OpeningFuel:       w.OpeningFuel,
		ClosingFuel:       w.HighestFuel,
		OpeningPercentage: w.OpeningPercentage,
		ClosingPercentage: w.HighestPercentage,
		FillAmount:        w.HighestFuel - w.OpeningFuel,
		DetectionMethod:   w.DetectionMethod,
	}
}
