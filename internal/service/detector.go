package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/classifier"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

// 加油跟踪器收尾原因
const (
	reasonStabilized = "stabilized"
	reasonTimeout    = "timeout"
	reasonEngineOff  = "engine_off"
)

// FillDetector 加油检测
//
// 每辆车同一时刻最多一个加油跟踪器。没有跟踪器时维护加油前最低油量，
// 状态文本为加油或油量相对最低点上涨超过阈值时开启跟踪器。
type FillDetector struct {
	minAmount  float64       // 升
	minPercent float64       // 油箱百分点
	window     time.Duration // 被动检测时间窗
	quiet      time.Duration
	timeout    time.Duration
	logger     *zap.Logger
}

// NewFillDetector 创建加油检测器
func NewFillDetector(minAmount, minPercent float64, window, quiet, timeout time.Duration, logger *zap.Logger) *FillDetector {
	return &FillDetector{
		minAmount:  minAmount,
		minPercent: minPercent,
		window:     window,
		quiet:      quiet,
		timeout:    timeout,
		logger:     logger,
	}
}

// Observe 处理一条读数，返回本次新开启的跟踪器
// 读数应已写入历史，readingRef 为其历史 id (无油量时为 0)
func (d *FillDetector) Observe(tx *store.Tx, r *models.TelemetryReading, edge classifier.Edge, readingRef int64, now time.Time) (*models.FillWatcher, error) {
	vehicle := r.Vehicle
	at := r.EventTime()

	active, err := tx.GetFillWatcher(vehicle)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if !r.HasFuel() {
			return nil, nil
		}
		raised, err := tx.UpdateFillWatcherHigh(vehicle, r.Fuel(), r.FuelPercentage, at, now)
		if err != nil {
			return nil, err
		}
		if raised {
			d.logger.Debug("Fill watcher high raised",
				zap.String("vehicle", vehicle),
				zap.Float64("fuel", r.Fuel()))
		}
		return nil, nil
	}

	pre, err := tx.GetPreFillWatcher(vehicle)
	if err != nil {
		return nil, err
	}

	if edge == classifier.FuelFill {
		return d.open(tx, r, pre, models.DetectionStatus, readingRef, now)
	}
	if !r.HasFuel() {
		return nil, nil
	}
	if pre == nil {
		return nil, tx.SetPreFillWatcher(preFillFrom(r, now))
	}

	// 最低点已滑出时间窗，改用窗内最低读数 (包含当前读数)
	if at.Sub(pre.LowestReadingTime) > d.window {
		low, err := tx.MinInRange(vehicle, at.Add(-d.window), at)
		if err != nil {
			return nil, err
		}
		if low == nil {
			low = r
		}
		pre = preFillFrom(low, now)
		if err := tx.SetPreFillWatcher(pre); err != nil {
			return nil, err
		}
	}

	if d.passiveTriggered(pre, r) {
		return d.open(tx, r, pre, models.DetectionLevelIncrease, readingRef, now)
	}

	if r.Fuel() < pre.LowestFuel {
		return nil, tx.SetPreFillWatcher(preFillFrom(r, now))
	}
	return nil, nil
}

// passiveTriggered 油量相对最低点上涨达到阈值且未超出时间窗
func (d *FillDetector) passiveTriggered(pre *models.PreFillWatcher, r *models.TelemetryReading) bool {
	if r.EventTime().Sub(pre.LowestReadingTime) > d.window {
		return false
	}
	return d.meetsThreshold(pre.LowestFuel, pre.LowestPercentage, r.Fuel(), r.FuelPercentage, 1)
}

// meetsThreshold 上涨量达到 scale 倍的升数阈值，或两端都有百分比时达到百分点阈值
func (d *FillDetector) meetsThreshold(fromFuel float64, fromPct *float64, toFuel float64, toPct *float64, scale float64) bool {
	rise := toFuel - fromFuel
	if rise <= 0 {
		return false
	}
	if rise >= d.minAmount*scale {
		return true
	}
	if fromPct != nil && toPct != nil {
		return *toPct-*fromPct >= d.minPercent*scale
	}
	return false
}

// open 开启跟踪器，开始油量优先取加油前最低点
func (d *FillDetector) open(tx *store.Tx, r *models.TelemetryReading, pre *models.PreFillWatcher, method models.DetectionMethod, readingRef int64, now time.Time) (*models.FillWatcher, error) {
	vehicle := r.Vehicle
	at := r.EventTime()

	w := &models.FillWatcher{
		Vehicle:         vehicle,
		StartTime:       at,
		StartReadingRef: readingRef,
		LastIncreasedAt: now,
		TimeoutAt:       now.Add(d.timeout),
		DetectionMethod: method,
	}

	switch {
	case pre != nil && (!r.HasFuel() || pre.LowestFuel <= r.Fuel()):
		w.OpeningFuel = pre.LowestFuel
		w.OpeningPercentage = pre.LowestPercentage
		w.OpeningReadingTime = pre.LowestReadingTime
	case r.HasFuel():
		w.OpeningFuel = r.Fuel()
		w.OpeningPercentage = r.FuelPercentage
		w.OpeningReadingTime = at
	default:
		last, err := tx.NearestBefore(vehicle, at)
		if err != nil {
			return nil, err
		}
		if last == nil {
			d.logger.Debug("Fill status without any known fuel level, ignored",
				zap.String("vehicle", vehicle))
			return nil, nil
		}
		w.OpeningFuel = last.Fuel()
		w.OpeningPercentage = last.FuelPercentage
		w.OpeningReadingTime = last.EventTime()
	}

	w.HighestFuel = w.OpeningFuel
	w.HighestPercentage = w.OpeningPercentage
	w.HighestReadingTime = w.OpeningReadingTime
	if r.HasFuel() && r.Fuel() > w.HighestFuel {
		w.HighestFuel = r.Fuel()
		w.HighestPercentage = r.FuelPercentage
		w.HighestReadingTime = at
	}

	if err := tx.SetFillWatcher(w); err != nil {
		return nil, err
	}
	if err := tx.ClearPreFillWatcher(vehicle); err != nil {
		return nil, err
	}
	return w, nil
}

// DueReason 跟踪器需要收尾的原因，未到期返回空串
func (d *FillDetector) DueReason(w *models.FillWatcher, now time.Time) string {
	switch {
	case now.Sub(w.LastIncreasedAt) >= d.quiet:
		return reasonStabilized
	case !now.Before(w.TimeoutAt):
		return reasonTimeout
	}
	return ""
}

// Finalize 删除跟踪器并生成加油记录
// 上涨被判定为噪声时返回 cancelled=true，并以最低点重新开始加油前跟踪
// 跟踪器已不存在 (被另一条路径收尾) 时两个返回值均为空
func (d *FillDetector) Finalize(tx *store.Tx, w *models.FillWatcher, now time.Time) (rec *models.FillRecord, cancelled bool, err error) {
	deleted, err := tx.DeleteFillWatcher(w.Vehicle)
	if err != nil || !deleted {
		return nil, false, err
	}

	latest, err := tx.LatestReading(w.Vehicle)
	if err != nil {
		return nil, false, err
	}

	if d.spurious(w, latest) {
		low := &models.PreFillWatcher{
			Vehicle:           w.Vehicle,
			LowestFuel:        w.OpeningFuel,
			LowestPercentage:  w.OpeningPercentage,
			LowestReadingTime: w.OpeningReadingTime,
			LastUpdate:        now,
		}
		if latest != nil && latest.Fuel() < low.LowestFuel {
			low = preFillFrom(latest, now)
		}
		if err := tx.SetPreFillWatcher(low); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	return w.ToRecord(), false, nil
}

// spurious 上涨是否为噪声
// 状态触发的跟踪器只要有上涨即有效；被动触发的还要求油量没有回落到阈值一半以下
func (d *FillDetector) spurious(w *models.FillWatcher, latest *models.TelemetryReading) bool {
	if w.Amount() <= 0 {
		return true
	}
	if w.DetectionMethod == models.DetectionStatus {
		return false
	}
	if !d.meetsThreshold(w.OpeningFuel, w.OpeningPercentage, w.HighestFuel, w.HighestPercentage, 1) {
		return true
	}
	if latest != nil && latest.EventTime().After(w.HighestReadingTime) &&
		!d.meetsThreshold(w.OpeningFuel, w.OpeningPercentage, latest.Fuel(), latest.FuelPercentage, 0.5) {
		return true
	}
	return false
}

func preFillFrom(r *models.TelemetryReading, now time.Time) *models.PreFillWatcher {
	return &models.PreFillWatcher{
		Vehicle:           r.Vehicle,
		LowestFuel:        r.Fuel(),
		LowestPercentage:  r.FuelPercentage,
		LowestReadingTime: r.EventTime(),
		LastUpdate:        now,
	}
}
