// Package combiner 合并时间上相邻的加油记录，仅用于报表输出
package combiner

import (
	"sort"
	"time"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// Combine 按开始时间把一辆车的加油记录划分为若干段并逐段合并
//
// 相邻两条记录的开始时间相差不超过 window 时归入同一段。
// 合并结果的开始/结束油量取段内最早/最晚一条，加油量由两端重新计算而非累加。
// 输入切片不会被修改。
func Combine(records []models.FillRecord, window time.Duration) []models.CombinedFill {
	if len(records) == 0 {
		return nil
	}

	sorted := make([]models.FillRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	var out []models.CombinedFill
	run := []models.FillRecord{sorted[0]}
	for _, rec := range sorted[1:] {
		prev := run[len(run)-1]
		if rec.Vehicle == prev.Vehicle && rec.StartTime.Sub(prev.StartTime) <= window {
			run = append(run, rec)
			continue
		}
		out = append(out, collapse(run))
		run = []models.FillRecord{rec}
	}
	return append(out, collapse(run))
}

// collapse 把一段记录合并为一条
func collapse(run []models.FillRecord) models.CombinedFill {
	first, last := run[0], run[len(run)-1]

	end := first.EndTime
	method := models.DetectionLevelIncrease
	for _, rec := range run {
		if rec.EndTime.After(end) {
			end = rec.EndTime
		}
		// 任一条由状态文本确认则整体视为状态检测
		if rec.DetectionMethod == models.DetectionStatus {
			method = models.DetectionStatus
		}
	}

	members := make([]models.FillRecord, len(run))
	copy(members, run)

	return models.CombinedFill{
		Vehicle:           first.Vehicle,
		StartTime:         first.StartTime,
		EndTime:           end,
		OpeningFuel:       first.OpeningFuel,
		ClosingFuel:       last.ClosingFuel,
		OpeningPercentage: first.OpeningPercentage,
		ClosingPercentage: last.ClosingPercentage,
		FillAmount:        last.ClosingFuel - first.OpeningFuel,
		DetectionMethod:   method,
		DurationMin:       end.Sub(first.StartTime).Minutes(),
		FillCount:         len(run),
		IsCombined:        len(run) > 1,
		Members:           members,
	}
}

// Records 将合并结果还原为加油记录，便于再次合并或写出
func Records(fills []models.CombinedFill) []models.FillRecord {
	out := make([]models.FillRecord, 0, len(fills))
	for _, f := range fills {
		out = append(out, models.FillRecord{
			Vehicle:           f.Vehicle,
			StartTime:         f.StartTime,
			EndTime:           f.EndTime,
			OpeningFuel:       f.OpeningFuel,
			ClosingFuel:       f.ClosingFuel,
			OpeningPercentage: f.OpeningPercentage,
			ClosingPercentage: f.ClosingPercentage,
			FillAmount:        f.FillAmount,
			DetectionMethod:   f.DetectionMethod,
		})
	}
	return out
}
