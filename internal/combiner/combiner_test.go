package combiner

import (
	"testing"
	"time"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func fill(startMin, endMin int, opening, closing float64, method models.DetectionMethod) models.FillRecord {
	return models.FillRecord{
		Vehicle:         "GEN-1",
		StartTime:       base.Add(time.Duration(startMin) * time.Minute),
		EndTime:         base.Add(time.Duration(endMin) * time.Minute),
		OpeningFuel:     opening,
		ClosingFuel:     closing,
		FillAmount:      closing - opening,
		DetectionMethod: method,
	}
}

func TestCombineEmpty(t *testing.T) {
	if got := Combine(nil, time.Hour); got != nil {
		t.Errorf("Combine(nil) = %+v", got)
	}
}

func TestCombineSingleRecordUnchanged(t *testing.T) {
	rec := fill(0, 6, 120, 300, models.DetectionStatus)
	got := Combine([]models.FillRecord{rec}, 30*time.Minute)
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	c := got[0]
	if c.IsCombined || c.FillCount != 1 {
		t.Errorf("single record marked combined: %+v", c)
	}
	if c.OpeningFuel != rec.OpeningFuel || c.ClosingFuel != rec.ClosingFuel || c.FillAmount != rec.FillAmount {
		t.Errorf("combined = %+v, want numbers of %+v", c, rec)
	}
	if !c.StartTime.Equal(rec.StartTime) || !c.EndTime.Equal(rec.EndTime) {
		t.Errorf("times = %v..%v", c.StartTime, c.EndTime)
	}
	if c.DurationMin != 6 {
		t.Errorf("DurationMin = %v", c.DurationMin)
	}
}

func TestCombineMergesChainedRuns(t *testing.T) {
	records := []models.FillRecord{
		fill(0, 4, 100, 180, models.DetectionLevelIncrease),
		fill(20, 24, 178, 260, models.DetectionStatus),
		fill(45, 50, 259, 300, models.DetectionLevelIncrease), // 距上一条 25 分钟，链式合并
		fill(200, 205, 150, 250, models.DetectionLevelIncrease),
	}

	got := Combine(records, 30*time.Minute)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}

	first := got[0]
	if !first.IsCombined || first.FillCount != 3 {
		t.Errorf("first = %+v", first)
	}
	if first.OpeningFuel != 100 || first.ClosingFuel != 300 || first.FillAmount != 200 {
		t.Errorf("first numbers = %v/%v/%v", first.OpeningFuel, first.ClosingFuel, first.FillAmount)
	}
	if first.DetectionMethod != models.DetectionStatus {
		t.Errorf("method = %s", first.DetectionMethod)
	}
	if first.DurationMin != 50 {
		t.Errorf("DurationMin = %v", first.DurationMin)
	}

	second := got[1]
	if second.IsCombined || second.FillAmount != 100 {
		t.Errorf("second = %+v", second)
	}
}

func TestCombineSortsWithoutMutatingInput(t *testing.T) {
	records := []models.FillRecord{
		fill(10, 12, 150, 200, models.DetectionStatus),
		fill(0, 3, 100, 150, models.DetectionStatus),
	}
	got := Combine(records, 15*time.Minute)
	if len(got) != 1 || got[0].OpeningFuel != 100 || got[0].ClosingFuel != 200 {
		t.Fatalf("got %+v", got)
	}
	if records[0].OpeningFuel != 150 {
		t.Error("input slice was reordered")
	}
}

func TestCombineIsIdempotent(t *testing.T) {
	records := []models.FillRecord{
		fill(0, 4, 100, 180, models.DetectionLevelIncrease),
		fill(10, 14, 180, 220, models.DetectionLevelIncrease),
		fill(90, 95, 200, 260, models.DetectionStatus),
		fill(100, 101, 260, 270, models.DetectionStatus),
		fill(300, 306, 50, 330, models.DetectionLevelIncrease),
	}
	window := 20 * time.Minute

	once := Combine(records, window)
	twice := Combine(Records(once), window)
	if len(once) != len(twice) {
		t.Fatalf("len once = %d, twice = %d", len(once), len(twice))
	}
	for i := range once {
		a, b := once[i], twice[i]
		if !a.StartTime.Equal(b.StartTime) || !a.EndTime.Equal(b.EndTime) ||
			a.OpeningFuel != b.OpeningFuel || a.ClosingFuel != b.ClosingFuel ||
			a.FillAmount != b.FillAmount || a.DetectionMethod != b.DetectionMethod {
			t.Errorf("run %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestCombineSplitsVehicles(t *testing.T) {
	a := fill(0, 2, 10, 50, models.DetectionStatus)
	b := fill(1, 3, 20, 60, models.DetectionStatus)
	b.Vehicle = "GEN-2"
	if got := Combine([]models.FillRecord{a, b}, time.Hour); len(got) != 2 {
		t.Errorf("len = %d, want one run per vehicle", len(got))
	}
}
