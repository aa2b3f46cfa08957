package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "state.db")
	}
	s, err := Open(context.Background(), Config{
		Path:      path,
		PoolSize:  2,
		Retention: 48 * time.Hour,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func reading(vehicle string, fuel float64, at time.Time) *models.TelemetryReading {
	return &models.TelemetryReading{
		Vehicle:      vehicle,
		FuelVolume:   f(fuel),
		SourceTime:   at,
		ReceivedTime: at,
	}
}

func putAll(t *testing.T, s *Store, readings ...*models.TelemetryReading) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *Tx) error {
		for _, r := range readings {
			if _, err := tx.PutReading(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("PutReading: %v", err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNearestBeforeAndAfter(t *testing.T) {
	s := openTestStore(t, "")
	putAll(t, s,
		reading("GEN-1", 100, base),
		reading("GEN-1", 95, base.Add(10*time.Minute)),
		reading("GEN-1", 90, base.Add(20*time.Minute)),
		reading("GEN-2", 10, base.Add(5*time.Minute)),
	)

	ctx := context.Background()
	err := s.View(ctx, func(tx *Tx) error {
		before, err := tx.NearestBefore("GEN-1", base.Add(15*time.Minute))
		if err != nil {
			return err
		}
		if before == nil || before.Fuel() != 95 {
			t.Errorf("NearestBefore = %+v, want fuel 95", before)
		}

		exact, err := tx.NearestBefore("GEN-1", base.Add(20*time.Minute))
		if err != nil {
			return err
		}
		if exact == nil || exact.Fuel() != 90 {
			t.Errorf("NearestBefore at exact time = %+v, want fuel 90", exact)
		}

		after, err := tx.NearestAfter("GEN-1", base.Add(15*time.Minute))
		if err != nil {
			return err
		}
		if after == nil || after.Fuel() != 90 {
			t.Errorf("NearestAfter = %+v, want fuel 90", after)
		}

		none, err := tx.NearestAfter("GEN-1", base.Add(time.Hour))
		if err != nil {
			return err
		}
		if none != nil {
			t.Errorf("NearestAfter past history = %+v, want nil", none)
		}

		empty, err := tx.NearestBefore("GEN-3", base)
		if err != nil {
			return err
		}
		if empty != nil {
			t.Errorf("NearestBefore unknown vehicle = %+v, want nil", empty)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestPutReadingSkipsReadingsWithoutFuel(t *testing.T) {
	s := openTestStore(t, "")
	var id int64
	err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		id, err = tx.PutReading(&models.TelemetryReading{Vehicle: "GEN-1", StatusText: "Engine On", SourceTime: base})
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0", id)
	}
	var latest *models.TelemetryReading
	err = s.View(context.Background(), func(tx *Tx) error {
		var err error
		latest, err = tx.LatestReading("GEN-1")
		return err
	})
	if err != nil {
		t.Fatalf("LatestReading: %v", err)
	}
	if latest != nil {
		t.Errorf("LatestReading = %+v, want nil", latest)
	}
}

func TestPutReadingPrunesOldHistory(t *testing.T) {
	s := openTestStore(t, "")
	putAll(t, s,
		reading("GEN-1", 100, base),
		reading("GEN-1", 90, base.Add(49*time.Hour)),
	)
	readings, err := s.History(context.Background(), "GEN-1", base.Add(-time.Hour), base.Add(50*time.Hour))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(readings) != 1 || readings[0].Fuel() != 90 {
		t.Fatalf("History = %+v, want only the recent reading", readings)
	}
}

func TestMinInRangePrefersLatestOnTie(t *testing.T) {
	s := openTestStore(t, "")
	putAll(t, s,
		reading("GEN-1", 300, base),
		reading("GEN-1", 280, base.Add(5*time.Minute)),
		reading("GEN-1", 290, base.Add(10*time.Minute)),
		reading("GEN-1", 280, base.Add(15*time.Minute)),
		reading("GEN-1", 250, base.Add(2*time.Hour)),
	)
	err := s.View(context.Background(), func(tx *Tx) error {
		low, err := tx.MinInRange("GEN-1", base, base.Add(30*time.Minute))
		if err != nil {
			return err
		}
		if low == nil || low.Fuel() != 280 || !low.SourceTime.Equal(base.Add(15*time.Minute)) {
			t.Errorf("MinInRange = %+v, want 280 at +15m", low)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestUpdateFillWatcherHighIsStrict(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	w := &models.FillWatcher{
		Vehicle:            "GEN-1",
		StartTime:          base,
		OpeningFuel:        100,
		OpeningReadingTime: base,
		HighestFuel:        150,
		HighestReadingTime: base,
		LastIncreasedAt:    base,
		TimeoutAt:          base.Add(10 * time.Minute),
		DetectionMethod:    models.DetectionStatus,
	}

	steps := []struct {
		fuel float64
		want bool
	}{
		{150, false},
		{140, false},
		{160, true},
		{160, false},
	}

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.SetFillWatcher(w); err != nil {
			return err
		}
		for i, step := range steps {
			at := base.Add(time.Duration(i+1) * time.Minute)
			changed, err := tx.UpdateFillWatcherHigh("GEN-1", step.fuel, nil, at, at)
			if err != nil {
				return err
			}
			if changed != step.want {
				t.Errorf("step %d fuel %v: changed = %v, want %v", i, step.fuel, changed, step.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.FillWatcher(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("FillWatcher: %v", err)
	}
	if got.HighestFuel != 160 || !got.LastIncreasedAt.Equal(base.Add(3*time.Minute)) {
		t.Errorf("watcher = %+v, want high 160 at +3m", got)
	}
}

func TestDueFillWatchers(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	quiet := 2 * time.Minute
	now := base.Add(time.Hour)

	watchers := []*models.FillWatcher{
		{Vehicle: "STABLE", LastIncreasedAt: now.Add(-3 * time.Minute), TimeoutAt: now.Add(time.Hour)},
		{Vehicle: "RISING", LastIncreasedAt: now.Add(-30 * time.Second), TimeoutAt: now.Add(time.Hour)},
		{Vehicle: "EXPIRED", LastIncreasedAt: now.Add(-30 * time.Second), TimeoutAt: now.Add(-time.Second)},
		{Vehicle: "BOTH", LastIncreasedAt: now.Add(-time.Hour), TimeoutAt: now.Add(-time.Minute)},
	}
	err := s.Update(ctx, func(tx *Tx) error {
		for _, w := range watchers {
			w.StartTime = base
			w.OpeningReadingTime = base
			w.HighestReadingTime = base
			w.DetectionMethod = models.DetectionLevelIncrease
			if err := tx.SetFillWatcher(w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	due, err := s.DueFillWatchers(ctx, now, quiet)
	if err != nil {
		t.Fatalf("DueFillWatchers: %v", err)
	}
	got := map[string]int{}
	for _, w := range due {
		got[w.Vehicle]++
	}
	for _, v := range []string{"STABLE", "EXPIRED", "BOTH"} {
		if got[v] != 1 {
			t.Errorf("%s listed %d times, want 1", v, got[v])
		}
	}
	if got["RISING"] != 0 {
		t.Errorf("RISING should not be due")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	first, err := Open(ctx, Config{Path: path, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	requested := base.Add(time.Hour)
	err = first.Update(ctx, func(tx *Tx) error {
		if err := tx.SetPreFillWatcher(&models.PreFillWatcher{
			Vehicle: "GEN-1", LowestFuel: 42, LowestPercentage: f(12.5),
			LowestReadingTime: base, LastUpdate: base,
		}); err != nil {
			return err
		}
		if err := tx.SetFillWatcher(&models.FillWatcher{
			Vehicle: "GEN-1", StartTime: base, OpeningFuel: 42, OpeningReadingTime: base,
			HighestFuel: 80, HighestReadingTime: base.Add(time.Minute),
			LastIncreasedAt: base.Add(time.Minute), TimeoutAt: base.Add(10 * time.Minute),
			DetectionMethod: models.DetectionStatus,
		}); err != nil {
			return err
		}
		return tx.SaveOpenSession(&models.OperatingSession{
			Vehicle: "GEN-1", StartTime: base, OpeningFuel: 42, OpeningResolved: true,
			Status: models.SessionOngoing, ClosingRequested: &requested,
		}, base)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openTestStore(t, path)
	pre, err := second.PreFillWatcher(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("PreFillWatcher: %v", err)
	}
	if pre == nil || pre.LowestFuel != 42 || pre.LowestPercentage == nil || *pre.LowestPercentage != 12.5 {
		t.Errorf("prefill watcher = %+v", pre)
	}
	fill, err := second.FillWatcher(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("FillWatcher: %v", err)
	}
	if fill == nil || fill.HighestFuel != 80 || !fill.TimeoutAt.Equal(base.Add(10*time.Minute)) {
		t.Errorf("fill watcher = %+v", fill)
	}
	session, err := second.OpenSession(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if session == nil || !session.OpeningResolved || session.ClosingRequested == nil {
		t.Errorf("session = %+v", session)
	}
	closing, err := second.ClosingVehicles(ctx, requested.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClosingVehicles: %v", err)
	}
	if len(closing) != 1 || closing[0] != "GEN-1" {
		t.Errorf("ClosingVehicles = %v", closing)
	}
}

func TestAdvanceCursorDetectsOutOfOrder(t *testing.T) {
	s := openTestStore(t, "")
	err := s.Update(context.Background(), func(tx *Tx) error {
		for _, step := range []struct {
			at   time.Time
			want bool
		}{
			{base, true},
			{base.Add(time.Minute), true},
			{base.Add(time.Minute), true},
			{base.Add(30 * time.Second), false},
			{base.Add(2 * time.Minute), true},
		} {
			ok, err := tx.AdvanceCursor("GEN-1", step.at)
			if err != nil {
				return err
			}
			if ok != step.want {
				t.Errorf("AdvanceCursor(%v) = %v, want %v", step.at, ok, step.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestOutboxOrderingAndRetry(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Enqueue("GEN-1", OutboxSession, []byte(`{"n":1}`), base); err != nil {
			return err
		}
		if _, err := tx.Enqueue("GEN-1", OutboxFill, []byte(`{"n":2}`), base); err != nil {
			return err
		}
		_, err := tx.Enqueue("GEN-2", OutboxFill, []byte(`{"n":3}`), base)
		return err
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entries, err := s.PendingOutbox(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != OutboxSession || entries[1].Kind != OutboxFill {
		t.Fatalf("entries = %+v", entries)
	}

	if err := s.MarkOutboxFailed(ctx, entries[0].ID, context.DeadlineExceeded, base.Add(time.Minute)); err != nil {
		t.Fatalf("MarkOutboxFailed: %v", err)
	}
	due, err := s.DueOutboxVehicles(ctx, base.Add(time.Second))
	if err != nil {
		t.Fatalf("DueOutboxVehicles: %v", err)
	}
	if len(due) != 1 || due[0] != "GEN-2" {
		t.Errorf("due = %v, want [GEN-2]", due)
	}

	due, err = s.DueOutboxVehicles(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DueOutboxVehicles: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("due = %v, want both vehicles", due)
	}

	if err := s.DeleteOutbox(ctx, entries[0].ID); err != nil {
		t.Fatalf("DeleteOutbox: %v", err)
	}
	n, err := s.OutboxCount(ctx)
	if err != nil {
		t.Fatalf("OutboxCount: %v", err)
	}
	if n != 2 {
		t.Errorf("OutboxCount = %d, want 2", n)
	}
}

func TestClosingVehiclesUsesReceivedTime(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	// 读数时间比本地处理时间早 10 分钟
	requested := base
	received := base.Add(10 * time.Minute)
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.SaveOpenSession(&models.OperatingSession{
			Vehicle: "GEN-1", StartTime: base.Add(-time.Hour), OpeningFuel: 100, OpeningResolved: true,
			Status: models.SessionOngoing, ClosingRequested: &requested, ClosingReceivedAt: &received,
		}, received)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	closing, err := s.ClosingVehicles(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ClosingVehicles: %v", err)
	}
	if len(closing) != 0 {
		t.Errorf("ClosingVehicles before received = %v, want none", closing)
	}

	closing, err = s.ClosingVehicles(ctx, received)
	if err != nil {
		t.Fatalf("ClosingVehicles: %v", err)
	}
	if len(closing) != 1 || closing[0] != "GEN-1" {
		t.Errorf("ClosingVehicles = %v", closing)
	}

	session, err := s.OpenSession(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if session == nil || !session.ClosingRequested.Equal(requested) || !session.ClosingReceivedAt.Equal(received) {
		t.Errorf("session = %+v", session)
	}
}
