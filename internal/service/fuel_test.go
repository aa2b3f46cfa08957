package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/clock"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/state"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

const minute = time.Minute

func TestSessionResolvesOpeningBeforeAndClosingAfter(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "")
	h.send(5*minute, noFuel, "Engine On")
	h.send(10*minute, 95, "")
	h.send(20*minute, 90, "")
	h.send(25*minute, noFuel, "Engine Off")

	if v := h.view(); v.Session == nil || v.Session.ClosingRequested == nil {
		t.Fatalf("session should be waiting for a closing reading: %+v", v.Session)
	}

	h.send(27*minute, 88, "")

	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed sessions = %d, want 1", len(completed))
	}
	s := completed[0]
	if s.OpeningFuel != 100 {
		t.Errorf("OpeningFuel = %v, want 100 (nearest before)", s.OpeningFuel)
	}
	if s.ClosingFuel == nil || *s.ClosingFuel != 88 {
		t.Errorf("ClosingFuel = %v, want 88 (nearest after)", s.ClosingFuel)
	}
	if !s.StartTime.Equal(base.Add(5*minute)) || s.EndTime == nil || !s.EndTime.Equal(base.Add(25*minute)) {
		t.Errorf("times = %v..%v", s.StartTime, s.EndTime)
	}
	if !near(s.OperatingHours, 20.0/60.0) {
		t.Errorf("OperatingHours = %v", s.OperatingHours)
	}
	if !near(s.FuelUsed, 12) || !near(s.Cost, 12*testConfig().UnitFuelCost) {
		t.Errorf("FuelUsed = %v, Cost = %v", s.FuelUsed, s.Cost)
	}
	if h.view().Session != nil {
		t.Error("local open session should be removed after completion")
	}
	if h.events.count(EventSessionCompleted) != 1 {
		t.Errorf("session_completed events = %d", h.events.count(EventSessionCompleted))
	}
}

func TestEngineEdgesAreIdempotent(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "Engine On")
	h.send(1*minute, 99, "Engine On")
	if got := h.ledger.ongoingWrites(); got != 1 {
		t.Errorf("ongoing session writes = %d, want 1", got)
	}
	if v := h.view(); v.Session == nil || !v.Session.StartTime.Equal(base) {
		t.Errorf("session = %+v, want the first one", v.Session)
	}

	h.send(2*minute, 98, "Engine Off")
	h.send(3*minute, 97, "Engine Off")
	h.send(4*minute, 97, "idle")

	if got := len(h.ledger.completed()); got != 1 {
		t.Errorf("completed sessions = %d, want 1", got)
	}
	if machine, ok := h.svc.stateManager.Get("GEN-1"); !ok || machine.CurrentState() != state.StateIdle {
		t.Error("state machine should be idle")
	}
}

func TestSecondSessionOpensAfterCompletion(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "Engine On")
	h.send(10*minute, 90, "Engine Off")
	h.send(20*minute, 90, "Engine On")
	h.send(30*minute, 85, "Engine Off")

	completed := h.ledger.completed()
	if len(completed) != 2 {
		t.Fatalf("completed sessions = %d, want 2", len(completed))
	}
	if !near(completed[1].FuelUsed, 5) {
		t.Errorf("second FuelUsed = %v", completed[1].FuelUsed)
	}
}

func TestPassiveDetectionOpensFromLowest(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 300, "")
	h.send(2*minute, 280, "")
	if v := h.view(); v.PreFill == nil || v.PreFill.LowestFuel != 280 {
		t.Fatalf("prefill = %+v, want lowest 280", v.PreFill)
	}

	h.send(5*minute, 320, "")

	v := h.view()
	if v.FillWatcher == nil {
		t.Fatal("expected a fill watcher")
	}
	if v.FillWatcher.OpeningFuel != 280 || v.FillWatcher.HighestFuel != 320 {
		t.Errorf("watcher = %+v", v.FillWatcher)
	}
	if v.FillWatcher.DetectionMethod != models.DetectionLevelIncrease {
		t.Errorf("method = %s", v.FillWatcher.DetectionMethod)
	}
	if v.PreFill != nil {
		t.Error("prefill watcher should be consumed")
	}
}

func TestPassiveDetectionIgnoresRiseOutsideWindow(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 280, "")
	h.send(40*minute, 320, "")

	v := h.view()
	if v.FillWatcher != nil {
		t.Fatalf("rise outside window should not open a watcher: %+v", v.FillWatcher)
	}
	if v.PreFill == nil || v.PreFill.LowestFuel != 320 {
		t.Errorf("prefill = %+v, want re-seeded from the window minimum", v.PreFill)
	}
}

func TestPassiveDetectionByPercentage(t *testing.T) {
	h := newHarness(t, "")
	send := func(offset time.Duration, fuel, pct float64) {
		at := base.Add(offset)
		h.clk.Set(at)
		err := h.svc.Process(context.Background(), &models.TelemetryReading{
			Vehicle: "GEN-1", FuelVolume: &fuel, FuelPercentage: &pct, SourceTime: at,
		})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	send(0, 100, 40)
	send(time.Minute, 112, 46) // 12 升低于升数阈值，6 个百分点达到百分比阈值

	if v := h.view(); v.FillWatcher == nil || v.FillWatcher.OpeningFuel != 100 {
		t.Fatalf("watcher = %+v", v.FillWatcher)
	}
}

func TestStabilizedFillFinalizesAtHigh(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 280, "")
	h.send(5*minute, 320, "")
	h.send(6*minute, 340, "")
	h.send(7*minute, 350, "")
	h.send(8*minute, 350, "")

	h.sweep(8*minute + 30*time.Second)
	if h.view().FillWatcher == nil {
		t.Fatal("watcher finalized before the quiet period")
	}

	h.sweep(9 * minute)
	fills := h.ledger.fillRecords()
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.OpeningFuel != 280 || f.ClosingFuel != 350 || f.FillAmount != 70 {
		t.Errorf("fill = %+v", f)
	}
	if !f.EndTime.Equal(base.Add(7 * minute)) {
		t.Errorf("EndTime = %v, want time of the high", f.EndTime)
	}
	if f.DetectionMethod != models.DetectionLevelIncrease {
		t.Errorf("method = %s", f.DetectionMethod)
	}

	h.send(10*minute, 349, "")
	h.sweep(20 * minute)
	if got := len(h.ledger.fillRecords()); got != 1 {
		t.Errorf("fills after later readings = %d, want 1", got)
	}
	if v := h.view(); v.FillWatcher != nil || v.PreFill == nil || v.PreFill.LowestFuel != 349 {
		t.Errorf("view = %+v", v)
	}
}

func TestFillTimesOutDuringSlowCreep(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "")
	h.send(1*minute, 101, "Fuel Fill")
	for i := 2; i <= 11; i++ {
		h.send(time.Duration(i)*minute, float64(100+i), "")
		h.sweep(time.Duration(i) * minute)
	}

	fills := h.ledger.fillRecords()
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.OpeningFuel != 100 || f.ClosingFuel != 111 || f.DetectionMethod != models.DetectionStatus {
		t.Errorf("fill = %+v", f)
	}
	if h.view().FillWatcher != nil {
		t.Error("watcher should be deleted")
	}
}

func TestStatusFillWithoutFuelUsesPreFillLow(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 150, "")
	h.send(1*minute, 140, "")
	h.send(2*minute, noFuel, "Possible Fuel Fill")

	v := h.view()
	if v.FillWatcher == nil || v.FillWatcher.OpeningFuel != 140 || v.FillWatcher.DetectionMethod != models.DetectionStatus {
		t.Fatalf("watcher = %+v", v.FillWatcher)
	}

	// 进行中的跟踪器不会被第二次加油状态重复开启
	h.send(3*minute, 200, "fuel fill")
	h.send(4*minute, 190, "")
	v = h.view()
	if v.FillWatcher.OpeningFuel != 140 || v.FillWatcher.HighestFuel != 200 {
		t.Errorf("watcher = %+v", v.FillWatcher)
	}
}

func TestFillDuringSessionIsNetOutOfUsage(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 200, "Engine On")
	h.send(10*minute, 180, "")
	h.send(12*minute, 185, "Possible fuel fill")
	h.send(13*minute, 230, "")
	h.send(14*minute, 260, "")
	h.sweep(16 * minute)

	v := h.view()
	if v.Session == nil || v.Session.FillEvents != 1 || v.Session.FillAmount != 80 {
		t.Fatalf("session = %+v, want one 80L fill folded in", v.Session)
	}

	h.send(30*minute, 240, "Engine Off")

	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d", len(completed))
	}
	s := completed[0]
	if !near(s.FuelUsed, 40) {
		t.Errorf("FuelUsed = %v, want 200 - 240 + 80 = 40", s.FuelUsed)
	}
	if s.FillEvents != 1 || s.FillAmount != 80 {
		t.Errorf("fill totals = %d / %v", s.FillEvents, s.FillAmount)
	}
}

func TestEngineOffFlushesActiveFill(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "Engine On")
	h.send(5*minute, 150, "")
	if h.view().FillWatcher == nil {
		t.Fatal("expected passive watcher")
	}
	h.send(6*minute, 170, "Engine Off")

	fills := h.ledger.fillRecords()
	if len(fills) != 1 || fills[0].FillAmount != 70 {
		t.Fatalf("fills = %+v", fills)
	}
	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d", len(completed))
	}
	if completed[0].FuelUsed != 0 || completed[0].FillEvents != 1 {
		t.Errorf("session = %+v", completed[0])
	}
}

func TestSpuriousSpikeIsCancelled(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 300, "")
	h.send(1*minute, 330, "")
	if h.view().FillWatcher == nil {
		t.Fatal("expected passive watcher")
	}
	h.send(2*minute, 301, "")
	h.sweep(3 * minute)

	if got := len(h.ledger.fillRecords()); got != 0 {
		t.Errorf("fills = %d, want 0", got)
	}
	v := h.view()
	if v.FillWatcher != nil {
		t.Error("watcher should be discarded")
	}
	if v.PreFill == nil || v.PreFill.LowestFuel != 300 {
		t.Errorf("prefill = %+v, want re-seeded at 300", v.PreFill)
	}
	if h.events.count(EventFillCancelled) != 1 {
		t.Errorf("fill_cancelled events = %d", h.events.count(EventFillCancelled))
	}
}

func TestOnlyOneFillWatcherPerVehicle(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "")
	h.send(1*minute, 130, "")
	first := h.view().FillWatcher
	h.send(2*minute, 170, "Fuel Fill")
	h.send(3*minute, 200, "")

	w := h.view().FillWatcher
	if w == nil || !w.StartTime.Equal(first.StartTime) || w.OpeningFuel != 100 || w.HighestFuel != 200 {
		t.Errorf("watcher = %+v, want the first watcher raised to 200", w)
	}
}

func TestWatchersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	clk := clock.Fake(base)
	ledger := newFakeLedger()

	first := openStore(t, path)
	svc := NewFuelService(testConfig(), zaptest.NewLogger(t), first, ledger, nil, nil, nil, clk)
	for _, step := range []struct {
		offset time.Duration
		fuel   float64
		status string
	}{
		{0, 100, "Engine On"},
		{time.Minute, 120, "Fuel Fill"},
		{2 * time.Minute, 140, ""},
	} {
		at := base.Add(step.offset)
		clk.Set(at)
		fuel := step.fuel
		if err := svc.Process(ctx, &models.TelemetryReading{
			Vehicle: "GEN-1", FuelVolume: &fuel, StatusText: step.status, SourceTime: at,
		}); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openStore(t, path)
	t.Cleanup(func() { second.Close() })
	clk.Set(base.Add(5 * time.Minute))
	restarted := NewFuelService(testConfig(), zaptest.NewLogger(t), second, ledger, nil, nil, nil, clk)
	if err := restarted.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	fills := ledger.fillRecords()
	if len(fills) != 1 || fills[0].OpeningFuel != 100 || fills[0].ClosingFuel != 140 {
		t.Fatalf("fills = %+v", fills)
	}
	view, err := restarted.Inspect(ctx, "GEN-1")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if view.Session == nil || view.Session.FillAmount != 40 {
		t.Errorf("session after restart = %+v", view.Session)
	}
}

func TestLedgerFailureKeepsRecordsQueued(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	h.ledger.setWriteErr(errors.New("ledger down"))

	h.send(0, 100, "Engine On")
	h.send(10*minute, 90, "Engine Off")

	if got := len(h.ledger.completed()); got != 0 {
		t.Fatalf("completed = %d while ledger is down", got)
	}
	n, err := h.st.OutboxCount(ctx)
	if err != nil {
		t.Fatalf("OutboxCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("outbox = %d, want 2 queued writes", n)
	}

	h.ledger.setWriteErr(nil)
	h.sweep(11 * minute)

	completed := h.ledger.completed()
	if len(completed) != 1 || !near(completed[0].FuelUsed, 10) {
		t.Fatalf("completed = %+v", completed)
	}
	if h.ledger.ongoingWrites() != 1 {
		t.Errorf("ongoing writes = %d", h.ledger.ongoingWrites())
	}
	if n, _ := h.st.OutboxCount(ctx); n != 0 {
		t.Errorf("outbox = %d after recovery", n)
	}
}

func TestOutOfOrderReadingIsNotEvaluated(t *testing.T) {
	h := newHarness(t, "")

	h.send(10*minute, 100, "")
	h.send(5*minute, 500, "Engine On")

	v := h.view()
	if v.Session != nil {
		t.Errorf("out-of-order edge opened a session: %+v", v.Session)
	}
	if v.FillWatcher != nil {
		t.Errorf("out-of-order reading opened a watcher: %+v", v.FillWatcher)
	}
	history, err := h.svc.History(context.Background(), "GEN-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d, want both readings recorded", len(history))
	}
}

func TestRecoversOngoingSessionFromLedger(t *testing.T) {
	h := newHarness(t, "")
	h.ledger.ongoing["GEN-1"] = &models.OperatingSession{
		Vehicle:     "GEN-1",
		StartTime:   base.Add(-time.Hour),
		OpeningFuel: 300,
		Status:      models.SessionOngoing,
	}

	h.send(0, 280, "")
	h.send(1*minute, 280, "Engine On")
	h.send(10*minute, 270, "Engine Off")

	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d", len(completed))
	}
	if !completed[0].StartTime.Equal(base.Add(-time.Hour)) || !near(completed[0].FuelUsed, 30) {
		t.Errorf("session = %+v", completed[0])
	}
}

func TestRecoveryRetriesAfterLedgerLookupFailure(t *testing.T) {
	h := newHarness(t, "")
	h.ledger.ongoing["GEN-1"] = &models.OperatingSession{
		Vehicle:     "GEN-1",
		StartTime:   base.Add(-time.Hour),
		OpeningFuel: 300,
		Status:      models.SessionOngoing,
	}
	h.ledger.setFindErr(errors.New("ledger timeout"))

	h.send(0, 280, "")
	if v := h.view(); v.Session != nil {
		t.Fatalf("session adopted despite failed lookup: %+v", v.Session)
	}

	h.ledger.setFindErr(nil)
	h.send(1*minute, 280, "Engine On")
	h.send(10*minute, 270, "Engine Off")

	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d", len(completed))
	}
	if !completed[0].StartTime.Equal(base.Add(-time.Hour)) || !near(completed[0].FuelUsed, 30) {
		t.Errorf("session = %+v, want the recovered one", completed[0])
	}
}

func TestStateChangeIsPublishedOnlyAfterCommit(t *testing.T) {
	h := newHarness(t, "")
	h.send(0, 100, "")

	fuel := 100.0
	on := &models.TelemetryReading{
		Vehicle: "GEN-1", FuelVolume: &fuel, StatusText: "Engine On",
		SourceTime: base.Add(minute), ReceivedTime: base.Add(minute),
	}
	errRollback := errors.New("rollback")
	_, err := h.svc.transact(context.Background(), "GEN-1", func(tx *store.Tx, out *outcome) error {
		if _, _, err := h.svc.sessions.Open(tx, on, nil, h.clk.Now()); err != nil {
			return err
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		t.Fatalf("transact err = %v", err)
	}
	if n := h.events.count(EventStateUpdate); n != 0 {
		t.Errorf("state_update events after rollback = %d, want 0", n)
	}
	if live, _ := h.svc.GetLive("GEN-1"); live.SessionState != state.StateIdle {
		t.Errorf("SessionState after rollback = %q", live.SessionState)
	}
	if v := h.view(); v.Session != nil {
		t.Fatalf("session persisted after rollback: %+v", v.Session)
	}

	h.send(2*minute, 100, "Engine On")
	if n := h.events.count(EventStateUpdate); n != 1 {
		t.Errorf("state_update events = %d, want 1", n)
	}
	if live, _ := h.svc.GetLive("GEN-1"); live.SessionState != state.StateOngoing {
		t.Errorf("SessionState = %q", live.SessionState)
	}
	if h.ledger.ongoingWrites() != 1 {
		t.Errorf("ongoing writes = %d", h.ledger.ongoingWrites())
	}
}

func TestStaleClosingFallsBackToLastReading(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 100, "Engine On")
	h.send(5*minute, 90, "")
	h.send(6*minute, noFuel, "Engine Off")

	h.sweep(8 * minute)
	if len(h.ledger.completed()) != 0 {
		t.Fatal("session closed before the grace period")
	}

	h.sweep(11 * minute)
	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d", len(completed))
	}
	if completed[0].ClosingFuel == nil || *completed[0].ClosingFuel != 90 || !near(completed[0].FuelUsed, 10) {
		t.Errorf("session = %+v", completed[0])
	}
}

func TestClosingWaitsForReadingUnderFeedLag(t *testing.T) {
	h := newHarness(t, "")
	h.lag = 10 * minute

	h.send(0, 100, "")
	h.send(5*minute, noFuel, "Engine On")
	h.send(10*minute, 95, "")
	h.send(20*minute, 90, "")
	h.send(25*minute, noFuel, "Engine Off")

	h.sweep(25*minute + 15*time.Second)
	if got := len(h.ledger.completed()); got != 0 {
		t.Fatalf("completed = %d before any reading after engine off", got)
	}

	h.send(27*minute, 88, "")
	completed := h.ledger.completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(completed))
	}
	if completed[0].ClosingFuel == nil || *completed[0].ClosingFuel != 88 {
		t.Errorf("ClosingFuel = %v, want 88 (nearest after)", completed[0].ClosingFuel)
	}
	if completed[0].EndTime == nil || !completed[0].EndTime.Equal(base.Add(25*minute)) {
		t.Errorf("EndTime = %v", completed[0].EndTime)
	}

	// 等待超时仍按本地处理时间计算
	grace := testConfig().CloseGrace
	h.send(30*minute, 88, "Engine On")
	h.send(40*minute, noFuel, "Engine Off")
	h.sweep(40*minute + grace - time.Second)
	if got := len(h.ledger.completed()); got != 1 {
		t.Fatalf("completed = %d, second session closed before the grace period", got)
	}
	h.sweep(40*minute + grace)
	completed = h.ledger.completed()
	if len(completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(completed))
	}
	if completed[1].ClosingFuel == nil || *completed[1].ClosingFuel != 88 {
		t.Errorf("stale ClosingFuel = %v, want 88", completed[1].ClosingFuel)
	}
}

func TestStatusOnlyOpeningIsDeferredWithoutHistory(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, noFuel, "Generator ON")
	if v := h.view(); v.Session == nil || v.Session.OpeningResolved {
		t.Fatalf("session = %+v, want unresolved opening", v.Session)
	}

	h.send(1*minute, 150, "")
	if v := h.view(); !v.Session.OpeningResolved || v.Session.OpeningFuel != 150 {
		t.Fatalf("session = %+v, want opening 150", v.Session)
	}

	h.send(3*minute, 140, "Generator OFF")
	completed := h.ledger.completed()
	if len(completed) != 1 || !near(completed[0].FuelUsed, 10) {
		t.Errorf("completed = %+v", completed)
	}
}

func TestStatusOnlyOpeningUsesSnapshotWithoutHistory(t *testing.T) {
	h := newHarness(t, "")
	h.svc.snapshots = fakeSnapshot{fuel: 175}

	h.send(0, noFuel, "PTO on")

	v := h.view()
	if v.Session == nil || !v.Session.OpeningResolved || v.Session.OpeningFuel != 175 {
		t.Fatalf("session = %+v, want opening from snapshot", v.Session)
	}
}

func TestProcessRejectsMissingVehicle(t *testing.T) {
	h := newHarness(t, "")
	if err := h.svc.Process(context.Background(), &models.TelemetryReading{StatusText: "Engine On"}); err == nil {
		t.Error("expected error for reading without vehicle")
	}
}

func TestLiveStateTracksLatestReading(t *testing.T) {
	h := newHarness(t, "")

	h.send(0, 120, "Engine On")
	h.send(time.Minute, noFuel, "running")

	live, ok := h.svc.GetLive("GEN-1")
	if !ok {
		t.Fatal("no live state")
	}
	if live.FuelVolume == nil || *live.FuelVolume != 120 {
		t.Errorf("FuelVolume = %v", live.FuelVolume)
	}
	if live.StatusText != "running" || live.SessionState != state.StateOngoing {
		t.Errorf("live = %+v", live)
	}
	if all := h.svc.AllLive(); len(all) != 1 {
		t.Errorf("AllLive = %d", len(all))
	}
}
