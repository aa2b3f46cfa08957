package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/clock"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/config"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

const noFuel = -1.0

type fakeLedger struct {
	mu       sync.Mutex
	sessions []models.OperatingSession
	fills    []models.FillRecord
	ongoing  map[string]*models.OperatingSession
	writeErr error
	findErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{ongoing: make(map[string]*models.OperatingSession)}
}

func (f *fakeLedger) WriteSession(ctx context.Context, s *models.OperatingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.sessions = append(f.sessions, *s)
	return nil
}

func (f *fakeLedger) WriteFillRecord(ctx context.Context, rec *models.FillRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.fills = append(f.fills, *rec)
	return nil
}

func (f *fakeLedger) FindOngoingSession(ctx context.Context, vehicle string) (*models.OperatingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if s, ok := f.ongoing[vehicle]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeLedger) setFindErr(err error) {
	f.mu.Lock()
	f.findErr = err
	f.mu.Unlock()
}

func (f *fakeLedger) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeLedger) completed() []models.OperatingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OperatingSession
	for _, s := range f.sessions {
		if s.Status == models.SessionCompleted {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeLedger) ongoingWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.Status == models.SessionOngoing {
			n++
		}
	}
	return n
}

func (f *fakeLedger) fillRecords() []models.FillRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.FillRecord, len(f.fills))
	copy(out, f.fills)
	return out
}

type fakeSnapshot struct {
	fuel float64
}

func (f fakeSnapshot) Latest(ctx context.Context, vehicle string) (*models.TelemetryReading, error) {
	fuel := f.fuel
	return &models.TelemetryReading{Vehicle: vehicle, FuelVolume: &fuel}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) BroadcastMessage(msgType string, data interface{}) {
	r.mu.Lock()
	r.events = append(r.events, msgType)
	r.mu.Unlock()
}

func (r *recorder) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == msgType {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	svc    *FuelService
	st     *store.Store
	clk    *clock.FakeClock
	ledger *fakeLedger
	events *recorder
	lag    time.Duration // 本地时钟比读数时间晚多少
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LedgerWriteTimeout = time.Second
	cfg.OutboxRetryInitial = time.Second
	cfg.OutboxRetryMax = 10 * time.Second
	return cfg
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Path:      path,
		PoolSize:  2,
		Retention: 48 * time.Hour,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return st
}

// newHarness path 为空时使用临时库
func newHarness(t *testing.T, path string) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "state.db")
	}
	st := openStore(t, path)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		t:      t,
		st:     st,
		clk:    clock.Fake(base),
		ledger: newFakeLedger(),
		events: &recorder{},
	}
	h.svc = NewFuelService(testConfig(), zaptest.NewLogger(t), st, h.ledger, nil, nil, h.events, h.clk)
	return h
}

// send 在 base+offset 处理一条读数，fuel 为 noFuel 时不带油量
func (h *harness) send(offset time.Duration, fuel float64, status string) {
	h.t.Helper()
	at := base.Add(offset)
	h.clk.Set(at.Add(h.lag))
	r := &models.TelemetryReading{
		Vehicle:      "GEN-1",
		StatusText:   status,
		SourceTime:   at,
		ReceivedTime: at,
	}
	if fuel != noFuel {
		v := fuel
		r.FuelVolume = &v
	}
	if err := h.svc.Process(context.Background(), r); err != nil {
		h.t.Fatalf("Process at %v: %v", offset, err)
	}
}

// sweep 在 base+offset (加上 lag) 执行一轮收尾
func (h *harness) sweep(offset time.Duration) {
	h.t.Helper()
	h.clk.Set(base.Add(offset).Add(h.lag))
	if err := h.svc.Sweep(context.Background()); err != nil {
		h.t.Fatalf("Sweep at %v: %v", offset, err)
	}
}

func (h *harness) view() *VehicleView {
	h.t.Helper()
	v, err := h.svc.Inspect(context.Background(), "GEN-1")
	if err != nil {
		h.t.Fatalf("Inspect: %v", err)
	}
	return v
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
