package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	ReadingsReceived   atomic.Int64
	ReadingsOutOfOrder atomic.Int64
	ReadingsFailed     atomic.Int64
	FillsOpened        atomic.Int64
	FillsFinalized     atomic.Int64
	FillsCancelled     atomic.Int64
	SessionsOpened     atomic.Int64
	SessionsCompleted  atomic.Int64
	LedgerWriteSuccess atomic.Int64
	LedgerWriteFailure atomic.Int64
	OutboxDiscarded    atomic.Int64
	SnapshotDrops      atomic.Int64
	OutboxBacklog      atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "fuel_readings_received_total %d\n", ReadingsReceived.Load())
	fmt.Fprintf(w, "fuel_readings_out_of_order_total %d\n", ReadingsOutOfOrder.Load())
	fmt.Fprintf(w, "fuel_readings_failed_total %d\n", ReadingsFailed.Load())
	fmt.Fprintf(w, "fuel_fills_opened_total %d\n", FillsOpened.Load())
	fmt.Fprintf(w, "fuel_fills_finalized_total %d\n", FillsFinalized.Load())
	fmt.Fprintf(w, "fuel_fills_cancelled_total %d\n", FillsCancelled.Load())
	fmt.Fprintf(w, "fuel_sessions_opened_total %d\n", SessionsOpened.Load())
	fmt.Fprintf(w, "fuel_sessions_completed_total %d\n", SessionsCompleted.Load())
	fmt.Fprintf(w, "fuel_ledger_write_success_total %d\n", LedgerWriteSuccess.Load())
	fmt.Fprintf(w, "fuel_ledger_write_failures_total %d\n", LedgerWriteFailure.Load())
	fmt.Fprintf(w, "fuel_outbox_discarded_total %d\n", OutboxDiscarded.Load())
	fmt.Fprintf(w, "fuel_snapshot_drops_total %d\n", SnapshotDrops.Load())
	fmt.Fprintf(w, "fuel_outbox_backlog %d\n", OutboxBacklog.Load())
}
