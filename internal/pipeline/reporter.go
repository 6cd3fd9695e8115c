//go:build cgo && randomx

package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// RateReporter periodically logs and publishes the realized hash rate,
// derived from the batch counter Stage-2 increments once per processed
// batch (not once per hash). Grounded on the teacher's hash-rate logger in
// coopmine/worker.go, which likewise swaps an atomic counter to zero on a
// fixed tick rather than maintaining a rolling window.
type RateReporter struct {
	state    *RPCInfo
	logger   *slog.Logger
	onReport func(hashesPerSec float64) // optional, wires into Prometheus
}

// NewRateReporter constructs a reporter. onReport may be nil.
func NewRateReporter(state *RPCInfo, logger *slog.Logger, onReport func(float64)) *RateReporter {
	return &RateReporter{state: state, logger: logger.With("component", "rate-reporter"), onReport: onReport}
}

// Run logs a rate every RateReportInterval until ctx is cancelled.
func (r *RateReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(RateReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batches := r.state.SwapHashesToZero()
			hashes := batches * Batch
			rate := float64(hashes) / RateReportInterval.Seconds()
			snap := r.state.Snapshot()
			r.logger.Info("hash rate", "hashes_per_sec", rate, "window_batches", batches,
				"height", snap.Height, "seq", snap.Seq,
				"candidates_total", snap.CandidatesTotal, "templates_total", snap.TemplatesTotal)
			if r.onReport != nil {
				r.onReport(rate)
			}
		}
	}
}
