package ingest

import (
	"context"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

// pruneEvery is how often old telemetry is deleted.
const pruneEvery = 10 * time.Minute

// Store persists telemetry snapshots.
type Store interface {
	RecordTelemetry(ctx context.Context, s robot.Snapshot) error
	PruneTelemetry(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder samples a snapshot source on a fixed interval and writes it to
// the store. Rows older than Retention are pruned periodically.
type Recorder struct {
	Store     Store
	Snapshot  func() robot.Snapshot
	Interval  func() time.Duration
	Retention func() time.Duration
	Clock     timeutil.Clock
}

func (r *Recorder) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

// Run records until ctx is cancelled. The interval is re-read after every
// sample so configuration reloads take effect without a restart.
func (r *Recorder) Run(ctx context.Context) error {
	clock := r.clock()
	interval := r.Interval()
	t := clock.NewTicker(interval)
	defer func() { t.Stop() }()

	lastPrune := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C():
			r.Sample(ctx)

			if now.Sub(lastPrune) >= pruneEvery {
				lastPrune = now
				r.Prune(ctx, now)
			}

			if next := r.Interval(); next != interval {
				t.Stop()
				interval = next
				t = clock.NewTicker(interval)
			}
		}
	}
}

// Sample writes the current snapshot once.
func (r *Recorder) Sample(ctx context.Context) {
	if err := r.Store.RecordTelemetry(ctx, r.Snapshot()); err != nil {
		logf("failed to record telemetry: %v", err)
	}
}

// Prune deletes rows older than the retention window ending at now.
func (r *Recorder) Prune(ctx context.Context, now time.Time) {
	n, err := r.Store.PruneTelemetry(ctx, now.Add(-r.Retention()))
	if err != nil {
		logf("failed to prune telemetry: %v", err)
		return
	}
	if n > 0 {
		logf("pruned %d telemetry rows", n)
	}
}
