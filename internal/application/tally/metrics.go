package tally

import (
	"context"
	"time"
)

// MetricsRecorder receives tally instrumentation.
// telemetry.TallyMetrics implements it; NopMetrics discards everything.
type MetricsRecorder interface {
	RecordEventsIngested(ctx context.Context, accepted, rejected int)
	RecordCollection(ctx context.Context, serviceType string, hours int, recalculated bool, duration time.Duration)
	RecordSnapshotsWritten(ctx context.Context, granularity string, written, duplicatesRemoved int)
}

// NopMetrics is a MetricsRecorder that records nothing
type NopMetrics struct{}

func (NopMetrics) RecordEventsIngested(context.Context, int, int) {}

func (NopMetrics) RecordCollection(context.Context, string, int, bool, time.Duration) {}

func (NopMetrics) RecordSnapshotsWritten(context.Context, string, int, int) {}
