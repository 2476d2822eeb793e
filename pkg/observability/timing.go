package observability

import (
	"log/slog"
	"time"
)

// Timer measures one named operation. Attach a logger or metrics sink
// before calling Stop; a bare timer just returns the duration.
type Timer struct {
	operation string
	start     time.Time
	logger    *slog.Logger
	metrics   Metrics
	tags      []Tag
}

// StartTimer starts timing the named operation.
func StartTimer(operation string) *Timer {
	return &Timer{operation: operation, start: time.Now()}
}

// WithLogger makes Stop log the outcome.
func (t *Timer) WithLogger(logger *slog.Logger) *Timer {
	t.logger = logger
	return t
}

// WithMetrics makes Stop record the duration and a count.
func (t *Timer) WithMetrics(metrics Metrics) *Timer {
	t.metrics = metrics
	return t
}

// WithTags adds labels to the recorded metrics.
func (t *Timer) WithTags(tags ...Tag) *Timer {
	t.tags = append(t.tags, tags...)
	return t
}

// Stop records the duration and returns it.
func (t *Timer) Stop() time.Duration {
	return t.record(nil)
}

// StopWithError records the duration and, when err is non-nil, an error
// counter alongside it.
func (t *Timer) StopWithError(err error) time.Duration {
	return t.record(err)
}

func (t *Timer) record(err error) time.Duration {
	duration := time.Since(t.start)

	if t.logger != nil {
		if err != nil {
			t.logger.Error("operation failed",
				"operation", t.operation,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			t.logger.Info("operation completed",
				"operation", t.operation,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}

	if t.metrics != nil {
		tags := append(t.tags, T("operation", t.operation))
		t.metrics.Timing(MetricOperationDuration, duration, tags...)
		t.metrics.Counter(MetricOperationTotal, 1, tags...)
		if err != nil {
			t.metrics.Counter(MetricOperationErrors, 1, tags...)
		}
	}

	return duration
}
