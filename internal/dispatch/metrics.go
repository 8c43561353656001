package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/telemetry"
)

type metrics struct {
	handled     metric.Int64Counter
	duration    metric.Float64Histogram
	deadLetters metric.Int64Counter
}

// RegisterMetrics installs the dispatcher's OTEL instruments: per-queue
// depth gauges plus counters for handled and dead-lettered items. Safe to
// skip entirely; a nil metrics receiver records nothing.
func (d *Dispatcher) RegisterMetrics() {
	meter := telemetry.Meter("loom/dispatch")

	m := &metrics{}
	m.handled, _ = meter.Int64Counter("loom.dispatch.handled_total",
		metric.WithDescription("Work items handled, by queue, work type and outcome"))
	m.duration, _ = meter.Float64Histogram("loom.dispatch.handle_duration_ms",
		metric.WithDescription("Handler execution time (ms)"))
	m.deadLetters, _ = meter.Int64Counter("loom.dispatch.dead_letters_total",
		metric.WithDescription("Work items moved to the dead-letter table"))
	d.metrics = m

	for _, queue := range []string{model.QueueOrchestrator, model.QueueModelGateway, model.QueueToolExecutor} {
		queue := queue
		_, _ = meter.Int64ObservableGauge("loom.dispatch.queue_depth",
			metric.WithDescription("Number of items in a work queue"),
			metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
				depth, err := d.store.QueueDepth(ctx, queue)
				if err != nil {
					return nil // Non-fatal: just skip this observation.
				}
				o.Observe(depth, metric.WithAttributes(attribute.String("queue", queue)))
				return nil
			}),
		)
	}
}

func (m *metrics) recordHandled(ctx context.Context, queue string, workType model.WorkType, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("work_type", string(workType)),
		attribute.String("outcome", outcome),
	)
	m.handled.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

func (m *metrics) recordDeadLetter(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
