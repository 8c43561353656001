package bridge

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/lattice-ai/loom/internal/telemetry"
)

// RegisterMetrics installs the bridge's OTEL instruments: a live subscriber
// gauge and a dropped-frame counter. Safe to skip; a nil counter records
// nothing.
func (b *Bridge) RegisterMetrics() {
	meter := telemetry.Meter("loom/bridge")

	b.dropped, _ = meter.Int64Counter("loom.bridge.dropped_frames_total",
		metric.WithDescription("Frames dropped because a subscriber buffer was full"))

	_, _ = meter.Int64ObservableGauge("loom.bridge.subscribers",
		metric.WithDescription("Live run subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.subscriberCount())
			return nil
		}),
	)
}

func (b *Bridge) subscriberCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, set := range b.subs {
		n += int64(len(set))
	}
	return n
}

func (b *Bridge) recordDropped() {
	if b.dropped == nil {
		return
	}
	b.dropped.Add(context.Background(), 1)
}
