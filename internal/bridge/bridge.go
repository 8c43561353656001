// Package bridge fans committed events out to live per-run subscribers.
//
// Delivery is best effort by design: frames ride Postgres NOTIFY, slow
// subscribers are dropped rather than backpressured, and nothing here is
// durable. Clients needing a complete stream replay from the event store
// and use the bridge only to learn that new events exist.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/storage"
)

// maxFramePayload keeps frames under the Postgres NOTIFY payload ceiling
// (8000 bytes) with headroom for the envelope.
const maxFramePayload = 7600

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing frames and must resume from the store.
const subscriberBuffer = 64

// truncatedData replaces an event's data in oversized frames. Subscribers
// seeing it re-read the full event from the store by sequence.
var truncatedData = json.RawMessage(`{"truncated":true}`)

// Truncated reports whether an event frame lost its data to the transport
// size limit.
func Truncated(e model.Event) bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), truncatedData)
}

// Subscription is one live attachment to a run's event feed.
type Subscription struct {
	runID  uuid.UUID
	ch     chan model.Event
	cancel func()
}

// Events yields frames in arrival order. The channel closes when the
// subscription is closed or the bridge shuts down.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() { s.cancel() }

// Bridge publishes committed events onto the notification channel and fans
// incoming frames out to per-run subscribers.
type Bridge struct {
	store  *storage.DB
	logger *slog.Logger

	dropped metric.Int64Counter

	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	closed bool
}

func New(store *storage.DB, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		logger: logger,
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Publish broadcasts already-committed events as live frames. Failures are
// logged and swallowed: the store is the source of truth and a lost frame
// only delays subscribers until their next resume.
func (b *Bridge) Publish(ctx context.Context, events []model.Event) {
	for i := range events {
		frame, err := encodeFrame(events[i])
		if err != nil {
			b.logger.Error("bridge: encode frame", "sequence", events[i].Sequence, "error", err)
			continue
		}
		if err := b.store.Notify(ctx, storage.ChannelEvents, frame); err != nil {
			b.logger.Warn("bridge: publish frame", "sequence", events[i].Sequence, "error", err)
		}
	}
}

// Subscribe attaches to a run's live feed. The subscription detaches when
// ctx is cancelled or Close is called. Frames for other runs are never
// delivered.
func (b *Bridge) Subscribe(ctx context.Context, runID uuid.UUID) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge: closed")
	}
	sub := &Subscription{
		runID: runID,
		ch:    make(chan model.Event, subscriberBuffer),
	}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() { b.detach(sub) })
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// Run consumes the notification channel and dispatches frames until ctx is
// cancelled. It reconnects with backoff on listener failures; subscribers
// simply see a gap and resume from the store.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.shutdown()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		listener, err := b.store.NewListener(ctx, storage.ChannelEvents)
		if err != nil {
			b.logger.Warn("bridge: listener connect failed, retrying", "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		b.logger.Info("bridge: listening", "channel", storage.ChannelEvents)

		for {
			_, payload, err := listener.Wait(ctx)
			if err != nil {
				_ = listener.Close(context.Background())
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Warn("bridge: listener lost, reconnecting", "error", err)
				break
			}
			b.dispatch(payload)
		}
	}
}

func (b *Bridge) dispatch(payload string) {
	var e model.Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		b.logger.Warn("bridge: malformed frame dropped", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[e.RunID] {
		select {
		case sub.ch <- e:
		default:
			// Slow subscriber: drop the frame rather than block the fanout.
			b.recordDropped()
			b.logger.Debug("bridge: subscriber buffer full, frame dropped",
				"run_id", e.RunID, "sequence", e.Sequence)
		}
	}
}

func (b *Bridge) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.runID]; ok {
		if _, attached := set[sub]; attached {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(b.subs, sub.runID)
		}
	}
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for runID, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, runID)
	}
}

// encodeFrame serializes an event for NOTIFY, truncating oversized data.
func encodeFrame(e model.Event) (string, error) {
	frame, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	if len(frame) <= maxFramePayload {
		return string(frame), nil
	}
	e.Data = truncatedData
	frame, err = json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(frame), nil
}
