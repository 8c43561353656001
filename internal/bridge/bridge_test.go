package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/model"
)

func testBridge() *Bridge {
	return New(nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func frameFor(t *testing.T, e model.Event) string {
	t.Helper()
	frame, err := encodeFrame(e)
	require.NoError(t, err)
	return frame
}

func TestDispatchIsolatesRuns(t *testing.T) {
	b := testBridge()
	runA := uuid.New()
	runB := uuid.New()

	subA, err := b.Subscribe(context.Background(), runA)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(context.Background(), runB)
	require.NoError(t, err)
	defer subB.Close()

	b.dispatch(frameFor(t, model.Event{Sequence: 1, ID: uuid.New(), RunID: runA, Type: model.EventRunStarted}))

	select {
	case e := <-subA.Events():
		assert.Equal(t, runA, e.RunID)
		assert.Equal(t, int64(1), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("subscriber for run A got no frame")
	}

	select {
	case e := <-subB.Events():
		t.Fatalf("subscriber for run B got a frame for run %s", e.RunID)
	default:
	}
}

func TestDispatchDropsFramesWhenSubscriberIsFull(t *testing.T) {
	b := testBridge()
	runID := uuid.New()

	sub, err := b.Subscribe(context.Background(), runID)
	require.NoError(t, err)
	defer sub.Close()

	// Overfill the buffer without draining; the overflow must not block.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.dispatch(frameFor(t, model.Event{Sequence: int64(i + 1), ID: uuid.New(), RunID: runID, Type: model.EventLlmDelta}))
	}

	received := 0
	for {
		select {
		case <-sub.Events():
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestSubscribeCloseIsIdempotent(t *testing.T) {
	b := testBridge()
	sub, err := b.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestSubscribeDetachesOnContextCancel(t *testing.T) {
	b := testBridge()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, uuid.New())
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after context cancel")
	}
}

func TestSubscribeAfterShutdownFails(t *testing.T) {
	b := testBridge()
	sub, err := b.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)

	b.shutdown()

	_, open := <-sub.Events()
	assert.False(t, open)

	_, err = b.Subscribe(context.Background(), uuid.New())
	require.Error(t, err)
}

func TestDispatchDropsMalformedFrames(t *testing.T) {
	b := testBridge()
	sub, err := b.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)
	defer sub.Close()

	b.dispatch("not json")

	select {
	case <-sub.Events():
		t.Fatal("malformed frame was delivered")
	default:
	}
}

func TestEncodeFrameTruncatesOversizedData(t *testing.T) {
	e := model.Event{
		Sequence: 7,
		ID:       uuid.New(),
		RunID:    uuid.New(),
		Type:     model.EventToolCallCompleted,
		Data:     json.RawMessage(`{"blob":"` + strings.Repeat("x", maxFramePayload) + `"}`),
	}

	frame, err := encodeFrame(e)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(frame), maxFramePayload)

	var decoded model.Event
	require.NoError(t, json.Unmarshal([]byte(frame), &decoded))
	assert.True(t, Truncated(decoded))
	assert.Equal(t, int64(7), decoded.Sequence)
}

func TestEncodeFrameKeepsSmallData(t *testing.T) {
	e := model.Event{
		Sequence: 8,
		ID:       uuid.New(),
		RunID:    uuid.New(),
		Type:     model.EventUserMessageCreated,
		Data:     json.RawMessage(`{"content":"hello"}`),
	}

	frame, err := encodeFrame(e)
	require.NoError(t, err)

	var decoded model.Event
	require.NoError(t, json.Unmarshal([]byte(frame), &decoded))
	assert.False(t, Truncated(decoded))
	assert.JSONEq(t, `{"content":"hello"}`, string(decoded.Data))
}
