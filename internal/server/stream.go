package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/bridge"
	"github.com/lattice-ai/loom/internal/ctxutil"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/storage"
)

const streamPageSize = 500

// HandleStreamRun handles GET /v1/runs/{run_id}/stream (SSE).
//
// The client gets every stored event from from_sequence onward, then live
// frames as they commit. Subscribing before the replay and deduplicating by
// sequence closes the gap between the two phases. Live frames whose data
// was truncated in transport are re-read from the store before forwarding,
// so the wire always carries complete events.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	fromSequence := streamCursor(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Attach before replaying so no commit falls between the two phases.
	sub, err := h.bridge.Subscribe(r.Context(), runID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "live stream unavailable")
		return
	}
	defer sub.Close()

	// Validate existence before committing to the SSE response.
	if _, err := h.db.GetRunSummary(r.Context(), claims.TenantID, runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeRunNotFound(w, r, claims.TenantID, runID)
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: lift the server's write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	lastSent, ok := h.replayEvents(w, r, flusher, claims.TenantID, runID, fromSequence)
	if !ok {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-sub.Events():
			if !open {
				return
			}
			if e.TenantID != claims.TenantID {
				continue
			}
			if e.Sequence > 0 && e.Sequence <= lastSent {
				continue // already sent during replay
			}
			if bridge.Truncated(e) {
				full, err := h.refetch(r, claims.TenantID, runID, e.Sequence)
				if err != nil {
					h.logger.Warn("failed to re-read truncated frame",
						"run_id", runID, "sequence", e.Sequence, "error", err)
					continue
				}
				e = full
			}
			if !writeFrame(w, flusher, e) {
				return
			}
			if e.Sequence > lastSent {
				lastSent = e.Sequence
			}
		}
	}
}

// replayEvents streams stored history and returns the last sequence sent.
func (h *Handlers) replayEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, tenantID, runID uuid.UUID, fromSequence int64) (int64, bool) {
	lastSent := fromSequence
	for {
		events, err := h.db.ListEventsByRun(r.Context(), tenantID, runID, lastSent, streamPageSize)
		if err != nil {
			h.logger.Error("stream replay failed", "run_id", runID, "error", err)
			return lastSent, false
		}
		for i := range events {
			if !writeFrame(w, flusher, events[i]) {
				return lastSent, false
			}
			lastSent = events[i].Sequence
		}
		if len(events) < streamPageSize {
			return lastSent, true
		}
	}
}

func (h *Handlers) refetch(r *http.Request, tenantID, runID uuid.UUID, sequence int64) (model.Event, error) {
	events, err := h.db.ListEventsByRun(r.Context(), tenantID, runID, sequence-1, 1)
	if err != nil {
		return model.Event{}, err
	}
	if len(events) == 0 || events[0].Sequence != sequence {
		return model.Event{}, storage.ErrNotFound
	}
	return events[0], nil
}

// writeFrame emits one SSE frame. Stored events carry their sequence as the
// SSE id so EventSource reconnects resume via Last-Event-ID; transient
// frames (sequence zero) carry none.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, e model.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return true // skip the frame, keep the stream
	}
	if e.Sequence > 0 {
		if _, err := w.Write([]byte("id: " + strconv.FormatInt(e.Sequence, 10) + "\n")); err != nil {
			return false
		}
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// streamCursor reads the resume position: the from_sequence query parameter
// or, on EventSource reconnect, the Last-Event-ID header.
func streamCursor(r *http.Request) int64 {
	if v := r.URL.Query().Get("from_sequence"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}
