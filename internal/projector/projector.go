package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/storage"
)

// pageSize is how many events a single store read returns while projecting.
const pageSize = 500

// Projector rebuilds run state on demand from the event store. Snapshots of
// previously projected runs are cached so that a subsequent projection only
// folds the events appended since, which keeps hot runs cheap without ever
// making the cache authoritative: dropping it is always safe.
type Projector struct {
	store  *storage.DB
	logger *slog.Logger

	mu    sync.Mutex
	cache map[uuid.UUID]*model.RunState
}

func New(store *storage.DB, logger *slog.Logger) *Projector {
	return &Projector{
		store:  store,
		logger: logger,
		cache:  make(map[uuid.UUID]*model.RunState),
	}
}

// Project returns the current state of the run, folding any events newer
// than the cached snapshot. Returns storage.ErrNotFound when the run has no
// events visible to the tenant.
func (p *Projector) Project(ctx context.Context, tenantID, runID uuid.UUID) (*model.RunState, error) {
	state := p.cached(tenantID, runID)

	from := int64(0)
	if state != nil {
		from = state.LastSequence
	}

	folded := false
	for {
		events, err := p.store.ListEventsByRun(ctx, tenantID, runID, from, pageSize)
		if err != nil {
			return nil, fmt.Errorf("projector: list events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		folded = true

		next, unknown, err := reduceOnto(state, events)
		if err != nil {
			return nil, fmt.Errorf("projector: fold run %s: %w", runID, err)
		}
		state = next
		for _, t := range unknown {
			p.logger.Warn("projector: skipping event with unknown type",
				"run_id", runID, "event_type", t)
		}

		from = events[len(events)-1].Sequence
		if len(events) < pageSize {
			break
		}
	}

	if state == nil {
		return nil, storage.ErrNotFound
	}
	if folded {
		p.remember(state)
	}
	return clone(state), nil
}

// Invalidate drops the cached snapshot for a run. Needed only if the store
// is rebuilt underneath a running process.
func (p *Projector) Invalidate(runID uuid.UUID) {
	p.mu.Lock()
	delete(p.cache, runID)
	p.mu.Unlock()
}

// cached returns a private copy of the snapshot, or nil. The tenant check
// prevents a cached snapshot from leaking across tenants that guess a run ID.
func (p *Projector) cached(tenantID, runID uuid.UUID) *model.RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.cache[runID]
	if !ok || s.TenantID != tenantID {
		return nil
	}
	return clone(s)
}

func (p *Projector) remember(s *model.RunState) {
	p.mu.Lock()
	p.cache[s.ID] = clone(s)
	p.mu.Unlock()
}

// reduceOnto continues a fold from an existing state. A nil state starts a
// fresh fold.
func reduceOnto(state *model.RunState, events []model.Event) (*model.RunState, []model.EventType, error) {
	if state == nil {
		return Reduce(events)
	}
	var unknown []model.EventType
	for i := range events {
		e := events[i]
		payload, err := model.DecodePayload(e)
		if err != nil {
			var unk model.ErrUnknownEventType
			if errors.As(err, &unk) {
				unknown = append(unknown, unk.Type)
				state.LastSequence = e.Sequence
				continue
			}
			return nil, unknown, err
		}
		apply(state, e, payload)
		state.LastSequence = e.Sequence
	}
	return state, unknown, nil
}

// clone deep-copies the slices of a run state so cached snapshots are never
// aliased by callers. Raw JSON fields are shared; they are never mutated.
func clone(s *model.RunState) *model.RunState {
	c := *s
	c.Messages = append([]model.Message(nil), s.Messages...)
	c.Steps = append([]model.Step(nil), s.Steps...)
	c.ToolCalls = append([]model.ToolCall(nil), s.ToolCalls...)
	c.Approvals = append([]model.Approval(nil), s.Approvals...)
	return &c
}
