package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/approval"
	"github.com/lattice-ai/loom/internal/auth"
	"github.com/lattice-ai/loom/internal/bridge"
	"github.com/lattice-ai/loom/internal/ctxutil"
	"github.com/lattice-ai/loom/internal/dispatch"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/projector"
	"github.com/lattice-ai/loom/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	projector           *projector.Projector
	gate                *approval.Gate
	dispatcher          *dispatch.Dispatcher
	bridge              *bridge.Bridge
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	enableDevTokens     bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Projector           *projector.Projector
	Gate                *approval.Gate
	Dispatcher          *dispatch.Dispatcher
	Bridge              *bridge.Bridge
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	EnableDevTokens     bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		projector:           d.Projector,
		gate:                d.Gate,
		dispatcher:          d.Dispatcher,
		bridge:              d.Bridge,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		enableDevTokens:     d.EnableDevTokens,
	}
}

// HandleAuthToken handles POST /auth/token. Development convenience only:
// issues a token for any tenant/user pair. Disabled in production.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !h.enableDevTokens {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == uuid.Nil || req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenantId and userId are required")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.TenantID, req.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateRun handles POST /v1/runs. Appends run.started (plus the
// first user message when input is given) and queues the first
// orchestration.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	runID := uuid.New()
	correlationID := uuid.New()

	metadata := req.Metadata
	if req.Interactive {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["interactive"] = true
	}

	inputs := []model.EventInput{
		model.NewEventInput(runID, model.EventRunStarted, correlationID, model.RunStartedPayload{
			UserID:   claims.UserID,
			Input:    req.Input,
			Metadata: metadata,
			Model:    req.Model,
			Config:   req.Config,
		}),
	}
	if req.Input != "" {
		inputs = append(inputs, model.NewEventInput(runID, model.EventUserMessageCreated, correlationID,
			model.MessageCreatedPayload{MessageID: uuid.New(), Content: req.Input}))
	}

	events, err := h.db.AppendEvents(r.Context(), claims.TenantID, inputs)
	if err != nil {
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}
	h.bridge.Publish(r.Context(), events)

	work := model.NewWorkItem(runID, claims.TenantID, correlationID, model.WorkOrchestrateRun, nil)
	if err := h.dispatcher.Publish(r.Context(), work); err != nil {
		// The run exists; a consumer restart will not find this work, but
		// the client can re-trigger by sending a message.
		h.logger.Error("failed to queue initial orchestration", "run_id", runID, "error", err)
	}

	state, err := h.projector.Project(r.Context(), claims.TenantID, runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to project new run", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, state)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	userID := r.URL.Query().Get("user_id")
	skip := queryInt(r, "skip", 0)
	take := queryInt(r, "take", 50)
	if take <= 0 || take > 200 {
		take = 50
	}
	if skip < 0 {
		skip = 0
	}

	runs, total, err := h.db.ListRuns(r.Context(), claims.TenantID, userID, skip, take)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ListRunsResponse{Runs: runs, Total: total, Skip: skip, Take: take})
}

// HandleGetRun handles GET /v1/runs/{run_id}: the projected current state.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	state, err := h.projector.Project(r.Context(), claims.TenantID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeRunNotFound(w, r, claims.TenantID, runID)
			return
		}
		h.writeInternalError(w, r, "failed to project run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// HandleListEvents handles GET /v1/runs/{run_id}/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	fromSequence := int64(queryInt(r, "from_sequence", 0))
	limit := queryInt(r, "limit", 500)
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	events, err := h.db.ListEventsByRun(r.Context(), claims.TenantID, runID, fromSequence, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list events", err)
		return
	}
	if len(events) == 0 && fromSequence == 0 {
		h.writeRunNotFound(w, r, claims.TenantID, runID)
		return
	}

	resp := model.ListEventsResponse{Events: events, NextSequence: fromSequence, HasMore: len(events) == limit}
	if len(events) > 0 {
		resp.NextSequence = events[len(events)-1].Sequence
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSendMessage handles POST /v1/runs/{run_id}/messages.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}

	summary, err := h.db.GetRunSummary(r.Context(), claims.TenantID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeRunNotFound(w, r, claims.TenantID, runID)
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}
	if summary.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"run is "+string(summary.Status))
		return
	}

	correlationID := uuid.New()
	ev := model.NewEventInput(runID, model.EventUserMessageCreated, correlationID,
		model.MessageCreatedPayload{MessageID: uuid.New(), Content: req.Content})

	events, err := h.db.AppendEvents(r.Context(), claims.TenantID, []model.EventInput{ev})
	if err != nil {
		h.writeInternalError(w, r, "failed to append message", err)
		return
	}
	h.bridge.Publish(r.Context(), events)

	work := model.NewWorkItem(runID, claims.TenantID, correlationID, model.WorkContinueRun, nil)
	if err := h.dispatcher.Publish(r.Context(), work); err != nil {
		h.logger.Error("failed to queue continuation", "run_id", runID, "error", err)
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"runId":    runID,
		"sequence": events[len(events)-1].Sequence,
	})
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	// The body is optional; an empty body cancels without a reason.
	var req model.CancelRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	summary, err := h.db.GetRunSummary(r.Context(), claims.TenantID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeRunNotFound(w, r, claims.TenantID, runID)
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}
	if summary.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"run is already "+string(summary.Status))
		return
	}

	ev := model.NewEventInput(runID, model.EventRunCancelled, uuid.New(),
		model.RunCancelledPayload{Reason: req.Reason, CancelledBy: claims.UserID})
	events, err := h.db.AppendEvents(r.Context(), claims.TenantID, []model.EventInput{ev})
	if err != nil {
		h.writeInternalError(w, r, "failed to cancel run", err)
		return
	}
	h.bridge.Publish(r.Context(), events)

	writeJSON(w, r, http.StatusOK, map[string]any{"runId": runID, "status": model.RunStatusCancelled})
}

// HandleListApprovals handles GET /v1/approvals: pending approvals for the
// tenant, oldest first.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	limit := queryInt(r, "limit", 100)
	approvals, err := h.gate.ListPending(r.Context(), claims.TenantID, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list approvals", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"approvals": approvals})
}

// HandleGetApproval handles GET /v1/approvals/{approval_id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	approvalID, ok := pathUUID(w, r, "approval_id")
	if !ok {
		return
	}

	a, err := h.gate.Get(r.Context(), claims.TenantID, approvalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval not found")
			return
		}
		h.writeInternalError(w, r, "failed to get approval", err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleResolveApproval handles POST /v1/approvals/{approval_id}/resolve.
// Exactly one resolution wins; the loser gets a conflict.
func (h *Handlers) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	approvalID, ok := pathUUID(w, r, "approval_id")
	if !ok {
		return
	}

	var req model.ResolveApprovalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resolved, err := h.gate.Resolve(r.Context(), claims.TenantID, approvalID, req.Decision, req.EditedArgs, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidDecision):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval not found")
		case errors.Is(err, storage.ErrAlreadyResolved):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "approval already resolved")
		default:
			h.writeInternalError(w, r, "failed to resolve approval", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}

// HandleListDeadLetters handles GET /v1/dead-letters.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	switch queue {
	case model.QueueOrchestrator, model.QueueModelGateway, model.QueueToolExecutor:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown queue: "+queue)
		return
	}

	items, err := h.dispatcher.DeadLetters(r.Context(), queue, queryInt(r, "limit", 100))
	if err != nil {
		h.writeInternalError(w, r, "failed to list dead letters", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"queue": queue, "items": items})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeRunNotFound answers 404, logging when the run actually exists under
// another tenant — a cross-tenant probe worth noticing.
func (h *Handlers) writeRunNotFound(w http.ResponseWriter, r *http.Request, tenantID, runID uuid.UUID) {
	if owner, err := h.db.GetRunTenant(r.Context(), runID); err == nil && owner != tenantID {
		h.logger.Warn("cross-tenant run access denied",
			"run_id", runID, "owner_tenant", owner, "caller_tenant", tenantID,
			"request_id", RequestIDFromContext(r.Context()))
	}
	writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
