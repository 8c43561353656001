package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/auth"
	"github.com/lattice-ai/loom/internal/ctxutil"
	"github.com/lattice-ai/loom/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	// A supplied request ID is propagated, not replaced.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/runs", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied", seen)
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	handler := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run without auth")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	handler := authMiddleware(mgr, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without auth")
	}))

	for _, header := range []string{"Basic abc", "Bearer", "token-without-scheme"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/runs", nil)
		req.Header.Set("Authorization", header)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestAuthMiddlewarePopulatesClaims(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	tenantID := uuid.New()
	token, _, err := mgr.IssueToken(tenantID, "alice")
	require.NoError(t, err)

	var claims *auth.Claims
	handler := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ctxutil.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, tenantID, claims.TenantID)
	assert.Equal(t, "alice", claims.UserID)
}

func TestAuthMiddlewareSkipsPublicPaths(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	handler := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/auth/token"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, httptest.NewRequest("GET", "/", nil), http.StatusCreated, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp model.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Meta.Timestamp.IsZero())
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", data["hello"])
}

func TestDecodeJSONEnforcesBodyLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"content":"`+strings.Repeat("x", 100)+`"}`))

	var target model.SendMessageRequest
	err := decodeJSON(rec, req, &target, 10)
	require.Error(t, err)

	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"content":"hi","bogus":true}`))

	var target model.SendMessageRequest
	err := decodeJSON(rec, req, &target, 1024)
	require.Error(t, err)

	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	// httptest.ResponseRecorder implements http.Flusher.
	var w http.ResponseWriter = sw
	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()
	assert.True(t, rec.Flushed)
}

func TestStreamCursor(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/runs/x/stream?from_sequence=42", nil)
	assert.Equal(t, int64(42), streamCursor(req))

	req = httptest.NewRequest("GET", "/v1/runs/x/stream", nil)
	req.Header.Set("Last-Event-ID", "17")
	assert.Equal(t, int64(17), streamCursor(req))

	// The query parameter wins over the reconnect header.
	req = httptest.NewRequest("GET", "/v1/runs/x/stream?from_sequence=42", nil)
	req.Header.Set("Last-Event-ID", "17")
	assert.Equal(t, int64(42), streamCursor(req))

	req = httptest.NewRequest("GET", "/v1/runs/x/stream?from_sequence=-5", nil)
	assert.Equal(t, int64(0), streamCursor(req))

	req = httptest.NewRequest("GET", "/v1/runs/x/stream", nil)
	assert.Equal(t, int64(0), streamCursor(req))
}
