package tools_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/tools"
)

const catalogJSON = `[
	{"name": "web_search", "description": "Search the web",
	 "parameters": {"type": "object", "properties": {"query": {"type": "string"}}},
	 "riskTier": "low"},
	{"name": "send_email", "description": "Send an email", "riskTier": "high"},
	{"name": "get_time"}
]`

func TestParseCatalog(t *testing.T) {
	c, err := tools.ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	d, ok := c.Get("web_search")
	require.True(t, ok)
	assert.Equal(t, model.RiskLow, d.RiskTier)

	assert.Equal(t, model.RiskHigh, c.RiskOf("send_email"))
	// Missing tier defaults to medium.
	assert.Equal(t, model.RiskMedium, c.RiskOf("get_time"))
	// Unknown tools default to medium too.
	assert.Equal(t, model.RiskMedium, c.RiskOf("nonexistent"))
}

func TestParseCatalogEmpty(t *testing.T) {
	c, err := tools.ParseCatalog(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Specs())
}

func TestParseCatalogRejectsDuplicates(t *testing.T) {
	_, err := tools.ParseCatalog([]byte(`[{"name":"a"},{"name":"a"}]`))
	require.Error(t, err)
}

func TestParseCatalogRejectsMissingName(t *testing.T) {
	_, err := tools.ParseCatalog([]byte(`[{"description":"no name"}]`))
	require.Error(t, err)
}

func TestCatalogSpecsAreNameOrdered(t *testing.T) {
	c, err := tools.ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)

	specs := c.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "get_time", specs[0].Function.Name)
	assert.Equal(t, "send_email", specs[1].Function.Name)
	assert.Equal(t, "web_search", specs[2].Function.Name)
	assert.Equal(t, "function", specs[0].Type)
}

func TestHTTPRunnerExecute(t *testing.T) {
	call := tools.Call{
		ToolCallID: uuid.New(),
		RunID:      uuid.New(),
		ToolName:   "web_search",
		Args:       json.RawMessage(`{"query":"golang"}`),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/web_search", r.URL.Path)
		assert.Equal(t, call.RunID.String(), r.Header.Get("X-Run-ID"))
		assert.Equal(t, call.ToolCallID.String(), r.Header.Get("X-Tool-Call-ID"))

		var got tools.Call
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.JSONEq(t, `{"query":"golang"}`, string(got.Args))

		_, _ = w.Write([]byte(`{"hits": 3}`))
	}))
	defer srv.Close()

	runner := tools.NewHTTPRunner(srv.URL, 5*time.Second)
	res, err := runner.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":3}`, string(res.Output))
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestHTTPRunnerUnknownTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	runner := tools.NewHTTPRunner(srv.URL, 5*time.Second)
	_, err := runner.Execute(context.Background(), tools.Call{ToolName: "nope"})
	require.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestHTTPRunnerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	runner := tools.NewHTTPRunner(srv.URL, 5*time.Second)
	_, err := runner.Execute(context.Background(), tools.Call{ToolName: "web_search"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, tools.ErrUnknownTool)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPRunnerWrapsNonJSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text result"))
	}))
	defer srv.Close()

	runner := tools.NewHTTPRunner(srv.URL, 5*time.Second)
	res, err := runner.Execute(context.Background(), tools.Call{ToolName: "shell"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"plain text result"}`, string(res.Output))
}
