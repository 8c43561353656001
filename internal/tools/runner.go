// Package tools executes tool calls against an external tool service.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTool reports a tool name the tool service does not serve.
// Treated as permanent: retrying the same name cannot succeed.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Call is one tool invocation.
type Call struct {
	ToolCallID uuid.UUID       `json:"toolCallId"`
	RunID      uuid.UUID       `json:"runId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// Result is the outcome of a successful tool invocation.
type Result struct {
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// Runner abstracts tool execution so the executor worker and tests do not
// depend on a live tool service.
type Runner interface {
	Execute(ctx context.Context, call Call) (Result, error)
}

// HTTPRunner invokes tools over HTTP: POST {base}/tools/{name}.
type HTTPRunner struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPRunner(baseURL string, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRunner) Execute(ctx context.Context, call Call) (Result, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return Result{}, fmt.Errorf("tools: marshal call: %w", err)
	}

	url := r.baseURL + "/tools/" + call.ToolName
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("tools: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Run-ID", call.RunID.String())
	req.Header.Set("X-Tool-Call-ID", call.ToolCallID.String())

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("tools: invoke %s: %w", call.ToolName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("tools: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.ToolName)
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("tools: %s returned status %d: %s",
			call.ToolName, resp.StatusCode, string(respBody))
	}

	out := respBody
	if len(out) == 0 || !json.Valid(out) {
		// Tools may emit bare text; wrap so the event data stays JSON.
		wrapped, _ := json.Marshal(map[string]string{"text": string(respBody)})
		out = wrapped
	}
	return Result{Output: out, DurationMs: time.Since(start).Milliseconds()}, nil
}
