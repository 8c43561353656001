package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.False(t, req.Stream)

		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{
				"message": {"role": "assistant", "content": "hello there"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "test-key", 5*time.Second)
	resp, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(3), resp.OutputTokens)
	assert.Empty(t, resp.ToolCalls)
}

func TestCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{
				"message": {
					"role": "assistant",
					"tool_calls": [
						{"index": 0, "id": "call_1", "type": "function",
						 "function": {"name": "web_search", "arguments": "{\"query\":\"golang\"}"}},
						{"index": 1, "id": "call_2", "type": "function",
						 "function": {"name": "get_time", "arguments": ""}}
					]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", 5*time.Second)
	resp, err := client.Complete(context.Background(), Request{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"golang"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, "get_time", resp.ToolCalls[1].Name)
	// Missing arguments normalize to an empty object.
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Args))
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", 5*time.Second)
	_, err := client.Complete(context.Background(), Request{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Contains(t, err.Error(), "429")
}

func TestStreamAssemblesTextAndInvokesCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo "}}]}`,
			`{"choices":[{"delta":{"content":"world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	var deltas []string
	client := NewHTTPClient(srv.URL, "", 5*time.Second)
	resp, err := client.Stream(context.Background(), Request{Model: "gpt-4o-mini"}, func(text string) error {
		deltas = append(deltas, text)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, []string{"Hel", "lo ", "world"}, deltas)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, int64(5), resp.InputTokens)
	assert.Equal(t, int64(3), resp.OutputTokens)
}

func TestStreamAccumulatesFragmentedToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"que"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ry\":\"go\"}"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"get_time","arguments":"{}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", 5*time.Second)
	resp, err := client.Stream(context.Background(), Request{Model: "gpt-4o-mini"}, func(string) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", resp.StopReason)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, "get_time", resp.ToolCalls[1].Name)
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Args))
}

func TestStreamCallbackErrorStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"chunk"}}]}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	wantErr := assert.AnError
	client := NewHTTPClient(srv.URL, "", 5*time.Second)
	_, err := client.Stream(context.Background(), Request{Model: "gpt-4o-mini"}, func(string) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestStreamSkipsMalformedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {not json\n\n"))
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", 5*time.Second)
	resp, err := client.Stream(context.Background(), Request{Model: "gpt-4o-mini"}, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
