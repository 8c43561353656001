// Package llm is the model gateway's client for an OpenAI-compatible chat
// completion endpoint.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client abstracts the model backend so workers and tests do not depend on
// a live endpoint.
type Client interface {
	// Complete runs a non-streaming completion.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream runs a streaming completion, invoking onDelta per text chunk.
	// The returned response carries the assembled text and usage.
	Stream(ctx context.Context, req Request, onDelta func(text string) error) (*Response, error)
}

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a tool spec offered to the model, OpenAI function style.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is a chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ToolRequest is the model asking for a tool invocation.
type ToolRequest struct {
	Name string
	Args json.RawMessage
}

// Response is the completed model output with usage.
type Response struct {
	Content      string
	ToolCalls    []ToolRequest
	Model        string
	InputTokens  int64
	OutputTokens int64
	StopReason   string
}

// HTTPClient talks to an OpenAI-compatible /v1/chat/completions endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      *wireMessage `json:"message,omitempty"`
		Delta        *wireMessage `json:"delta,omitempty"`
		FinishReason string       `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

type wireError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return nil, fmt.Errorf("llm: response has no choices")
	}

	msg := wire.Choices[0].Message
	out := &Response{
		Content:    msg.Content,
		Model:      wire.Model,
		StopReason: wire.Choices[0].FinishReason,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolRequest{
			Name: tc.Function.Name,
			Args: argsOrEmpty(tc.Function.Arguments),
		})
	}
	if wire.Usage != nil {
		out.InputTokens = wire.Usage.PromptTokens
		out.OutputTokens = wire.Usage.CompletionTokens
	}
	return out, nil
}

func (c *HTTPClient) Stream(ctx context.Context, req Request, onDelta func(text string) error) (*Response, error) {
	req.Stream = true
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}

	out := &Response{Model: req.Model}
	var text strings.Builder
	// Streamed tool calls arrive fragmented: the first chunk for an index
	// carries the name, later chunks append argument text.
	partial := map[int]*ToolRequest{}
	partialArgs := map[int]*strings.Builder{}
	var order []int

	reader := bufio.NewReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("llm: read stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed chunk, skip
		}
		if chunk.Usage != nil {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			out.StopReason = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if err := onDelta(delta.Content); err != nil {
				return nil, err
			}
		}
		for _, tc := range delta.ToolCalls {
			req, ok := partial[tc.Index]
			if !ok {
				req = &ToolRequest{}
				partial[tc.Index] = req
				partialArgs[tc.Index] = &strings.Builder{}
				order = append(order, tc.Index)
			}
			if tc.Function.Name != "" {
				req.Name = tc.Function.Name
			}
			partialArgs[tc.Index].WriteString(tc.Function.Arguments)
		}
	}

	out.Content = text.String()
	for _, idx := range order {
		req := partial[idx]
		req.Args = argsOrEmpty(partialArgs[idx].String())
		out.ToolCalls = append(out.ToolCalls, *req)
	}
	return out, nil
}

func argsOrEmpty(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func (c *HTTPClient) post(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: send request: %w", err)
	}
	return resp, nil
}

func apiError(status int, body []byte) error {
	var wire wireError
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != nil {
		return fmt.Errorf("llm: api error [%d]: %s (type: %s)", status, wire.Error.Message, wire.Error.Type)
	}
	return fmt.Errorf("llm: api error [%d]: %s", status, string(body))
}
