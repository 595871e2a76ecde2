package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kestrelbot/kestrel/internal/httpkit"
)

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is a credentials problem.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsRateLimited reports whether err is a provider rate limit.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// toolsRejected guesses whether an API error means the provider does
// not accept tool definitions. Providers phrase this differently, so
// this is a substring check on the error body.
func toolsRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode < 400 || apiErr.StatusCode >= 500 {
		return false
	}
	body := strings.ToLower(apiErr.Body)
	return strings.Contains(body, "tool") || strings.Contains(body, "function")
}

// Client talks to OpenAI-compatible chat completion endpoints. It
// holds no credentials: every Request carries its own, because users
// can each point at a different provider.
type Client struct {
	httpClient *http.Client
}

// New creates the client.
func New() *Client {
	return &Client{
		// Long-output models with tools need generous time.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// chatRequest is the provider wire request.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	Temperature   float64          `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// streamChunk is one SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string          `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
			Reasoning        string          `json:"reasoning"`
			ToolCalls        []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// toolCallDelta is a fragment of a tool call. The index correlates
// fragments of the same call; name and arguments accumulate.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ChatStream runs one streamed chat completion. Content and reasoning
// deltas are forwarded to callback as they arrive; the aggregated
// result is returned when the stream ends. When the provider rejects
// the tool definitions, the call is retried once without tools and
// the result is flagged ToolsUnsupported.
func (c *Client) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Result, error) {
	res, err := c.chatStreamOnce(ctx, req, callback)
	if err != nil && len(req.Tools) > 0 && toolsRejected(err) {
		retry := req
		retry.Tools = nil
		res, err = c.chatStreamOnce(ctx, retry, callback)
		if err != nil {
			return nil, err
		}
		res.ToolsUnsupported = true
	}
	return res, err
}

func (c *Client) chatStreamOnce(ctx context.Context, req Request, callback StreamCallback) (*Result, error) {
	wire := chatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Tools:         req.Tools,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimSuffix(req.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	return readStream(resp.Body, callback)
}

// readStream consumes the SSE body, forwarding deltas and aggregating
// the final result.
func readStream(body io.Reader, callback StreamCallback) (*Result, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		res       Result
		calls     = make(map[int]*ToolCall)
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Providers occasionally interleave keep-alive junk;
			// skip anything that is not a chunk.
			continue
		}

		if chunk.Usage != nil {
			res.Usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
			}
		}
		if r := choice.Delta.ReasoningContent + choice.Delta.Reasoning; r != "" {
			reasoning.WriteString(r)
			if callback != nil {
				callback(StreamEvent{Kind: KindReasoning, Reasoning: r})
			}
		}
		for _, d := range choice.Delta.ToolCalls {
			tc := calls[d.Index]
			if tc == nil {
				tc = &ToolCall{}
				calls[d.Index] = tc
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Type != "" {
				tc.Type = d.Type
			}
			if d.Function.Name != "" {
				tc.Function.Name += d.Function.Name
			}
			tc.Function.Arguments += d.Function.Arguments
		}
		if choice.FinishReason != "" {
			res.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	res.Content = content.String()
	res.Reasoning = reasoning.String()
	if len(calls) > 0 {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			res.ToolCalls = append(res.ToolCalls, *calls[i])
		}
	}
	return &res, nil
}

// ListModels fetches the model ids the provider offers. Used to
// verify credentials when the user changes them.
func (c *Client) ListModels(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		strings.TrimSuffix(baseURL, "/")+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Data))
	for i, m := range result.Data {
		names[i] = m.ID
	}
	sort.Strings(names)
	return names, nil
}
