package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func sseBody(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: " + l + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func chunkJSON(t *testing.T, delta map[string]any, finish string) string {
	t.Helper()
	choice := map[string]any{"delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	raw, err := json.Marshal(map[string]any{"choices": []any{choice}})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestChatStream_AggregatesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			chunkJSON(t, map[string]any{"content": "Hel"}, ""),
			chunkJSON(t, map[string]any{"content": "lo"}, ""),
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
		))
	}))
	defer srv.Close()

	var tokens []string
	res, err := New().ChatStream(context.Background(), Request{
		BaseURL: srv.URL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		Messages: []Message{
			{Role: "user", Content: "hi"},
		},
	}, func(ev StreamEvent) {
		if ev.Kind == KindToken {
			tokens = append(tokens, ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if res.Content != "Hello" {
		t.Errorf("content = %q", res.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("expected 2 token events, got %d", len(tokens))
	}
	if res.FinishReason != "stop" {
		t.Errorf("finish reason = %q", res.FinishReason)
	}
	if res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestChatStream_AggregatesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"fetch_url","arguments":"{}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		))
	}))
	defer srv.Close()

	res, err := New().ChatStream(context.Background(), Request{BaseURL: srv.URL, Model: "m"}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(res.ToolCalls))
	}
	first := res.ToolCalls[0]
	if first.ID != "call_1" || first.Function.Name != "web_search" {
		t.Errorf("first call = %+v", first)
	}
	if first.Function.Arguments != `{"query":"go"}` {
		t.Errorf("arguments = %q", first.Function.Arguments)
	}
	if res.ToolCalls[1].Function.Name != "fetch_url" {
		t.Errorf("second call = %+v", res.ToolCalls[1])
	}
	if res.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", res.FinishReason)
	}
}

func TestChatStream_CapturesReasoning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"reasoning_content":"thinking "}}]}`,
			`{"choices":[{"delta":{"reasoning":"hard"}}]}`,
			chunkJSON(t, map[string]any{"content": "answer"}, "stop"),
		))
	}))
	defer srv.Close()

	var reasoning []string
	res, err := New().ChatStream(context.Background(), Request{BaseURL: srv.URL, Model: "m"},
		func(ev StreamEvent) {
			if ev.Kind == KindReasoning {
				reasoning = append(reasoning, ev.Reasoning)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if res.Reasoning != "thinking hard" {
		t.Errorf("reasoning = %q", res.Reasoning)
	}
	if res.Content != "answer" {
		t.Errorf("content = %q", res.Content)
	}
	if len(reasoning) != 2 {
		t.Errorf("expected 2 reasoning events, got %d", len(reasoning))
	}
}

func TestChatStream_ToolsUnsupportedFallback(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) > 0 {
			http.Error(w, `{"error":{"message":"this model does not support function calling"}}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(chunkJSON(t, map[string]any{"content": "plain"}, "stop")))
	}))
	defer srv.Close()

	res, err := New().ChatStream(context.Background(), Request{
		BaseURL: srv.URL,
		Model:   "m",
		Tools: []ToolDefinition{{
			Type:     "function",
			Function: FunctionDefinition{Name: "web_search"},
		}},
	}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if !res.ToolsUnsupported {
		t.Error("expected ToolsUnsupported")
	}
	if res.Content != "plain" {
		t.Errorf("content = %q", res.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 provider calls, got %d", calls.Load())
	}
}

func TestChatStream_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New().ChatStream(context.Background(), Request{BaseURL: srv.URL, Model: "m"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
	if IsRateLimited(err) {
		t.Error("401 must not classify as rate limit")
	}
}

func TestChatStream_SkipsMalformedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, sseBody(chunkJSON(t, map[string]any{"content": "ok"}, "stop")))
	}))
	defer srv.Close()

	res, err := New().ChatStream(context.Background(), Request{BaseURL: srv.URL, Model: "m"}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}},
		})
	}))
	defer srv.Close()

	models, err := New().ListModels(context.Background(), srv.URL, "k")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" {
		t.Errorf("models = %v", models)
	}
}
