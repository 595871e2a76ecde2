// Package tools defines the tools the model can call during a chat
// turn and the registry that routes calls to them.
//
// A Tool groups one or more callable functions under a single name
// that users enable or disable as a unit. Tools can additionally
// contribute text to the system prompt (Instructor) and rewrite the
// final assistant reply (PostProcessor).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kestrelbot/kestrel/internal/llm"
)

// ExecTimeout bounds a single tool execution.
const ExecTimeout = 30 * time.Second

// RequestContext identifies whose message triggered the tool call.
type RequestContext struct {
	UserID int64
	ChatID int64
}

// Tool is one enableable unit of model-callable functionality.
type Tool interface {
	// Name is the identifier users toggle (e.g. "search").
	Name() string

	// Definitions describe the tool's callable functions.
	Definitions() []llm.ToolDefinition

	// Execute runs one function. The returned string goes back to
	// the model as the tool result.
	Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error)
}

// Instructor is implemented by tools that add usage guidance to the
// system prompt.
type Instructor interface {
	Instruction() string
}

// Enricher is implemented by tools that rewrite the system prompt
// before the first model call of a turn. query is the user's input,
// available for relevance filtering.
type Enricher interface {
	EnrichPrompt(ctx context.Context, rc RequestContext, prompt, query string) (string, error)
}

// PostProcessor is implemented by tools that transform the final
// assistant reply after the streaming loop finishes.
type PostProcessor interface {
	PostProcess(ctx context.Context, rc RequestContext, text string) (string, error)
}

// Registry holds the registered tools and routes function calls.
type Registry struct {
	logger *slog.Logger
	tools  map[string]Tool
	byFunc map[string]Tool
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "tools"),
		tools:  make(map[string]Tool),
		byFunc: make(map[string]Tool),
	}
}

// Register adds a tool. Function names must be unique across tools.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
	for _, def := range t.Definitions() {
		r.byFunc[def.Function.Name] = t
	}
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known returns the name set for enable/disable validation.
func (r *Registry) Known() map[string]bool {
	known := make(map[string]bool, len(r.tools))
	for name := range r.tools {
		known[name] = true
	}
	return known
}

// Definitions returns the function definitions of all enabled tools
// in registration order.
func (r *Registry) Definitions(enabled map[string]bool) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, name := range r.order {
		if !enabled[name] {
			continue
		}
		defs = append(defs, r.tools[name].Definitions()...)
	}
	return defs
}

// Instructions concatenates the system-prompt guidance of all enabled
// tools.
func (r *Registry) Instructions(enabled map[string]bool) string {
	var parts []string
	for _, name := range r.order {
		if !enabled[name] {
			continue
		}
		if in, ok := r.tools[name].(Instructor); ok {
			if text := strings.TrimSpace(in.Instruction()); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// EnrichPrompt runs the enabled tools' prompt hooks in registration
// order. A failing hook is logged and skipped so the turn proceeds
// with the prompt it has.
func (r *Registry) EnrichPrompt(ctx context.Context, rc RequestContext, enabled map[string]bool, prompt, query string) string {
	for _, name := range r.order {
		if !enabled[name] {
			continue
		}
		en, ok := r.tools[name].(Enricher)
		if !ok {
			continue
		}
		out, err := en.EnrichPrompt(ctx, rc, prompt, query)
		if err != nil {
			r.logger.Warn("prompt enrichment failed", "tool", name, "error", err)
			continue
		}
		prompt = out
	}
	return prompt
}

// Execute runs one model-requested call and always returns a result
// string: failures are folded into the result so the model can react
// instead of the turn aborting.
func (r *Registry) Execute(ctx context.Context, rc RequestContext, enabled map[string]bool, call llm.ToolCall) string {
	fn := call.Function.Name
	t, ok := r.byFunc[fn]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", fn)
	}
	if !enabled[t.Name()] {
		return fmt.Sprintf("Error: tool %q is disabled", t.Name())
	}

	args := make(map[string]any)
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", fn, err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, ExecTimeout)
	defer cancel()

	start := time.Now()
	result, err := t.Execute(execCtx, rc, fn, args)
	if err != nil {
		r.logger.Warn("tool execution failed",
			"tool", t.Name(), "function", fn, "user_id", rc.UserID,
			"duration", time.Since(start), "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	r.logger.Debug("tool executed",
		"tool", t.Name(), "function", fn, "user_id", rc.UserID,
		"duration", time.Since(start))
	return result
}

// PostProcess runs the enabled tools' reply hooks in registration
// order. A failing hook is logged and skipped.
func (r *Registry) PostProcess(ctx context.Context, rc RequestContext, enabled map[string]bool, text string) string {
	for _, name := range r.order {
		if !enabled[name] {
			continue
		}
		pp, ok := r.tools[name].(PostProcessor)
		if !ok {
			continue
		}
		out, err := pp.PostProcess(ctx, rc, text)
		if err != nil {
			r.logger.Warn("tool post-processing failed", "tool", name, "error", err)
			continue
		}
		text = out
	}
	return text
}

// argString reads a string argument.
func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// argInt reads a numeric argument, accepting the float64 that
// encoding/json produces as well as integer-typed values.
func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// argInt64 is argInt for id-sized values.
func argInt64(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}
