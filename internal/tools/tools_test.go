package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kestrelbot/kestrel/internal/fetch"
	"github.com/kestrelbot/kestrel/internal/llm"
)

// echoTool is a minimal tool with one function that echoes its
// argument. It also exercises the optional hooks.
type echoTool struct {
	name    string
	fn      string
	execErr error
}

func (t *echoTool) Name() string { return t.name }

func (t *echoTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name: t.fn,
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}}
}

func (t *echoTool) Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error) {
	if t.execErr != nil {
		return "", t.execErr
	}
	return "echo: " + argString(args, "text"), nil
}

func (t *echoTool) Instruction() string { return "Use " + t.fn + " to echo." }

func (t *echoTool) EnrichPrompt(ctx context.Context, rc RequestContext, prompt, query string) (string, error) {
	return prompt + " +" + t.name, nil
}

func (t *echoTool) PostProcess(ctx context.Context, rc RequestContext, text string) (string, error) {
	return strings.ToUpper(text), nil
}

func call(fn, args string) llm.ToolCall {
	return llm.ToolCall{Function: llm.FunctionCall{Name: fn, Arguments: args}}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "echo", fn: "do_echo"})
	enabled := map[string]bool{"echo": true}
	rc := RequestContext{UserID: 1}
	ctx := context.Background()

	got := r.Execute(ctx, rc, enabled, call("do_echo", `{"text":"hi"}`))
	if got != "echo: hi" {
		t.Errorf("execute = %q", got)
	}

	got = r.Execute(ctx, rc, enabled, call("no_such_fn", "{}"))
	if !strings.HasPrefix(got, "Error: unknown tool") {
		t.Errorf("unknown function = %q", got)
	}

	got = r.Execute(ctx, rc, map[string]bool{}, call("do_echo", "{}"))
	if !strings.HasPrefix(got, "Error: tool") || !strings.Contains(got, "disabled") {
		t.Errorf("disabled tool = %q", got)
	}

	got = r.Execute(ctx, rc, enabled, call("do_echo", "{not json"))
	if !strings.Contains(got, "invalid arguments") {
		t.Errorf("bad arguments = %q", got)
	}
}

func TestRegistryExecuteFoldsErrors(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "echo", fn: "do_echo", execErr: errors.New("upstream down")})
	got := r.Execute(context.Background(), RequestContext{}, map[string]bool{"echo": true}, call("do_echo", "{}"))
	if got != "Error: upstream down" {
		t.Errorf("folded error = %q", got)
	}
}

func TestRegistryDefinitionsFilteredAndOrdered(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "beta", fn: "fn_beta"})
	r.Register(&echoTool{name: "alpha", fn: "fn_alpha"})

	defs := r.Definitions(map[string]bool{"alpha": true, "beta": true})
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	// Registration order, not alphabetical.
	if defs[0].Function.Name != "fn_beta" || defs[1].Function.Name != "fn_alpha" {
		t.Errorf("definition order = %s, %s", defs[0].Function.Name, defs[1].Function.Name)
	}

	defs = r.Definitions(map[string]bool{"alpha": true})
	if len(defs) != 1 || defs[0].Function.Name != "fn_alpha" {
		t.Errorf("filtered definitions = %+v", defs)
	}
}

func TestRegistryNamesAndKnown(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "beta", fn: "fn_beta"})
	r.Register(&echoTool{name: "alpha", fn: "fn_alpha"})

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names = %v, want sorted [alpha beta]", names)
	}
	known := r.Known()
	if !known["alpha"] || !known["beta"] || known["gamma"] {
		t.Errorf("known = %v", known)
	}
}

func TestRegistryInstructions(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "echo", fn: "do_echo"})
	r.Register(&echoTool{name: "other", fn: "do_other"})

	got := r.Instructions(map[string]bool{"echo": true, "other": true})
	want := "Use do_echo to echo.\n\nUse do_other to echo."
	if got != want {
		t.Errorf("instructions = %q, want %q", got, want)
	}
	if r.Instructions(map[string]bool{}) != "" {
		t.Error("instructions with nothing enabled should be empty")
	}
}

func TestRegistryEnrichPrompt(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "a", fn: "fn_a"})
	r.Register(&echoTool{name: "b", fn: "fn_b"})

	got := r.EnrichPrompt(context.Background(), RequestContext{}, map[string]bool{"a": true, "b": true}, "base", "q")
	if got != "base +a +b" {
		t.Errorf("enriched = %q", got)
	}
	got = r.EnrichPrompt(context.Background(), RequestContext{}, map[string]bool{"b": true}, "base", "q")
	if got != "base +b" {
		t.Errorf("enriched with a disabled = %q", got)
	}
}

func TestRegistryPostProcess(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&echoTool{name: "echo", fn: "do_echo"})

	got := r.PostProcess(context.Background(), RequestContext{}, map[string]bool{"echo": true}, "hello")
	if got != "HELLO" {
		t.Errorf("post-processed = %q", got)
	}
	got = r.PostProcess(context.Background(), RequestContext{}, map[string]bool{}, "hello")
	if got != "hello" {
		t.Errorf("post-process with tool disabled = %q", got)
	}
}

func TestFetchToolRejectedURLVerbatim(t *testing.T) {
	f := fetch.New(fetch.Config{Blocklist: []string{"internal.example.com"}, AllowPrivate: true})
	r := NewRegistry(nil)
	r.Register(NewFetchTool(f))

	got := r.Execute(context.Background(), RequestContext{}, map[string]bool{"fetch": true},
		call("url_fetch", `{"url":"https://internal.example.com/secrets"}`))
	if got != "Error: URL not permitted" {
		t.Errorf("rejected fetch result = %q, want verbatim gate text", got)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"s":     "  padded  ",
		"f":     float64(42),
		"large": float64(123456789012),
		"sid":   "987",
	}
	if got := argString(args, "s"); got != "padded" {
		t.Errorf("argString = %q", got)
	}
	if got := argString(args, "missing"); got != "" {
		t.Errorf("argString missing = %q", got)
	}
	if got := argInt(args, "f"); got != 42 {
		t.Errorf("argInt = %d", got)
	}
	if got := argInt64(args, "large"); got != 123456789012 {
		t.Errorf("argInt64 = %d", got)
	}
	if got := argInt64(args, "sid"); got != 987 {
		t.Errorf("argInt64 from string = %d", got)
	}
	if got := argInt64(args, "missing"); got != 0 {
		t.Errorf("argInt64 missing = %d", got)
	}
}
