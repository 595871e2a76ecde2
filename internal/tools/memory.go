package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/memory"
)

// MemoryTool lets the model save and recall long-term facts about the
// user. It also post-processes replies: memories the model emitted as
// inline tags (the fallback for providers without tool calling) are
// extracted, saved, and stripped from the visible text.
type MemoryTool struct {
	svc *memory.Service
}

// NewMemoryTool creates the memory tool.
func NewMemoryTool(svc *memory.Service) *MemoryTool {
	return &MemoryTool{svc: svc}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        "save_memory",
				Description: "Save a lasting fact about the user for future conversations. Use for stable preferences, background, and important context, not transient chit-chat.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The fact to remember, phrased as a short standalone sentence",
						},
					},
					"required": []string{"content"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        "list_memories",
				Description: "List everything currently remembered about the user, with ids.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        "delete_memory",
				Description: "Delete one remembered fact by its id.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "integer",
							"description": "The memory id from list_memories",
						},
					},
					"required": []string{"id"},
				},
			},
		},
	}
}

func (t *MemoryTool) Instruction() string {
	return "You have a long-term memory. When the user shares a lasting fact " +
		"about themselves (their name, preferences, work, circumstances), save " +
		"it with save_memory. When the user asks you to forget something, find " +
		"it with list_memories and remove it with delete_memory. If tool calls " +
		"are unavailable, you may instead emit [MEMORY: the fact] inline and it " +
		"will be saved and stripped from your reply."
}

// EnrichPrompt injects the memories relevant to the user's message
// into the system prompt.
func (t *MemoryTool) EnrichPrompt(ctx context.Context, rc RequestContext, prompt, query string) (string, error) {
	block, err := t.svc.FormatForPrompt(ctx, rc.UserID, query)
	if err != nil {
		return prompt, fmt.Errorf("memory retrieval: %w", err)
	}
	if block == "" {
		return prompt, nil
	}
	return prompt + "\n\n" + block, nil
}

func (t *MemoryTool) Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error) {
	switch fn {
	case "save_memory":
		content := argString(args, "content")
		if content == "" {
			return "", fmt.Errorf("save_memory: content is required")
		}
		if _, err := t.svc.Add(ctx, rc.UserID, content, "ai"); err != nil {
			return "", fmt.Errorf("save_memory: %w", err)
		}
		return "Memory saved.", nil

	case "list_memories":
		mems, err := t.svc.List(ctx, rc.UserID)
		if err != nil {
			return "", fmt.Errorf("list_memories: %w", err)
		}
		if len(mems) == 0 {
			return "No memories stored.", nil
		}
		var b strings.Builder
		for _, m := range mems {
			fmt.Fprintf(&b, "[%d] %s\n", m.ID, m.Content)
		}
		return strings.TrimSpace(b.String()), nil

	case "delete_memory":
		id := argInt64(args, "id")
		if id == 0 {
			return "", fmt.Errorf("delete_memory: id is required")
		}
		if err := t.svc.Delete(ctx, rc.UserID, id); err != nil {
			return "", fmt.Errorf("delete_memory: %w", err)
		}
		return "Memory deleted.", nil
	}
	return "", fmt.Errorf("unknown function %q", fn)
}

// PostProcess saves tagged memories from the reply text and returns
// the text with the tags removed.
func (t *MemoryTool) PostProcess(ctx context.Context, rc RequestContext, text string) (string, error) {
	clean, found := memory.ExtractTagged(text)
	for _, content := range found {
		if _, err := t.svc.Add(ctx, rc.UserID, content, "ai"); err != nil {
			return clean, fmt.Errorf("save tagged memory: %w", err)
		}
	}
	return clean, nil
}
