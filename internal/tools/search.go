package tools

import (
	"context"
	"fmt"

	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/search"
)

// maxSearchResults caps what the model may request per call.
const maxSearchResults = 10

// SearchTool exposes web search to the model.
type SearchTool struct {
	mgr *search.Manager
}

// NewSearchTool creates the search tool.
func NewSearchTool(mgr *search.Manager) *SearchTool {
	return &SearchTool{mgr: mgr}
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        "web_search",
			Description: "Search the web. Use for current events, facts you are unsure about, and anything after your knowledge cutoff.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"provider": map[string]any{
						"type":        "string",
						"description": "Search backend to use, or \"all\" to merge every configured backend (default: automatic)",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results, up to 10 (default 5)",
					},
				},
				"required": []string{"query"},
			},
		},
	}}
}

func (t *SearchTool) Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error) {
	if fn != "web_search" {
		return "", fmt.Errorf("unknown function %q", fn)
	}
	query := argString(args, "query")
	if query == "" {
		return "", fmt.Errorf("web_search: query is required")
	}
	count := argInt(args, "max_results")
	if count > maxSearchResults {
		count = maxSearchResults
	}
	opts := search.Options{Count: count}

	var (
		results []search.Result
		err     error
	)
	switch provider := argString(args, "provider"); provider {
	case "", "auto":
		results, err = t.mgr.Search(ctx, query, opts)
	case "all":
		results, err = t.searchAll(ctx, query, opts)
	default:
		results, err = t.mgr.SearchWith(ctx, provider, query, opts)
	}
	if err != nil {
		return "", fmt.Errorf("web_search: %w", err)
	}
	return search.FormatResults(results, count), nil
}

// searchAll merges results from every configured provider, deduped by
// URL in provider registration order.
func (t *SearchTool) searchAll(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	var (
		merged  []search.Result
		seen    = make(map[string]bool)
		lastErr error
	)
	for _, name := range t.mgr.Providers() {
		results, err := t.mgr.SearchWith(ctx, name, query, opts)
		if err != nil {
			lastErr = err
			continue
		}
		for _, r := range results {
			if r.URL != "" && seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			merged = append(merged, r)
		}
	}
	if len(merged) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return merged, nil
}
