package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/wikipedia"
)

// WikipediaTool looks up encyclopedia articles.
type WikipediaTool struct {
	client *wikipedia.Client
}

// NewWikipediaTool creates the wikipedia tool.
func NewWikipediaTool(c *wikipedia.Client) *WikipediaTool {
	return &WikipediaTool{client: c}
}

func (t *WikipediaTool) Name() string { return "wikipedia" }

func (t *WikipediaTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        "wikipedia_search",
			Description: "Look up a topic on Wikipedia and return the article summary. Good for people, places, concepts, and historical facts.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The topic to look up",
					},
					"language": map[string]any{
						"type":        "string",
						"description": "ISO 639-1 language code of the Wikipedia edition (default en)",
					},
				},
				"required": []string{"query"},
			},
		},
	}}
}

func (t *WikipediaTool) Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error) {
	if fn != "wikipedia_search" {
		return "", fmt.Errorf("unknown function %q", fn)
	}
	query := argString(args, "query")
	if query == "" {
		return "", fmt.Errorf("wikipedia_search: query is required")
	}

	sum, err := t.client.Lookup(ctx, query, argString(args, "language"))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(sum.Title)
	if sum.URL != "" {
		fmt.Fprintf(&b, "\n%s", sum.URL)
	}
	if sum.Extract != "" {
		fmt.Fprintf(&b, "\n\n%s", sum.Extract)
	}
	return b.String(), nil
}
