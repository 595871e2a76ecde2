package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kestrelbot/kestrel/internal/fetch"
	"github.com/kestrelbot/kestrel/internal/llm"
)

// defaultFetchChars is the result budget when the model does not ask
// for a specific length.
const defaultFetchChars = 5000

// FetchTool lets the model read a web page.
type FetchTool struct {
	fetcher *fetch.Fetcher
}

// NewFetchTool creates the fetch tool.
func NewFetchTool(f *fetch.Fetcher) *FetchTool {
	return &FetchTool{fetcher: f}
}

func (t *FetchTool) Name() string { return "fetch" }

func (t *FetchTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        "url_fetch",
			Description: "Fetch a web page and return its readable text content. Use after web_search to read a promising result, or when the user shares a link.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch",
					},
					"method": map[string]any{
						"type":        "string",
						"description": "\"default\" for a direct request, \"jina\" to render JavaScript-heavy pages through the reader service",
					},
					"max_length": map[string]any{
						"type":        "integer",
						"description": "Maximum characters of extracted text (default 5000)",
					},
				},
				"required": []string{"url"},
			},
		},
	}}
}

func (t *FetchTool) Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error) {
	if fn != "url_fetch" {
		return "", fmt.Errorf("unknown function %q", fn)
	}
	rawURL := argString(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("url_fetch: url is required")
	}
	maxChars := argInt(args, "max_length")
	if maxChars <= 0 {
		maxChars = defaultFetchChars
	}

	var (
		res *fetch.Result
		err error
	)
	if argString(args, "method") == "jina" {
		res, err = t.fetcher.FetchReader(ctx, rawURL, maxChars)
	} else {
		res, err = t.fetcher.Fetch(ctx, rawURL, maxChars)
	}
	if err != nil {
		// The gate's verdict goes back to the model verbatim so it can
		// tell the user the address is off limits.
		if errors.Is(err, fetch.ErrNotPermitted) {
			return "", fetch.ErrNotPermitted
		}
		return "", err
	}

	var b strings.Builder
	if res.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", res.Title)
	}
	fmt.Fprintf(&b, "URL: %s\n\n", res.URL)
	b.WriteString(res.Content)
	if res.Truncated {
		b.WriteString("…")
	}
	return b.String(), nil
}
