// Package wikipedia is a thin client for the Wikipedia search and
// page summary APIs. No credentials are required, which makes it the
// one lookup tool that always works out of the box.
package wikipedia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelbot/kestrel/internal/httpkit"
)

// Summary is one article abstract.
type Summary struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	URL     string `json:"url"`
}

// Client queries a Wikipedia instance. Language selects the
// subdomain, default "en".
type Client struct {
	language   string
	httpClient *http.Client
}

// New creates a client for the given language edition.
func New(language string) *Client {
	if language == "" {
		language = "en"
	}
	return &Client{
		language: language,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
	}
}

func (c *Client) host(language string) string {
	if language == "" {
		language = c.language
	}
	return "https://" + language + ".wikipedia.org"
}

// Search finds article titles matching the query.
func (c *Client) Search(ctx context.Context, query, language string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {strconv.Itoa(limit)},
		"format":   {"json"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.host(language)+"/w/api.php?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("wikipedia: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikipedia: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikipedia: HTTP %d", resp.StatusCode)
	}

	var sr struct {
		Query struct {
			Search []struct {
				Title string `json:"title"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("wikipedia: decode response: %w", err)
	}

	titles := make([]string, 0, len(sr.Query.Search))
	for _, s := range sr.Query.Search {
		titles = append(titles, s.Title)
	}
	return titles, nil
}

// Summary fetches the abstract of one article by title.
func (c *Client) Summary(ctx context.Context, title, language string) (*Summary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.host(language)+"/api/rest_v1/page/summary/"+url.PathEscape(title), nil)
	if err != nil {
		return nil, fmt.Errorf("wikipedia: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikipedia: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("wikipedia: no article named %q", title)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikipedia: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Title        string `json:"title"`
		Extract      string `json:"extract"`
		ContentURLs  struct {
			Desktop struct {
				Page string `json:"page"`
			} `json:"desktop"`
		} `json:"content_urls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("wikipedia: decode response: %w", err)
	}

	return &Summary{
		Title:   body.Title,
		Extract: strings.TrimSpace(body.Extract),
		URL:     body.ContentURLs.Desktop.Page,
	}, nil
}

// Lookup searches for the query and returns the summary of the best
// match. This is the operation the model actually wants most times.
func (c *Client) Lookup(ctx context.Context, query, language string) (*Summary, error) {
	titles, err := c.Search(ctx, query, language, 1)
	if err != nil {
		return nil, err
	}
	if len(titles) == 0 {
		return nil, fmt.Errorf("wikipedia: no results for %q", query)
	}
	return c.Summary(ctx, titles[0], language)
}
