package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kestrelbot/kestrel/internal/httpkit"
)

// Browserless implements the Provider interface by rendering a
// DuckDuckGo results page through a browserless instance and scraping
// the result list. Useful when no API-based provider is available.
type Browserless struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewBrowserless creates a browserless-backed search provider.
func NewBrowserless(token, baseURL string) *Browserless {
	if baseURL == "" {
		baseURL = "https://production-sfo.browserless.io"
	}
	return &Browserless{
		token:   token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpkit.NewClient(
			// Rendering a page takes noticeably longer than an API call.
			httpkit.WithTimeout(45 * time.Second),
		),
	}
}

func (b *Browserless) Name() string { return "browserless" }

type browserlessContentRequest struct {
	URL string `json:"url"`
}

func (b *Browserless) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.Count
	if count == 0 {
		count = 5
	}

	target := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	body, err := json.Marshal(browserlessContentRequest{URL: target})
	if err != nil {
		return nil, fmt.Errorf("browserless: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/content?token="+url.QueryEscape(b.token), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("browserless: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browserless: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("browserless: HTTP %d: %s", resp.StatusCode, errBody)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("browserless: parse page: %w", err)
	}

	results := parseDuckDuckGo(doc)
	if len(results) > count {
		results = results[:count]
	}
	return results, nil
}

// parseDuckDuckGo pulls results out of the DuckDuckGo HTML endpoint:
// anchors classed result__a carry title and link, result__snippet the
// description.
func parseDuckDuckGo(doc *html.Node) []Result {
	var results []Result
	var current *Result

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.A && hasClass(n, "result__a"):
				if current != nil {
					results = append(results, *current)
				}
				current = &Result{
					Title: strings.TrimSpace(textContent(n)),
					URL:   resolveDuckDuckGoHref(attr(n, "href")),
				}
			case hasClass(n, "result__snippet"):
				if current != nil && current.Snippet == "" {
					current.Snippet = strings.TrimSpace(textContent(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if current != nil {
		results = append(results, *current)
	}

	kept := results[:0]
	for _, r := range results {
		if r.Title != "" && r.URL != "" {
			kept = append(kept, r)
		}
	}
	return kept
}

// resolveDuckDuckGoHref unwraps the /l/?uddg= redirect DuckDuckGo
// wraps result links in.
func resolveDuckDuckGoHref(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
