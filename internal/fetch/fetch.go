// Package fetch provides web page fetching and content extraction.
// It downloads a URL's HTML and extracts readable text content,
// stripping navigation, ads, and other boilerplate. Requests are
// restricted to public addresses so the model cannot be steered into
// internal networks.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kestrelbot/kestrel/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (2 MiB).
const DefaultMaxBytes int64 = 2 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
const DefaultMaxChars = 50000

// maxRedirects bounds the manual redirect chain. Every hop is
// re-validated against the address guard.
const maxRedirects = 5

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Config tunes the fetcher. The Jina reader is an optional fallback
// for pages that do not yield useful text over a direct fetch.
type Config struct {
	JinaAPIKey  string
	JinaBaseURL string // default "https://r.jina.ai"
	// Blocklist lists hostnames the gate refuses outright, in addition
	// to the built-in address checks.
	Blocklist    []string
	AllowPrivate bool // tests only
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	cfg      Config
	maxBytes int64
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.JinaBaseURL == "" {
		cfg.JinaBaseURL = "https://r.jina.ai"
	}
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(DefaultTimeout),
		httpkit.WithoutRedirects(),
	}
	if !cfg.AllowPrivate {
		opts = append(opts, httpkit.WithTransport(guardedTransport()))
	}
	return &Fetcher{
		client:   httpkit.NewClient(opts...),
		cfg:      cfg,
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads the URL and extracts readable text content.
// maxChars limits the output length; 0 uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("web_fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	// Gate before any path is tried so a rejected URL is never fetched
	// through the reader proxy either.
	if err := checkURL(rawURL, f.cfg.Blocklist, f.cfg.AllowPrivate); err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}

	res, err := f.fetchDirect(ctx, rawURL, maxChars)
	if err == nil && res.StatusCode < 400 && strings.TrimSpace(res.Content) != "" {
		return res, nil
	}
	if f.cfg.JinaAPIKey != "" {
		if jres, jerr := f.fetchViaJina(ctx, rawURL, maxChars); jerr == nil {
			return jres, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Fetcher) fetchDirect(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	current := rawURL
	var resp *http.Response
	for hop := 0; ; hop++ {
		if err := checkURL(current, f.cfg.Blocklist, f.cfg.AllowPrivate); err != nil {
			return nil, fmt.Errorf("web_fetch: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("web_fetch: invalid url: %w", err)
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err = f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("web_fetch: request failed: %w", err)
		}

		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			break
		}
		loc := resp.Header.Get("Location")
		httpkit.DrainAndClose(resp.Body, 4096)
		if loc == "" || hop >= maxRedirects {
			return nil, fmt.Errorf("web_fetch: too many redirects fetching %s", rawURL)
		}
		next, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("web_fetch: bad redirect target: %w", err)
		}
		current = next.String()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("web_fetch: failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")

	var title, content string
	switch {
	case isHTML(contentType):
		title, content = extractHTML(string(body))
	case isPlainText(contentType):
		content = string(body)
	default:
		if utf8.Valid(body) {
			content = string(body)
		} else {
			return &Result{
				URL:         rawURL,
				ContentType: contentType,
				StatusCode:  resp.StatusCode,
				Content:     fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body)),
				Length:      len(body),
			}, nil
		}
	}

	truncated := false
	if len(content) > maxChars {
		content = truncateUTF8(content, maxChars)
		truncated = true
	}

	return &Result{
		URL:         rawURL,
		Title:       title,
		Content:     content,
		ContentType: contentType,
		Truncated:   truncated,
		Length:      len(content),
		StatusCode:  resp.StatusCode,
	}, nil
}

// FetchReader reads the URL through the reader service without trying
// a direct request first. Useful for pages that need JavaScript.
func (f *Fetcher) FetchReader(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("web_fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if f.cfg.JinaAPIKey == "" {
		return nil, fmt.Errorf("web_fetch: reader mode is not configured")
	}
	if err := checkURL(rawURL, f.cfg.Blocklist, f.cfg.AllowPrivate); err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	return f.fetchViaJina(ctx, rawURL, maxChars)
}

// fetchViaJina reads the page through the Jina reader, which renders
// JavaScript-heavy pages and returns plain text.
func (f *Fetcher) fetchViaJina(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.cfg.JinaBaseURL+"/"+rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jina reader: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.JinaAPIKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jina reader: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("jina reader: HTTP %d: %s", resp.StatusCode, errBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("jina reader: read response: %w", err)
	}

	content := string(body)
	truncated := false
	if len(content) > maxChars {
		content = truncateUTF8(content, maxChars)
		truncated = true
	}
	return &Result{
		URL:         rawURL,
		Content:     content,
		ContentType: "text/plain",
		Truncated:   truncated,
		Length:      len(content),
		StatusCode:  resp.StatusCode,
	}, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// truncateUTF8 truncates a string to maxChars, ensuring it doesn't
// break in the middle of a multi-byte character.
func truncateUTF8(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
