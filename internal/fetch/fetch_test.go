package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestFetcher() *Fetcher {
	// httptest servers listen on loopback, which the address guard
	// would otherwise reject.
	return New(Config{AllowPrivate: true})
}

func TestExtractHTML(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head><title>Test Page</title></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<style>.foo { color: red; }</style>
<main>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<p>Second paragraph.</p>
</main>
<footer>Footer stuff</footer>
</body>
</html>`

	title, content := extractHTML(html)

	if title != "Test Page" {
		t.Errorf("expected title 'Test Page', got %q", title)
	}
	if !strings.Contains(content, "Hello World") {
		t.Errorf("expected content to contain 'Hello World', got %q", content)
	}
	if !strings.Contains(content, "bold text") {
		t.Errorf("expected content to contain 'bold text', got %q", content)
	}
	if strings.Contains(content, "var x = 1") {
		t.Error("content should not contain script text")
	}
	if strings.Contains(content, "Navigation stuff") {
		t.Error("content should not contain nav text")
	}
	if strings.Contains(content, "Footer stuff") {
		t.Error("content should not contain footer text")
	}
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		if !strings.HasPrefix(ua, "kestrel/") {
			t.Errorf("expected kestrel User-Agent, got %q", ua)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p></body></html>`))
	}))
	defer ts.Close()

	f := newTestFetcher()
	result, err := f.Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if result.Title != "Test" {
		t.Errorf("expected title 'Test', got %q", result.Title)
	}
	if !strings.Contains(result.Content, "Hello from test server") {
		t.Errorf("expected content to contain 'Hello from test server', got %q", result.Content)
	}
	if result.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", result.StatusCode)
	}
}

func TestFetchPlainText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Just plain text content"))
	}))
	defer ts.Close()

	f := newTestFetcher()
	result, err := f.Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if result.Content != "Just plain text content" {
		t.Errorf("expected plain text content, got %q", result.Content)
	}
}

func TestFetchTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer ts.Close()

	f := newTestFetcher()
	result, err := f.Fetch(context.Background(), ts.URL, 100)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if !result.Truncated {
		t.Error("expected truncated=true")
	}
	if result.Length > 100 {
		t.Errorf("expected length <= 100, got %d", result.Length)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, target.URL+"/end", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("arrived"))
	}))
	defer target.Close()

	f := newTestFetcher()
	result, err := f.Fetch(context.Background(), target.URL+"/start", 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Content != "arrived" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestFetchRedirectLoop(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer ts.Close()

	f := newTestFetcher()
	if _, err := f.Fetch(context.Background(), ts.URL, 0); err == nil {
		t.Error("expected error for redirect loop")
	}
}

func TestFetchURLNormalization(t *testing.T) {
	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), "", 0)
	if err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestCheckURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://example.com/page", false},
		{"loopback ip", "http://127.0.0.1/admin", true},
		{"localhost", "http://localhost:8080/", true},
		{"local suffix", "http://printer.local/", true},
		{"local suffix upper", "http://NAS.LOCAL/share", true},
		{"private ip", "http://10.0.0.5/", true},
		{"bracketed loopback literal", "http://[::1]/", true},
		{"metadata address", "http://169.254.169.254/latest/meta-data/", true},
		{"unspecified", "http://0.0.0.0/", true},
		{"file scheme", "file:///etc/passwd", true},
		{"ftp scheme", "ftp://example.com/", true},
		{"no host", "http:///path", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkURL(tc.url, nil, false)
			if tc.wantErr && err == nil {
				t.Errorf("checkURL(%q) = nil, want error", tc.url)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("checkURL(%q) = %v, want nil", tc.url, err)
			}
		})
	}
}

func TestCheckURLBlocklist(t *testing.T) {
	blocklist := []string{"internal.example.com", "Vault.Example.Com"}
	if err := checkURL("https://internal.example.com/secrets", blocklist, true); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("blocklisted host err = %v, want ErrNotPermitted", err)
	}
	if err := checkURL("https://vault.example.com/", blocklist, true); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("case-insensitive blocklist err = %v, want ErrNotPermitted", err)
	}
	if err := checkURL("https://public.example.com/", blocklist, true); err != nil {
		t.Errorf("unblocked host err = %v, want nil", err)
	}
}

func TestCheckURLRejectionsWrapSentinel(t *testing.T) {
	for _, u := range []string{
		"ftp://example.com/",
		"http://localhost/",
		"http://printer.local/",
		"http://127.0.0.1/",
	} {
		if err := checkURL(u, nil, false); !errors.Is(err, ErrNotPermitted) {
			t.Errorf("checkURL(%q) = %v, want ErrNotPermitted", u, err)
		}
	}
}

func TestFetchJinaFallback(t *testing.T) {
	jina := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer jina-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("reader content"))
	}))
	defer jina.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer broken.Close()

	f := New(Config{AllowPrivate: true, JinaAPIKey: "jina-key", JinaBaseURL: jina.URL})
	result, err := f.Fetch(context.Background(), broken.URL, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Content != "reader content" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestCleanWhitespace(t *testing.T) {
	input := "  Hello   world  \n\n\n\n  Second line  \n\n\n Third  "
	got := cleanWhitespace(input)
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("should not have triple newlines: %q", got)
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "Héllo wörld café"
	truncated := truncateUTF8(s, 5)
	if len([]rune(truncated)) > 5 {
		t.Errorf("expected at most 5 runes, got %d: %q", len([]rune(truncated)), truncated)
	}
}
