// Package tts synthesizes speech through an OpenAI-compatible audio
// endpoint. Synthesis requests are serialized per user so a burst of
// voice replies arrives in order instead of interleaved.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/internal/httpkit"
)

// DefaultVoice is used when the user has not picked one.
const DefaultVoice = "alloy"

// maxInputChars bounds how much text a single synthesis request may
// carry; providers reject very long inputs.
const maxInputChars = 4096

// Config for the speech client.
type Config struct {
	APIKey  string
	BaseURL string // e.g. "https://api.openai.com/v1"
	Model   string // e.g. "gpt-4o-mini-tts"
}

// Client synthesizes speech.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu    sync.Mutex
	users map[int64]*sync.Mutex
}

// New creates a speech client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini-tts"
	}
	return &Client{
		cfg: cfg,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(60 * time.Second),
		),
		users: make(map[int64]*sync.Mutex),
	}
}

// Configured reports whether the provider can be called.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.BaseURL != ""
}

// userLock returns the per-user serialization lock.
func (c *Client) userLock(userID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.users[userID]
	if !ok {
		l = &sync.Mutex{}
		c.users[userID] = l
	}
	return l
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	Instructions   string `json:"instructions,omitempty"`
	ResponseFormat string `json:"response_format"`
}

// Options override per-request synthesis parameters.
type Options struct {
	Voice    string
	Style    string
	Endpoint string // overrides the configured base URL
}

// Synthesize renders text to OGG/Opus audio for one user. Calls for
// the same user run one at a time.
func (c *Client) Synthesize(ctx context.Context, userID int64, text string, opts Options) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("tts: empty input")
	}
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = c.cfg.BaseURL
	}

	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	body, err := json.Marshal(speechRequest{
		Model:          c.cfg.Model,
		Voice:          voice,
		Input:          text,
		Instructions:   opts.Style,
		ResponseFormat: "opus",
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(endpoint, "/")+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("tts: HTTP %d: %s", resp.StatusCode, errBody)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 25*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts: provider returned no audio")
	}
	return audio, nil
}
