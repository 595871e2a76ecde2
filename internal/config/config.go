// Package config handles Kestrel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kestrel/config.yaml, /etc/kestrel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kestrel", "config.yaml"))
	}

	paths = append(paths, "/etc/kestrel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path (no error) when nothing was found; Kestrel can run
// entirely from environment variables.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all Kestrel configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Database   DatabaseConfig   `yaml:"database"`
	Listen     ListenConfig     `yaml:"listen"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Tools      ToolsConfig      `yaml:"tools"`
	Search     SearchConfig     `yaml:"search"`
	Fetch      FetchConfig      `yaml:"fetch"`
	TTS        TTSConfig        `yaml:"tts"`
	LogLevel   string           `yaml:"log_level"`
}

// TelegramConfig defines the bot transport settings.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// APIBase overrides the Bot API server, for self-hosted instances.
	APIBase string `yaml:"api_base"`
}

// Configured reports whether a bot token is set.
func (c TelegramConfig) Configured() bool { return c.Token != "" }

// DatabaseConfig defines the SQLite database location.
type DatabaseConfig struct {
	// URL is a filesystem path or file: URL for the SQLite database.
	URL string `yaml:"url"`
}

// ListenConfig defines the health endpoint server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the default OpenAI-compatible back end. Users may
// override api_key, base_url, and model per user via /set.
type LLMConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// EmbeddingsConfig defines the embedding provider.
type EmbeddingsConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Configured reports whether the embedding provider is usable.
func (c EmbeddingsConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// MemoryConfig defines semantic memory thresholds.
type MemoryConfig struct {
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	DedupThreshold      float64 `yaml:"dedup_threshold"`
}

// ToolsConfig defines the default tool enablement.
type ToolsConfig struct {
	// Enabled is a comma-separated list of tool names enabled for new users.
	Enabled string `yaml:"enabled"`
}

// EnabledSet returns the enabled tool names as a set.
func (c ToolsConfig) EnabledSet() map[string]bool {
	set := make(map[string]bool)
	for _, name := range strings.Split(c.Enabled, ",") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = true
		}
	}
	return set
}

// SearchConfig defines web search providers.
type SearchConfig struct {
	Browserless BrowserlessConfig  `yaml:"browserless"`
	Ollama      OllamaSearchConfig `yaml:"ollama"`
}

// BrowserlessConfig defines the browserless.io search provider.
type BrowserlessConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether a browserless token is set.
func (c BrowserlessConfig) Configured() bool { return c.Token != "" }

// OllamaSearchConfig defines the Ollama web search provider.
type OllamaSearchConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether an Ollama search key is set.
func (c OllamaSearchConfig) Configured() bool { return c.APIKey != "" }

// FetchConfig defines the URL fetch tool settings.
type FetchConfig struct {
	// JinaAPIKey enables the Jina reader mode for url_fetch.
	JinaAPIKey string `yaml:"jina_api_key"`
	// Blocklist is a comma-separated list of hostnames url_fetch must
	// refuse even when they resolve publicly.
	Blocklist string `yaml:"blocklist"`
}

// BlocklistHosts returns the blocklisted hostnames as a slice.
func (c FetchConfig) BlocklistHosts() []string {
	var out []string
	for _, host := range strings.Split(c.Blocklist, ",") {
		if host = strings.TrimSpace(host); host != "" {
			out = append(out, host)
		}
	}
	return out
}

// TTSConfig defines the text-to-speech provider.
type TTSConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Voice    string `yaml:"voice"`
	Style    string `yaml:"style"`
}

// Configured reports whether the TTS provider is usable.
func (c TTSConfig) Configured() bool { return c.Endpoint != "" }

// Load reads configuration from a YAML file over the environment
// defaults. Environment variable references in the file are expanded
// before unmarshalling.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration populated from the environment.
// Every value can also be set in the YAML file; the file wins.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Token:   os.Getenv("TELEGRAM_BOT_TOKEN"),
			APIBase: envOr("TELEGRAM_API_BASE", "https://api.telegram.org"),
		},
		Database: DatabaseConfig{
			URL: envOr("DATABASE_URL", "kestrel.db"),
		},
		Listen: ListenConfig{
			Port: envInt("PORT", 8080),
		},
		LLM: LLMConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			BaseURL:      envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:        envOr("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:  envFloat("OPENAI_TEMPERATURE", 0.7),
			SystemPrompt: envOr("OPENAI_SYSTEM_PROMPT", "You are a helpful assistant."),
		},
		Embeddings: EmbeddingsConfig{
			APIKey:  os.Getenv("EMBEDDING_API_KEY"),
			BaseURL: envOr("EMBEDDING_BASE_URL", "https://integrate.api.nvidia.com/v1"),
			Model:   envOr("EMBEDDING_MODEL", "baai/bge-m3"),
		},
		Memory: MemoryConfig{
			TopK:                envInt("MEMORY_TOP_K", 10),
			SimilarityThreshold: envFloat("MEMORY_SIMILARITY_THRESHOLD", 0.35),
			DedupThreshold:      envFloat("MEMORY_DEDUP_THRESHOLD", 0.85),
		},
		Tools: ToolsConfig{
			Enabled: envOr("ENABLED_TOOLS", "memory,search,fetch,wikipedia,tts"),
		},
		Search: SearchConfig{
			Browserless: BrowserlessConfig{
				Token:   os.Getenv("BROWSERLESS_TOKEN"),
				BaseURL: envOr("BROWSERLESS_BASE_URL", "https://production-sfo.browserless.io"),
			},
			Ollama: OllamaSearchConfig{
				BaseURL: envOr("OLLAMA_SEARCH_BASE_URL", "https://ollama.com"),
				APIKey:  os.Getenv("OLLAMA_SEARCH_API_KEY"),
			},
		},
		Fetch: FetchConfig{
			JinaAPIKey: os.Getenv("JINA_API_KEY"),
			Blocklist:  os.Getenv("FETCH_BLOCKLIST"),
		},
		TTS: TTSConfig{
			Endpoint: os.Getenv("TTS_ENDPOINT"),
			APIKey:   os.Getenv("TTS_API_KEY"),
			Voice:    os.Getenv("TTS_VOICE"),
			Style:    os.Getenv("TTS_STYLE"),
		},
		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
