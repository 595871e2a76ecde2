// Kestrel is a Telegram chat assistant backed by any OpenAI-compatible
// model provider.
//
// It long-polls the Telegram Bot API, streams model replies into the
// chat as they are generated, and keeps per-user state (settings,
// personas, sessions, memories) in SQLite behind a write-back cache.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]) with environment
// variables as the fallback for every key.
//
// Usage:
//
//	kestrel                  Start the bot
//	kestrel -config <path>   Start with an explicit config file
//	kestrel version          Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelbot/kestrel/internal/bot"
	"github.com/kestrelbot/kestrel/internal/buildinfo"
	"github.com/kestrelbot/kestrel/internal/cache"
	"github.com/kestrelbot/kestrel/internal/chat"
	"github.com/kestrelbot/kestrel/internal/commands"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/embeddings"
	"github.com/kestrelbot/kestrel/internal/fetch"
	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/memory"
	"github.com/kestrelbot/kestrel/internal/search"
	"github.com/kestrelbot/kestrel/internal/services"
	"github.com/kestrelbot/kestrel/internal/store"
	"github.com/kestrelbot/kestrel/internal/telegram"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/internal/tts"
	"github.com/kestrelbot/kestrel/internal/web"
	"github.com/kestrelbot/kestrel/internal/wikipedia"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies come in as
// parameters so the startup-to-shutdown lifecycle can be driven from
// tests.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			fmt.Fprintln(stdout, "usage: kestrel [-config path] [version]")
			return nil
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		}
	}

	if command == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	var cfg *config.Config
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		cfg = config.Default()
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)
	logger.Info("kestrel starting", "version", buildinfo.Version, "config", path)

	if !cfg.Telegram.Configured() {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: SQLite behind the write-back cache.
	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	c := cache.New(st, cache.Defaults{
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		SystemPrompt: cfg.LLM.SystemPrompt,
		EnabledTools: cfg.Tools.Enabled,
		TTSVoice:     cfg.TTS.Voice,
		TTSStyle:     cfg.TTS.Style,
	}, logger)
	syncer := cache.NewSyncer(c, cache.DefaultSyncInterval, logger)

	embedder := embeddings.New(embeddings.Config{
		APIKey:  cfg.Embeddings.APIKey,
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
	mem := memory.New(c, embedder, memory.Config{
		TopK:                cfg.Memory.TopK,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		DedupThreshold:      cfg.Memory.DedupThreshold,
	}, logger)
	svc := services.New(c, mem, logger)

	llmClient := llm.New()

	// Tools. Registration order fixes the order of prompt
	// instructions and enrichment hooks.
	registry := tools.NewRegistry(logger)
	registry.Register(tools.NewMemoryTool(mem))

	searchMgr := search.NewManager(searchPrimary(cfg))
	if cfg.Search.Browserless.Configured() {
		searchMgr.Register(search.NewBrowserless(cfg.Search.Browserless.Token, cfg.Search.Browserless.BaseURL))
	}
	if cfg.Search.Ollama.Configured() {
		searchMgr.Register(search.NewOllama(cfg.Search.Ollama.APIKey, cfg.Search.Ollama.BaseURL))
	}
	registry.Register(tools.NewSearchTool(searchMgr))

	fetcher := fetch.New(fetch.Config{
		JinaAPIKey: cfg.Fetch.JinaAPIKey,
		Blocklist:  cfg.Fetch.BlocklistHosts(),
	})
	registry.Register(tools.NewFetchTool(fetcher))
	registry.Register(tools.NewWikipediaTool(wikipedia.New("en")))

	ttsClient := tts.New(tts.Config{
		APIKey:  cfg.TTS.APIKey,
		BaseURL: cfg.TTS.Endpoint,
	})
	voiceQueue := tts.NewQueue()
	registry.Register(tools.NewTTSTool(ttsClient, voiceQueue, svc))

	tg := telegram.New(cfg.Telegram.Token, cfg.Telegram.APIBase, logger)

	defaults := chat.Defaults{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		SystemPrompt: cfg.LLM.SystemPrompt,
	}
	pipeline := chat.New(svc, llmClient, registry, voiceQueue, tg, defaults, logger)
	cmds := commands.New(svc, llmClient, registry, pipeline, tg, defaults, logger)
	b := bot.New(tg, pipeline, cmds, logger)

	statusAddr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	statusSrv := web.NewServer(statusAddr, syncer, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusSrv.Start(); err != nil {
			logger.Error("status server failed", "error", err)
		}
	}()

	// The syncer outlives the poll context: it is cancelled only after
	// the bot has drained its in-flight turns, so the final sync cycle
	// sees every write.
	syncCtx, stopSync := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		syncer.Run(syncCtx)
	}()

	err = b.Run(ctx)
	stopSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := statusSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("status server shutdown failed", "error", serr)
	}
	wg.Wait()

	logger.Info("kestrel stopped")
	return err
}

// searchPrimary picks the first configured provider as the manager's
// preferred backend.
func searchPrimary(cfg *config.Config) string {
	if cfg.Search.Browserless.Configured() {
		return "browserless"
	}
	return "ollama"
}
