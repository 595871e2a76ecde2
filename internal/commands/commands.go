// Package commands implements the slash-command surface: settings,
// personas, sessions, memories, usage, and export. Commands are thin
// wrappers over the services facade; the one error class shown to the
// user verbatim is a precondition violation, everything else collapses
// to the generic failure text.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrelbot/kestrel/internal/chat"
	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/services"
	"github.com/kestrelbot/kestrel/internal/telegram"
	"github.com/kestrelbot/kestrel/internal/tools"
)

// Sender is the transport slice commands need.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int64, error)
	SendDocument(ctx context.Context, chatID int64, filename string, data []byte) error
}

// Handler dispatches slash commands.
type Handler struct {
	svc      *services.Services
	llm      *llm.Client
	registry *tools.Registry
	pipeline *chat.Pipeline
	tg       Sender
	defaults chat.Defaults
	logger   *slog.Logger
}

// New creates the command handler.
func New(svc *services.Services, client *llm.Client, registry *tools.Registry, pipeline *chat.Pipeline, tg Sender, defaults chat.Defaults, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:      svc,
		llm:      client,
		registry: registry,
		pipeline: pipeline,
		tg:       tg,
		defaults: defaults,
		logger:   logger.With("component", "commands"),
	}
}

// Parse splits a message into command and argument line. The bot
// username suffix Telegram adds in groups ("/help@kestrelbot") is
// stripped when it matches.
func Parse(text, botUsername string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, args, _ = strings.Cut(text[1:], " ")
	if name, at, found := strings.Cut(cmd, "@"); found {
		if botUsername != "" && !strings.EqualFold(at, botUsername) {
			return "", "", false
		}
		cmd = name
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), cmd != ""
}

// Handle runs one command. Unknown commands get a hint instead of
// silence so typos are discoverable.
func (h *Handler) Handle(ctx context.Context, userID, chatID, messageID int64, cmd, args string) {
	var out string
	var err error

	switch cmd {
	case "start":
		out = startText
	case "help":
		out = helpText
	case "clear":
		if err = h.svc.ClearConversation(ctx, userID); err == nil {
			out = "Conversation cleared."
		}
	case "retry":
		if err = h.pipeline.Retry(ctx, userID, chatID, messageID); err != nil {
			out = userMessage(err)
			err = nil
		}
	case "settings":
		out, err = h.settingsText(ctx, userID)
	case "set":
		out, err = h.set(ctx, userID, args)
	case "persona":
		out, err = h.persona(ctx, userID, args)
	case "chat":
		out, err = h.session(ctx, userID, args)
	case "remember":
		out, err = h.remember(ctx, userID, args)
	case "memories":
		out, err = h.listMemories(ctx, userID)
	case "forget":
		out, err = h.forget(ctx, userID, args)
	case "usage":
		out, err = h.usage(ctx, userID)
	case "export":
		out, err = h.export(ctx, userID, chatID)
	default:
		out = fmt.Sprintf("Unknown command /%s. See /help.", cmd)
	}

	if err != nil {
		h.logger.Error("command failed", "command", cmd, "user_id", userID, "error", err)
		out = userMessage(err)
	}
	if out != "" {
		h.respond(ctx, chatID, out)
	}
}

func (h *Handler) respond(ctx context.Context, chatID int64, text string) {
	for _, chunk := range telegram.SplitMessage(text, telegram.MaxMessageLength) {
		if _, err := h.tg.SendMessage(ctx, chatID, chunk, telegram.SendOptions{DisablePreview: true}); err != nil {
			h.logger.Warn("command reply failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

// userMessage maps an error to its user-visible text. Precondition
// messages pass through verbatim; everything else is generic.
func userMessage(err error) string {
	var pe *services.PreconditionError
	if errors.As(err, &pe) {
		return pe.Msg
	}
	return chat.ErrGeneric
}

const startText = `Hi! I am kestrel, a chat assistant.

Send me a message to start talking. To use your own model provider,
set an API key first:

/set api_key <your key>
/set base_url <provider url>
/set model <model name>

See /help for everything else.`

const helpText = `Commands:
/clear - clear the current conversation
/retry - regenerate the last answer
/settings - show your configuration
/set <key> <value> - change a setting (api_key, base_url, model,
  temperature, token_limit, voice, style, endpoint, title_model,
  tool <name> <on|off>, provider list|save|load|delete <name>)
/persona - list personas; /persona <name> to switch
/persona new <name> [prompt] | delete <name> | prompt [text]
/chat - list sessions; /chat <n> to switch
/chat new [title] | rename <title> | delete <n>
/remember <text> - save a memory
/memories - list memories
/forget <n|all> - delete a memory
/usage - token usage per persona
/export - download the current session as Markdown`

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}

func (h *Handler) settingsText(ctx context.Context, userID int64) (string, error) {
	us, err := h.svc.Settings(ctx, userID)
	if err != nil {
		return "", err
	}
	persona, err := h.svc.CurrentPersona(ctx, userID)
	if err != nil {
		return "", err
	}
	enabled, err := h.svc.EnabledTools(ctx, userID)
	if err != nil {
		return "", err
	}
	var toolList []string
	for _, name := range h.registry.Names() {
		state := "off"
		if enabled[name] {
			state = "on"
		}
		toolList = append(toolList, fmt.Sprintf("%s:%s", name, state))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "api_key: %s\n", maskKey(us.APIKey))
	fmt.Fprintf(&b, "base_url: %s\n", valueOr(us.BaseURL, h.defaults.BaseURL+" (default)"))
	fmt.Fprintf(&b, "model: %s\n", valueOr(us.Model, h.defaults.Model+" (default)"))
	fmt.Fprintf(&b, "temperature: %.1f\n", us.Temperature)
	if us.TokenLimit > 0 {
		fmt.Fprintf(&b, "token_limit: %d\n", us.TokenLimit)
	} else {
		b.WriteString("token_limit: unlimited\n")
	}
	fmt.Fprintf(&b, "persona: %s\n", persona.Name)
	fmt.Fprintf(&b, "tools: %s\n", strings.Join(toolList, " "))
	fmt.Fprintf(&b, "title_model: %s\n", valueOr(us.TitleModel, "(chat model)"))
	fmt.Fprintf(&b, "voice: %s  style: %s\n", valueOr(us.TTSVoice, "(default)"), valueOr(us.TTSStyle, "(none)"))
	return strings.TrimSpace(b.String()), nil
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (h *Handler) usage(ctx context.Context, userID int64) (string, error) {
	rows, err := h.svc.TokenUsage(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No token usage recorded yet.", nil
	}
	var b strings.Builder
	var total int64
	for _, u := range rows {
		fmt.Fprintf(&b, "%s: %d prompt + %d completion = %d\n",
			u.PersonaName, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
		total += u.TotalTokens
	}
	fmt.Fprintf(&b, "total: %d", total)
	us, err := h.svc.Settings(ctx, userID)
	if err == nil && us.TokenLimit > 0 {
		fmt.Fprintf(&b, " / %d", us.TokenLimit)
	}
	return b.String(), nil
}
