// Package chat runs one user turn end to end: preflight, context
// pinning, prompt assembly, the streaming tool-call loop, reply
// filtering, delivery, and persistence.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/services"
	"github.com/kestrelbot/kestrel/internal/telegram"
	"github.com/kestrelbot/kestrel/internal/tokens"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/internal/tts"
)

const (
	// MaxToolRounds bounds tool-call iterations; with the final reply
	// that is at most MaxToolRounds+1 model invocations per turn, plus
	// up to ContinuationMax length continuations.
	MaxToolRounds = 3

	// StreamUpdateInterval throttles draft edits while streaming.
	StreamUpdateInterval = time.Second

	// ContinuationMax bounds follow-up requests when the model stops
	// at its output limit mid-reply.
	ContinuationMax = 2

	thinkingPlaceholder = "Thinking…"
	cursor              = "▌"
)

// User-visible replies for the failure classes that have their own
// message. Everything else collapses to ErrGeneric.
const (
	ErrGeneric    = "Error. Please retry."
	msgNoAPIKey   = "No API key configured. Set one with /set api_key <your key>."
	msgQuota      = "You have reached your token limit. Raise it with /set token_limit or wait for it to be increased."
	msgNoResponse = "The model returned an empty response. Please retry."
)

// Transport is the message side of the chat platform the pipeline
// talks to. *telegram.Client implements it.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text, parseMode string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendVoice(ctx context.Context, chatID int64, audio []byte) error
}

// FileAttachment is a decoded text file attached to a turn.
type FileAttachment struct {
	Name    string
	Content string
}

// Incoming is one logical user message after transport decoding and
// media grouping.
type Incoming struct {
	UserID    int64
	ChatID    int64
	MessageID int64
	Group     bool

	Text       string
	QuotedText string
	Images     []string // data URLs
	Files      []FileAttachment
}

// Defaults supplies provider settings for users who have not
// configured their own.
type Defaults struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	SystemPrompt string
}

// Pipeline executes chat turns.
type Pipeline struct {
	svc      *services.Services
	llm      *llm.Client
	registry *tools.Registry
	voice    *tts.Queue
	tg       Transport
	defaults Defaults
	est      *tokens.Estimator
	logger   *slog.Logger
}

// New creates the pipeline.
func New(svc *services.Services, client *llm.Client, registry *tools.Registry, voice *tts.Queue, tg Transport, defaults Defaults, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		svc:      svc,
		llm:      client,
		registry: registry,
		voice:    voice,
		tg:       tg,
		defaults: defaults,
		est:      tokens.New(),
		logger:   logger.With("component", "chat"),
	}
}

// pinned is the turn's write target, captured once at turn start. A
// concurrent persona or session switch must not redirect an in-flight
// turn's writes.
type pinned struct {
	persona   string
	sessionID int64
}

// Handle runs one turn. All failures are reported to the user in chat;
// the returned error is for the caller's log only.
func (p *Pipeline) Handle(ctx context.Context, inc Incoming) error {
	logger := p.logger.With(
		"user_id", inc.UserID,
		"correlation_id", uuid.NewString(),
	)

	us, err := p.svc.Settings(ctx, inc.UserID)
	if err != nil {
		p.reply(ctx, inc, ErrGeneric)
		return fmt.Errorf("load settings: %w", err)
	}
	apiKey := us.APIKey
	if apiKey == "" {
		apiKey = p.defaults.APIKey
	}
	if apiKey == "" {
		p.reply(ctx, inc, msgNoAPIKey)
		return nil
	}

	remaining, err := p.svc.RemainingTokens(ctx, inc.UserID)
	if err != nil {
		p.reply(ctx, inc, ErrGeneric)
		return fmt.Errorf("token preflight: %w", err)
	}
	if remaining <= 0 {
		p.reply(ctx, inc, msgQuota)
		return nil
	}

	persona, err := p.svc.CurrentPersona(ctx, inc.UserID)
	if err != nil {
		p.reply(ctx, inc, ErrGeneric)
		return fmt.Errorf("resolve persona: %w", err)
	}
	session, err := p.svc.CurrentSession(ctx, inc.UserID)
	if err != nil {
		p.reply(ctx, inc, ErrGeneric)
		return fmt.Errorf("resolve session: %w", err)
	}
	pin := pinned{persona: persona.Name, sessionID: session.ID}
	logger = logger.With("persona", pin.persona, "session_id", pin.sessionID)

	history, err := p.svc.History(ctx, pin.sessionID)
	if err != nil {
		p.reply(ctx, inc, ErrGeneric)
		return fmt.Errorf("load history: %w", err)
	}
	firstExchange := len(history) == 0

	_ = p.tg.SendChatAction(ctx, inc.ChatID, "typing")
	draftID, err := p.tg.SendMessage(ctx, inc.ChatID, thinkingPlaceholder, telegram.SendOptions{
		ReplyToMessageID: inc.MessageID,
	})
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	rc := tools.RequestContext{UserID: inc.UserID, ChatID: inc.ChatID}
	enabled, err := p.svc.EnabledTools(ctx, inc.UserID)
	if err != nil {
		p.fail(ctx, inc.ChatID, draftID, logger, fmt.Errorf("enabled tools: %w", err))
		return nil
	}

	systemPrompt := persona.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = p.defaults.SystemPrompt
	}
	systemPrompt = p.registry.EnrichPrompt(ctx, rc, enabled, systemPrompt, inc.Text)
	if instr := p.registry.Instructions(enabled); instr != "" {
		systemPrompt += "\n\n" + instr
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	userMsg := llm.Message{Role: "user", Content: inc.modelText(), Images: inc.Images}
	messages = append(messages, userMsg)

	req := llm.Request{
		BaseURL:     firstNonEmpty(us.BaseURL, p.defaults.BaseURL),
		APIKey:      apiKey,
		Model:       firstNonEmpty(us.Model, p.defaults.Model),
		Temperature: us.Temperature,
		Messages:    messages,
	}
	if req.Temperature == 0 {
		req.Temperature = p.defaults.Temperature
	}

	final, usage, err := p.streamLoop(ctx, inc, rc, enabled, req, draftID)
	if err != nil {
		p.fail(ctx, inc.ChatID, draftID, logger, err)
		return nil
	}

	final = StripThinking(final)
	final = p.registry.PostProcess(ctx, rc, enabled, final)
	if strings.TrimSpace(final) == "" {
		// Voice-only turns are fine: the reply happened out of band.
		if p.deliverVoice(ctx, inc) {
			_ = p.tg.DeleteMessage(ctx, inc.ChatID, draftID)
		} else {
			_ = p.tg.EditMessageText(ctx, inc.ChatID, draftID, msgNoResponse, "")
		}
		return nil
	}

	p.deliver(ctx, inc.ChatID, draftID, final)
	p.deliverVoice(ctx, inc)

	if err := p.svc.AddUserMessage(ctx, pin.sessionID, inc.historyText()); err != nil {
		logger.Error("persist user message failed", "error", err)
	}
	if err := p.svc.AddAssistantMessage(ctx, pin.sessionID, final); err != nil {
		logger.Error("persist assistant message failed", "error", err)
	}
	if usage.TotalTokens == 0 {
		// Some providers stream no usage record. Estimate so the
		// quota accounting does not silently stall.
		usage = p.estimateUsage(req, final)
	}
	if usage.TotalTokens > 0 {
		if err := p.svc.AddTokenUsage(ctx, inc.UserID, pin.persona, usage.PromptTokens, usage.CompletionTokens); err != nil {
			logger.Error("record token usage failed", "error", err)
		}
	}

	if firstExchange && strings.TrimSpace(session.Title) == "" {
		p.generateTitle(ctx, us, pin.sessionID, inc.modelText(), final, logger)
	}
	return nil
}

// Retry pops the last exchange from the current session and re-runs
// the turn with the same user content. The precondition error from an
// empty session passes through for the command layer to show.
func (p *Pipeline) Retry(ctx context.Context, userID, chatID, messageID int64) error {
	last, err := p.svc.PopLastExchange(ctx, userID)
	if err != nil {
		return err
	}
	return p.Handle(ctx, Incoming{
		UserID:    userID,
		ChatID:    chatID,
		MessageID: messageID,
		Text:      last.Content,
	})
}

// streamLoop runs the bounded tool-call loop and returns the final
// assistant text plus the last usage record the provider reported.
func (p *Pipeline) streamLoop(ctx context.Context, inc Incoming, rc tools.RequestContext, enabled map[string]bool, req llm.Request, draftID int64) (string, llm.Usage, error) {
	var (
		usage         llm.Usage
		continuations int
		draft         = newDraftEditor(p.tg, inc.ChatID, draftID)
	)
	toolDefs := p.registry.Definitions(enabled)
	base := len(req.Messages)

	for round := 0; round <= MaxToolRounds; round++ {
		filter := &streamFilter{}
		call := req
		call.Tools = toolDefs

		res, err := p.llm.ChatStream(ctx, call, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				filter.Write(ev.Token)
			}
			draft.update(ctx, filter.Visible())
		})
		if err != nil {
			return "", usage, fmt.Errorf("chat round %d: %w", round, err)
		}
		if res.ToolsUnsupported {
			toolDefs = nil
		}
		if res.Usage.TotalTokens > 0 {
			usage = res.Usage
		}

		if len(res.ToolCalls) == 0 {
			text := res.Content
			if res.FinishReason == "length" && continuations < ContinuationMax {
				continuations++
				req.Messages = append(req.Messages,
					llm.Message{Role: "assistant", Content: text},
					llm.Message{Role: "user", Content: "Continue exactly where you left off."})
				round--
				continue
			}
			if continuations > 0 {
				return joinContinuations(req.Messages[base:], text), usage, nil
			}
			return text, usage, nil
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      "assistant",
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})
		// Models occasionally emit the same call twice in one round;
		// execute once and answer every duplicate id with the first
		// result.
		results := make(map[string]string, len(res.ToolCalls))
		for _, tc := range res.ToolCalls {
			key := tc.Function.Name + "\x00" + tc.Function.Arguments
			result, done := results[key]
			if !done {
				result = p.registry.Execute(ctx, rc, enabled, tc)
				results[key] = result
			}
			req.Messages = append(req.Messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
		draft.reset(ctx)
	}
	return "", usage, fmt.Errorf("tool rounds exhausted after %d iterations", MaxToolRounds+1)
}

// joinContinuations stitches the partial assistant texts accumulated
// by length continuations together with the final piece.
func joinContinuations(messages []llm.Message, final string) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == "assistant" && len(m.ToolCalls) == 0 {
			b.WriteString(m.Content)
		}
	}
	b.WriteString(final)
	return b.String()
}

// deliver edits the draft into the final reply, splitting into
// follow-up messages when it exceeds the platform limit.
func (p *Pipeline) deliver(ctx context.Context, chatID, draftID int64, text string) {
	html := telegram.FormatHTML(text)
	if len([]rune(html)) <= telegram.MaxMessageLength {
		if err := p.tg.EditMessageText(ctx, chatID, draftID, html, "HTML"); err != nil {
			p.logger.Warn("final edit failed", "chat_id", chatID, "error", err)
		}
		return
	}

	_ = p.tg.DeleteMessage(ctx, chatID, draftID)
	for _, chunk := range telegram.SplitMessage(text, telegram.MaxMessageLength) {
		if _, err := p.tg.SendMessage(ctx, chatID, telegram.FormatHTML(chunk), telegram.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: true,
		}); err != nil {
			p.logger.Warn("split send failed", "chat_id", chatID, "error", err)
		}
	}
}

// deliverVoice drains and sends the turn's queued voice messages,
// reporting whether any were sent.
func (p *Pipeline) deliverVoice(ctx context.Context, inc Incoming) bool {
	if p.voice == nil {
		return false
	}
	audio := p.voice.Drain(inc.UserID)
	for _, blob := range audio {
		if err := p.tg.SendVoice(ctx, inc.ChatID, blob); err != nil {
			p.logger.Warn("voice delivery failed", "chat_id", inc.ChatID, "error", err)
		}
	}
	return len(audio) > 0
}

// fail logs the turn's error and shows the generic message.
func (p *Pipeline) fail(ctx context.Context, chatID, draftID int64, logger *slog.Logger, err error) {
	logger.Error("turn failed", "error", err)
	_ = p.tg.EditMessageText(ctx, chatID, draftID, ErrGeneric, "")
}

// reply sends a standalone message before a draft exists.
func (p *Pipeline) reply(ctx context.Context, inc Incoming, text string) {
	if _, err := p.tg.SendMessage(ctx, inc.ChatID, text, telegram.SendOptions{ReplyToMessageID: inc.MessageID}); err != nil {
		p.logger.Warn("reply failed", "chat_id", inc.ChatID, "error", err)
	}
}

// modelText is the user content sent to the model: quoted context
// first, then the message text, then decoded file attachments.
func (inc Incoming) modelText() string {
	var b strings.Builder
	if inc.QuotedText != "" {
		b.WriteString("Quoted message:\n")
		b.WriteString(inc.QuotedText)
		b.WriteString("\n\n")
	}
	b.WriteString(inc.Text)
	for _, f := range inc.Files {
		fmt.Fprintf(&b, "\n\n[File: %s]\n%s", f.Name, f.Content)
	}
	return b.String()
}

// historyText is the compact form persisted to the conversation.
func (inc Incoming) historyText() string {
	if len(inc.Images) > 0 {
		return "[Image]" + inc.Text
	}
	if len(inc.Files) > 0 {
		var b strings.Builder
		b.WriteString(inc.Text)
		for _, f := range inc.Files {
			fmt.Fprintf(&b, "\n[File: %s]\n%s", f.Name, truncate(f.Content, 1000))
		}
		return strings.TrimSpace(b.String())
	}
	return inc.modelText()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// estimateUsage approximates a turn's token usage from the request
// messages and the final reply text.
func (p *Pipeline) estimateUsage(req llm.Request, final string) llm.Usage {
	roles := make([]string, len(req.Messages))
	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i] = m.Role
		contents[i] = m.Content
	}
	prompt := p.est.CountConversation(req.Model, roles, contents)
	completion := p.est.Count(req.Model, final)
	return llm.Usage{
		PromptTokens:     int64(prompt),
		CompletionTokens: int64(completion),
		TotalTokens:      int64(prompt + completion),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// draftEditor throttles streaming edits to the draft message. The
// first visible chunk always goes out; later ones at most once per
// StreamUpdateInterval.
type draftEditor struct {
	tg        Transport
	chatID    int64
	messageID int64
	lastEdit  time.Time
	lastText  string
}

func newDraftEditor(tg Transport, chatID, messageID int64) *draftEditor {
	return &draftEditor{tg: tg, chatID: chatID, messageID: messageID}
}

func (d *draftEditor) update(ctx context.Context, visible string) {
	if visible == "" {
		return
	}
	first := d.lastText == ""
	if !first && time.Since(d.lastEdit) < StreamUpdateInterval {
		return
	}
	if visible == d.lastText {
		return
	}
	d.lastText = visible
	d.lastEdit = time.Now()
	// Edit failures mid-stream (rate limits, not-modified) are dropped;
	// the next tick carries the accumulated text anyway.
	_ = d.tg.EditMessageText(ctx, d.chatID, d.messageID, visible+cursor, "")
}

// reset returns the draft to the placeholder between tool rounds.
func (d *draftEditor) reset(ctx context.Context) {
	d.lastText = ""
	d.lastEdit = time.Time{}
	_ = d.tg.EditMessageText(ctx, d.chatID, d.messageID, thinkingPlaceholder, "")
}
