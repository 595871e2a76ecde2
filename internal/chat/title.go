package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/store"
)

const titlePrompt = "Write a title of at most five words for a conversation that " +
	"starts with the following exchange. Reply with the title only, no quotes, " +
	"no punctuation at the end, in the language of the exchange."

// generateTitle names a session after its first exchange. Failures are
// logged and swallowed; an untitled session is not worth a user-facing
// error.
func (p *Pipeline) generateTitle(ctx context.Context, us store.UserSettings, sessionID int64, userText, assistantText string, logger *slog.Logger) {
	req := p.titleRequest(us)
	req.Messages = []llm.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: truncate(userText, 500) + "\n\n" + truncate(assistantText, 500)},
	}
	req.MaxTokens = 30

	res, err := p.llm.ChatStream(ctx, req, func(llm.StreamEvent) {})
	if err != nil {
		logger.Warn("title generation failed", "error", err)
		return
	}
	title := cleanTitle(res.Content)
	if title == "" {
		return
	}
	if err := p.svc.RenameSession(ctx, us.UserID, sessionID, title); err != nil {
		logger.Warn("title rename failed", "error", err)
	}
}

// titleRequest resolves the title_model setting. "provider:model"
// draws credentials from the saved preset of that name; a bare model
// name or an unknown preset uses the chat credentials.
func (p *Pipeline) titleRequest(us store.UserSettings) llm.Request {
	req := llm.Request{
		BaseURL: firstNonEmpty(us.BaseURL, p.defaults.BaseURL),
		APIKey:  firstNonEmpty(us.APIKey, p.defaults.APIKey),
		Model:   firstNonEmpty(us.Model, p.defaults.Model),
	}
	tm := strings.TrimSpace(us.TitleModel)
	if tm == "" {
		return req
	}
	if provider, model, ok := strings.Cut(tm, ":"); ok {
		if preset, exists := us.APIPresets[provider]; exists {
			req.Model = model
			if preset.APIKey != "" {
				req.APIKey = preset.APIKey
			}
			if preset.BaseURL != "" {
				req.BaseURL = preset.BaseURL
			}
			return req
		}
	}
	req.Model = tm
	return req
}

// cleanTitle strips the quoting and JSON wrapping small models like
// to add around a requested bare title.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(StripThinking(raw))
	title = strings.Trim(title, "\"'“”「」 \n")
	if strings.HasPrefix(title, "{") {
		// Some models answer {"title": "..."} no matter what.
		if i := strings.Index(title, ":"); i >= 0 {
			title = strings.Trim(title[i+1:], "{}\"' \n")
		}
	}
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return truncate(strings.TrimSpace(title), 100)
}
