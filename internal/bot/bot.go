// Package bot runs the Telegram long-poll loop and turns Bot API
// updates into chat pipeline turns and command invocations.
package bot

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/internal/chat"
	"github.com/kestrelbot/kestrel/internal/commands"
	"github.com/kestrelbot/kestrel/internal/httpkit"
	"github.com/kestrelbot/kestrel/internal/telegram"
)

// handleTimeout bounds how long a single turn may be processed
// (pipeline streaming loop included).
const handleTimeout = 5 * time.Minute

// pollTimeout is the getUpdates long-poll duration.
const pollTimeout = 30 * time.Second

// pollRetryDelay is the pause after a failed getUpdates call so a
// provider outage does not spin the loop.
const pollRetryDelay = 3 * time.Second

// maxDownloadBytes caps attachment downloads. Telegram bots cannot
// fetch files over 20 MB anyway; text files are truncated further
// before they reach the model.
const maxDownloadBytes = 16 << 20

// Bot receives Telegram updates and routes them to the pipeline or
// the command handler.
type Bot struct {
	tg        *telegram.Client
	pipeline  *chat.Pipeline
	commands  *commands.Handler
	collector *chat.Collector
	files     *http.Client
	logger    *slog.Logger

	username string
	botID    int64

	wg sync.WaitGroup
}

// New creates the bot.
func New(tg *telegram.Client, pipeline *chat.Pipeline, cmds *commands.Handler, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		tg:       tg,
		pipeline: pipeline,
		commands: cmds,
		files:    httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
		logger:   logger.With("component", "bot"),
	}
	b.collector = chat.NewCollector(func(inc chat.Incoming) {
		b.dispatch(context.Background(), inc)
	})
	return b
}

// Run polls getUpdates until ctx is cancelled, then waits for
// in-flight turns to finish.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("bot identity: %w", err)
	}
	b.username = me.Username
	b.botID = me.ID
	b.logger.Info("bot started", "username", b.username)

	var offset int64
	for {
		updates, next, err := b.tg.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		offset = next
		for _, u := range updates {
			if u.Message != nil {
				b.route(ctx, u.Message)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	b.logger.Info("bot shutting down")
	b.wg.Wait()
	return nil
}

// route classifies one inbound message: group gate, command dispatch,
// attachment decoding, media-group collection.
func (b *Bot) route(ctx context.Context, msg *telegram.Message) {
	if msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if isGroup(msg.Chat.Type) {
		mentioned := containsMention(text, b.username)
		repliedTo := msg.ReplyTo != nil && msg.ReplyTo.From != nil && msg.ReplyTo.From.ID == b.botID
		if !mentioned && !repliedTo {
			return
		}
		if mentioned {
			text = stripMention(text, b.username)
		}
	}

	if cmd, args, ok := commands.Parse(text, b.username); ok && msg.MediaGroupID == "" && len(msg.Photo) == 0 && msg.Document == nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
			defer cancel()
			b.commands.Handle(cctx, msg.From.ID, msg.Chat.ID, msg.MessageID, cmd, args)
		}()
		return
	}

	inc := chat.Incoming{
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Group:     isGroup(msg.Chat.Type),
		Text:      strings.TrimSpace(text),
	}
	if q := msg.ReplyTo; q != nil {
		quoted := q.Text
		if quoted == "" {
			quoted = q.Caption
		}
		inc.QuotedText = quoted
	}

	b.attachMedia(ctx, msg, &inc)
	if inc.Text == "" && len(inc.Images) == 0 && len(inc.Files) == 0 {
		return
	}

	b.collector.Add(msg.MediaGroupID, inc)
}

// attachMedia downloads the message's photo or document into the
// Incoming. Photos become base64 data URLs; text documents become
// decoded file attachments. Failures are logged and the turn carries
// on without the attachment.
func (b *Bot) attachMedia(ctx context.Context, msg *telegram.Message, inc *chat.Incoming) {
	if len(msg.Photo) > 0 {
		// Telegram lists sizes smallest first; take the largest.
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		data, err := b.download(ctx, fileID)
		if err != nil {
			b.logger.Warn("photo download failed", "chat_id", msg.Chat.ID, "error", err)
		} else {
			inc.Images = append(inc.Images, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(data))
		}
	}

	if doc := msg.Document; doc != nil {
		switch {
		case strings.HasPrefix(doc.MimeType, "image/"):
			data, err := b.download(ctx, doc.FileID)
			if err != nil {
				b.logger.Warn("image document download failed", "chat_id", msg.Chat.ID, "error", err)
				return
			}
			inc.Images = append(inc.Images, "data:"+doc.MimeType+";base64,"+base64.StdEncoding.EncodeToString(data))
		case isTextMime(doc.MimeType, doc.FileName):
			data, err := b.download(ctx, doc.FileID)
			if err != nil {
				b.logger.Warn("document download failed", "chat_id", msg.Chat.ID, "error", err)
				return
			}
			inc.Files = append(inc.Files, chat.FileAttachment{Name: doc.FileName, Content: string(data)})
		default:
			b.logger.Debug("unsupported document ignored", "mime", doc.MimeType, "name", doc.FileName)
		}
	}
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	f, err := b.tg.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.tg.FileURL(f), nil)
	if err != nil {
		return nil, fmt.Errorf("file request: %w", err)
	}
	resp, err := b.files.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file download: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("file read: %w", err)
	}
	return data, nil
}

// dispatch runs one pipeline turn in its own goroutine so slow model
// calls do not block the poll loop or other users.
func (b *Bot) dispatch(ctx context.Context, inc chat.Incoming) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
		defer cancel()
		if err := b.pipeline.Handle(cctx, inc); err != nil {
			b.logger.Error("turn failed", "user_id", inc.UserID, "error", err)
		}
	}()
}

func isGroup(chatType string) bool {
	return chatType == "group" || chatType == "supergroup"
}

func containsMention(text, username string) bool {
	if username == "" {
		return false
	}
	lower := strings.ToLower(text)
	needle := "@" + strings.ToLower(username)
	for i := 0; ; {
		j := strings.Index(lower[i:], needle)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(needle)
		if end == len(lower) || !isHandleChar(lower[end]) {
			return true
		}
		i = end
	}
}

// stripMention removes every @username occurrence so the model does
// not see the bot's own handle as part of the request.
func stripMention(text, username string) string {
	if username == "" {
		return text
	}
	needle := "@" + strings.ToLower(username)
	var b strings.Builder
	lower := strings.ToLower(text)
	for i := 0; i < len(text); {
		j := strings.Index(lower[i:], needle)
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		start := i + j
		end := start + len(needle)
		if end < len(lower) && isHandleChar(lower[end]) {
			b.WriteString(text[i:end])
			i = end
			continue
		}
		b.WriteString(text[i:start])
		i = end
	}
	return strings.TrimSpace(strings.Join(strings.Fields(b.String()), " "))
}

func isHandleChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// isTextMime reports whether a document is worth decoding as text.
func isTextMime(mime, name string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/x-yaml", "application/javascript":
		return true
	}
	for _, ext := range []string{".txt", ".md", ".csv", ".json", ".yaml", ".yml", ".xml", ".log", ".go", ".py", ".js", ".ts", ".sh"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return true
		}
	}
	return false
}
