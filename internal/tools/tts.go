package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/services"
	"github.com/kestrelbot/kestrel/internal/tts"
)

// maxSpeakChars bounds the text of a single voice message.
const maxSpeakChars = 2000

// TTSTool lets the model reply with a voice message. Audio is not sent
// directly: it is enqueued per user and the chat pipeline delivers the
// backlog after the turn's streaming loop finishes.
type TTSTool struct {
	client *tts.Client
	queue  *tts.Queue
	svc    *services.Services
}

// NewTTSTool creates the speech tool.
func NewTTSTool(client *tts.Client, queue *tts.Queue, svc *services.Services) *TTSTool {
	return &TTSTool{client: client, queue: queue, svc: svc}
}

func (t *TTSTool) Name() string { return "tts" }

func (t *TTSTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        "tts_speak",
				Description: "Speak a message aloud as a voice message. Use only when the user asks to hear something spoken, or asks for pronunciation.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{
							"type":        "string",
							"description": "The text to speak, up to 2000 characters",
						},
						"voice": map[string]any{
							"type":        "string",
							"description": "Voice to use when the user has not configured one",
						},
						"style": map[string]any{
							"type":        "string",
							"description": "Delivery instructions, e.g. \"cheerful\" or \"slow and calm\"",
						},
					},
					"required": []string{"text"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        "tts_list_voices",
				Description: "List the voices available for tts_speak.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
	}
}

func (t *TTSTool) Execute(ctx context.Context, rc RequestContext, fn string, args map[string]any) (string, error) {
	switch fn {
	case "tts_speak":
		return t.speak(ctx, rc, args)
	case "tts_list_voices":
		return strings.Join(tts.Voices(), ", "), nil
	}
	return "", fmt.Errorf("unknown function %q", fn)
}

func (t *TTSTool) speak(ctx context.Context, rc RequestContext, args map[string]any) (string, error) {
	text := argString(args, "text")
	if text == "" {
		return "", fmt.Errorf("tts_speak: text is required")
	}
	if len([]rune(text)) > maxSpeakChars {
		return "", fmt.Errorf("tts_speak: text exceeds %d characters", maxSpeakChars)
	}

	us, err := t.svc.Settings(ctx, rc.UserID)
	if err != nil {
		return "", fmt.Errorf("tts_speak: %w", err)
	}

	// The user's configured voice wins over whatever the model asked
	// for; the model's choice only fills a gap.
	opts := tts.Options{
		Voice:    us.TTSVoice,
		Style:    us.TTSStyle,
		Endpoint: us.TTSEndpoint,
	}
	if opts.Voice == "" {
		opts.Voice = argString(args, "voice")
	}
	if opts.Style == "" {
		opts.Style = argString(args, "style")
	}

	audio, err := t.client.Synthesize(ctx, rc.UserID, text, opts)
	if err != nil {
		return "", err
	}
	t.queue.Enqueue(rc.UserID, audio)
	return "Queued a voice message for delivery.", nil
}
