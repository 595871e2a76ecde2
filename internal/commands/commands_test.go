package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kestrelbot/kestrel/internal/cache"
	"github.com/kestrelbot/kestrel/internal/chat"
	"github.com/kestrelbot/kestrel/internal/embeddings"
	"github.com/kestrelbot/kestrel/internal/llm"
	"github.com/kestrelbot/kestrel/internal/memory"
	"github.com/kestrelbot/kestrel/internal/services"
	"github.com/kestrelbot/kestrel/internal/store"
	"github.com/kestrelbot/kestrel/internal/telegram"
	"github.com/kestrelbot/kestrel/internal/tools"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		bot  string
		cmd  string
		args string
		ok   bool
	}{
		{name: "plain command", text: "/help", bot: "kestrelbot", cmd: "help", ok: true},
		{name: "with args", text: "/set model gpt-4o", bot: "kestrelbot", cmd: "set", args: "model gpt-4o", ok: true},
		{name: "addressed to us", text: "/help@kestrelbot", bot: "kestrelbot", cmd: "help", ok: true},
		{name: "addressed case insensitive", text: "/help@KestrelBot", bot: "kestrelbot", cmd: "help", ok: true},
		{name: "addressed to someone else", text: "/help@otherbot", bot: "kestrelbot", ok: false},
		{name: "uppercase command lowered", text: "/HELP", bot: "kestrelbot", cmd: "help", ok: true},
		{name: "not a command", text: "hello", bot: "kestrelbot", ok: false},
		{name: "bare slash", text: "/", bot: "kestrelbot", ok: false},
		{name: "surrounding whitespace", text: "  /clear  ", bot: "kestrelbot", cmd: "clear", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, ok := Parse(tt.text, tt.bot)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if cmd != tt.cmd || args != tt.args {
				t.Errorf("parsed = %q %q, want %q %q", cmd, args, tt.cmd, tt.args)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"short", "****"},
		{"12345678", "****"},
		{"sk-abcdefghijklmnop", "sk-a…mnop"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.in); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUserMessage(t *testing.T) {
	pe := &services.PreconditionError{Msg: "persona \"x\" does not exist"}
	if got := userMessage(pe); got != pe.Msg {
		t.Errorf("precondition message = %q, want verbatim", got)
	}
	if got := userMessage(errors.New("database on fire")); got != chat.ErrGeneric {
		t.Errorf("internal error message = %q, want generic", got)
	}
}

// fakeSender collects command replies.
type fakeSender struct {
	mu   sync.Mutex
	sent []string
	docs []string
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

func (f *fakeSender) SendDocument(ctx context.Context, chatID int64, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, filename)
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestHandler(t *testing.T) (*Handler, *fakeSender, *services.Services) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := cache.New(st, cache.Defaults{Model: "gpt-4o-mini", Temperature: 0.7}, nil)
	mem := memory.New(c, embeddings.New(embeddings.Config{}), memory.Config{}, nil)
	svc := services.New(c, mem, nil)
	sender := &fakeSender{}
	defaults := chat.Defaults{Model: "gpt-4o-mini"}
	registry := tools.NewRegistry(nil)
	h := New(svc, llm.New(), registry, nil, sender, defaults, nil)
	return h, sender, svc
}

func TestHandleUnknownCommand(t *testing.T) {
	h, sender, _ := newTestHandler(t)
	h.Handle(context.Background(), 1, 1, 1, "frobnicate", "")
	if got := sender.last(); !strings.Contains(got, "Unknown command /frobnicate") {
		t.Errorf("reply = %q", got)
	}
}

func TestHandleHelp(t *testing.T) {
	h, sender, _ := newTestHandler(t)
	h.Handle(context.Background(), 1, 1, 1, "help", "")
	if got := sender.last(); !strings.Contains(got, "/clear") {
		t.Errorf("help reply = %q", got)
	}
}

func TestHandlePersonaFlow(t *testing.T) {
	h, sender, svc := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, 1, 1, 1, "persona", "new pirate You talk like a pirate.")
	if got := sender.last(); !strings.Contains(got, "pirate") {
		t.Errorf("create reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "persona", "pirate")
	p, err := svc.CurrentPersona(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "pirate" {
		t.Errorf("current persona = %q, want pirate", p.Name)
	}

	// Deleting the default persona surfaces the precondition verbatim.
	h.Handle(ctx, 1, 1, 1, "persona", "delete default")
	if got := sender.last(); got != "the default persona cannot be deleted" {
		t.Errorf("delete default reply = %q", got)
	}
}

func TestHandleMemoryFlow(t *testing.T) {
	h, sender, _ := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, 1, 1, 1, "memories", "")
	if got := sender.last(); !strings.Contains(got, "No memories stored") {
		t.Errorf("empty list reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "remember", "likes tea")
	if got := sender.last(); got != "Memory saved." {
		t.Errorf("remember reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "memories", "")
	if got := sender.last(); !strings.Contains(got, "1. likes tea") {
		t.Errorf("list reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "forget", "2")
	if got := sender.last(); !strings.Contains(got, "no memory 2") {
		t.Errorf("out-of-range forget reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "forget", "1")
	if got := sender.last(); got != "Memory 1 deleted." {
		t.Errorf("forget reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "remember", "")
	if got := sender.last(); !strings.HasPrefix(got, "Usage:") {
		t.Errorf("bare remember reply = %q", got)
	}
}

func TestHandleSetAndSettings(t *testing.T) {
	h, sender, svc := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, 1, 1, 1, "set", "temperature 1.2")
	us, err := svc.Settings(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if us.Temperature != 1.2 {
		t.Errorf("temperature = %v, want 1.2", us.Temperature)
	}

	h.Handle(ctx, 1, 1, 1, "set", "temperature 9")
	if got := sender.last(); got != "temperature must be between 0.0 and 2.0" {
		t.Errorf("bad temperature reply = %q", got)
	}

	h.Handle(ctx, 1, 1, 1, "set", "api_key sk-test-abcdefgh")
	h.Handle(ctx, 1, 1, 1, "settings", "")
	got := sender.last()
	if strings.Contains(got, "sk-test-abcdefgh") {
		t.Errorf("settings leaked the full key: %q", got)
	}
	if !strings.Contains(got, "persona: default") {
		t.Errorf("settings reply = %q", got)
	}
}

func TestHandleUsage(t *testing.T) {
	h, sender, svc := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, 1, 1, 1, "usage", "")
	if got := sender.last(); got != "No token usage recorded yet." {
		t.Errorf("empty usage reply = %q", got)
	}

	if err := svc.AddTokenUsage(ctx, 1, "default", 100, 50); err != nil {
		t.Fatal(err)
	}
	h.Handle(ctx, 1, 1, 1, "usage", "")
	got := sender.last()
	if !strings.Contains(got, "default: 100 prompt + 50 completion = 150") {
		t.Errorf("usage reply = %q", got)
	}
	if !strings.Contains(got, "total: 150") {
		t.Errorf("usage total missing: %q", got)
	}
}

func TestHandleClear(t *testing.T) {
	h, sender, svc := newTestHandler(t)
	ctx := context.Background()

	sess, err := svc.CurrentSession(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.AddUserMessage(ctx, sess.ID, "hello"); err != nil {
		t.Fatal(err)
	}

	h.Handle(ctx, 1, 1, 1, "clear", "")
	if got := sender.last(); got != "Conversation cleared." {
		t.Errorf("clear reply = %q", got)
	}
	history, err := svc.History(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history after clear = %d messages", len(history))
	}
}
