package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kestrelbot/kestrel/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := New(st, Defaults{
		Model:        "gpt-4o-mini",
		Temperature:  0.7,
		SystemPrompt: "You are a helpful assistant.",
	}, nil)
	return c, st
}

func TestFirstContactSeedsDefaults(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	us, err := c.Settings(ctx, 42)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if us.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", us.Model)
	}
	if us.CurrentPersona != DefaultPersona {
		t.Errorf("current persona = %q, want %q", us.CurrentPersona, DefaultPersona)
	}

	p, ok, err := c.Persona(ctx, 42, DefaultPersona)
	if err != nil || !ok {
		t.Fatalf("Persona(default) = %v, %v, %v", p, ok, err)
	}
	if p.SystemPrompt != "You are a helpful assistant." {
		t.Errorf("default persona prompt = %q", p.SystemPrompt)
	}
}

func TestCreateSessionTempIDAndRemap(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, 1, DefaultPersona, "first chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID >= 0 {
		t.Fatalf("new session id = %d, want negative", s.ID)
	}
	tempID := s.ID

	if err := c.AppendMessage(ctx, tempID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := c.AppendMessage(ctx, tempID, "assistant", "hi there"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	sessions, err := c.SessionsFor(ctx, 1, DefaultPersona)
	if err != nil {
		t.Fatalf("SessionsFor: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	dbID := sessions[0].ID
	if dbID <= 0 {
		t.Fatalf("post-sync session id = %d, want positive", dbID)
	}

	persisted, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != dbID {
		t.Fatalf("persisted sessions = %+v, want one with id %d", persisted, dbID)
	}

	msgs, err := st.ListMessages(ctx, dbID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Fatalf("persisted messages = %+v", msgs)
	}

	// The cache image follows the remap too.
	cached, err := c.Messages(ctx, dbID)
	if err != nil {
		t.Fatalf("Messages(%d): %v", dbID, err)
	}
	if len(cached) != 2 {
		t.Fatalf("cached messages under db id = %d, want 2", len(cached))
	}
}

func TestMessagesWrittenOnceAcrossCycles(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, 1, DefaultPersona, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := c.AppendMessage(ctx, s.ID, "user", "one"); err != nil {
		t.Fatal(err)
	}
	if err := c.AppendMessage(ctx, s.ID, "assistant", "two"); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	sessions, _ := c.SessionsFor(ctx, 1, DefaultPersona)
	dbID := sessions[0].ID

	if err := c.AppendMessage(ctx, dbID, "user", "three"); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	msgs, err := st.ListMessages(ctx, dbID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("persisted messages = %d, want 3 (no duplicates)", len(msgs))
	}
}

func TestSyncFailureRestoresDirty(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	if err := c.UpdateSettings(ctx, 7, func(us *store.UserSettings) {
		us.Model = "other-model"
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	// Closing the store makes the transaction fail.
	st.Close()
	if err := c.Sync(ctx); err == nil {
		t.Fatal("Sync on closed store succeeded, want error")
	}

	c.mu.Lock()
	restored := c.dirty.settings[7]
	c.mu.Unlock()
	if !restored {
		t.Fatal("dirty settings entry was not restored after failed sync")
	}
}

func TestPopLastExchange(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, 1, DefaultPersona, "")
	if err != nil {
		t.Fatal(err)
	}

	// Empty conversation: nothing to pop.
	if _, _, ok, err := c.PopLastExchange(ctx, s.ID); err != nil || ok {
		t.Fatalf("pop on empty = ok %v, err %v", ok, err)
	}

	// A lone user message is not a pair.
	if err := c.AppendMessage(ctx, s.ID, "user", "question"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := c.PopLastExchange(ctx, s.ID); ok {
		t.Fatal("pop succeeded without an assistant reply")
	}

	if err := c.AppendMessage(ctx, s.ID, "assistant", "answer"); err != nil {
		t.Fatal(err)
	}
	user, assistant, ok, err := c.PopLastExchange(ctx, s.ID)
	if err != nil || !ok {
		t.Fatalf("pop = ok %v, err %v", ok, err)
	}
	if user.Content != "question" || assistant.Content != "answer" {
		t.Errorf("popped pair = %q / %q", user.Content, assistant.Content)
	}

	msgs, err := c.Messages(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("conversation after pop = %d messages, want 0", len(msgs))
	}
}

func TestPopLastExchangeRewritesPersistedRows(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, 1, DefaultPersona, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []struct{ role, content string }{
		{"user", "a"}, {"assistant", "b"}, {"user", "c"}, {"assistant", "d"},
	} {
		if err := c.AppendMessage(ctx, s.ID, m.role, m.content); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	sessions, _ := c.SessionsFor(ctx, 1, DefaultPersona)
	dbID := sessions[0].ID

	if _, _, ok, err := c.PopLastExchange(ctx, dbID); err != nil || !ok {
		t.Fatalf("pop = ok %v, err %v", ok, err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := st.ListMessages(ctx, dbID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "a" || msgs[1].Content != "b" {
		t.Fatalf("persisted after pop+sync = %+v, want a,b", msgs)
	}
}

func TestDeletePersonaCascades(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	if err := c.PutPersona(ctx, store.Persona{UserID: 1, Name: "pirate", SystemPrompt: "arr"}); err != nil {
		t.Fatal(err)
	}
	s, err := c.CreateSession(ctx, 1, "pirate", "voyage")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AppendMessage(ctx, s.ID, "user", "ahoy"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTokenUsage(ctx, 1, "pirate", 10, 5); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.DeletePersona(ctx, 1, "pirate"); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := c.Persona(ctx, 1, "pirate"); ok {
		t.Error("persona still in cache after delete")
	}
	sessions, _ := c.SessionsFor(ctx, 1, "pirate")
	if len(sessions) != 0 {
		t.Errorf("sessions for deleted persona = %d, want 0", len(sessions))
	}

	personas, err := st.ListPersonas(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range personas {
		if p.Name == "pirate" {
			t.Error("persona still persisted after delete+sync")
		}
	}
	persisted, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, ps := range persisted {
		if ps.PersonaName == "pirate" {
			t.Errorf("session %d for deleted persona still persisted", ps.ID)
		}
	}
}

func TestAddTokenUsageInvariant(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.AddTokenUsage(ctx, 1, DefaultPersona, 100, 40); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTokenUsage(ctx, 1, DefaultPersona, 50, 10); err != nil {
		t.Fatal(err)
	}

	usage, err := c.TokenUsage(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(usage))
	}
	u := usage[0]
	if u.PromptTokens != 150 || u.CompletionTokens != 50 {
		t.Errorf("prompt/completion = %d/%d, want 150/50", u.PromptTokens, u.CompletionTokens)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("total = %d, want prompt+completion = %d", u.TotalTokens, u.PromptTokens+u.CompletionTokens)
	}
}

func TestClearConversationPersists(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, 1, DefaultPersona, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AppendMessage(ctx, s.ID, "user", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := c.AppendMessage(ctx, s.ID, "assistant", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	sessions, _ := c.SessionsFor(ctx, 1, DefaultPersona)
	dbID := sessions[0].ID

	if err := c.ClearConversation(ctx, dbID); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := st.ListMessages(ctx, dbID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("persisted messages after clear = %d, want 0", len(msgs))
	}
}

func TestDeleteUnsyncedMemory(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	m, err := c.AddMemory(ctx, 1, "likes tea", "user", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID >= 0 {
		t.Fatalf("new memory id = %d, want negative", m.ID)
	}
	if err := c.DeleteMemory(ctx, 1, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	persisted, err := st.ListMemories(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Fatalf("deleted-before-sync memory was persisted: %+v", persisted)
	}
}

func TestMemoryLifecycle(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	if _, err := c.AddMemory(ctx, 1, "likes tea", "user", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddMemory(ctx, 1, "lives in Oslo", "agent", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	mems, err := c.Memories(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 2 {
		t.Fatalf("memories = %d, want 2", len(mems))
	}
	if mems[0].ID <= 0 || mems[1].ID <= 0 {
		t.Fatalf("memory ids after sync = %d, %d, want positive", mems[0].ID, mems[1].ID)
	}

	if err := c.DeleteMemory(ctx, 1, mems[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	persisted, err := st.ListMemories(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || persisted[0].Content != "lives in Oslo" {
		t.Fatalf("persisted memories = %+v", persisted)
	}

	if err := c.ClearMemories(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	persisted, err = st.ListMemories(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Fatalf("memories after clear = %d, want 0", len(persisted))
	}
}
