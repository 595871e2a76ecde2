package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalizeDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/data/bot.db", "file:/data/bot.db"},
		{"file:/data/bot.db", "file:/data/bot.db"},
		{"sqlite:///data/bot.db", "file:/data/bot.db"},
	}
	for _, tt := range tests {
		got := normalizeDSN(tt.in)
		want := tt.want + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
		if got != want {
			t.Errorf("normalizeDSN(%q) = %q, want %q", tt.in, got, want)
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	got, err := s.GetSettings(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("settings before write = %+v, want nil", got)
	}

	us := &UserSettings{
		UserID:         7,
		APIKey:         "sk-test",
		Model:          "gpt-4o-mini",
		Temperature:    0.9,
		TokenLimit:     5000,
		CurrentPersona: "default",
		EnabledTools:   "memory,search",
		APIPresets: map[string]APIPreset{
			"work": {APIKey: "sk-work", BaseURL: "https://api.example.com/v1", Model: "gpt-4o"},
		},
	}
	if err := s.RunInTx(ctx, func(tx *Tx) error { return tx.UpsertSettings(ctx, us) }); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetSettings(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got.APIKey != "sk-test" || got.Temperature != 0.9 || got.TokenLimit != 5000 {
		t.Errorf("settings = %+v", got)
	}
	if p := got.APIPresets["work"]; p.Model != "gpt-4o" {
		t.Errorf("preset = %+v", p)
	}

	us.Model = "gpt-4o"
	if err := s.RunInTx(ctx, func(tx *Tx) error { return tx.UpsertSettings(ctx, us) }); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSettings(ctx, 7)
	if got.Model != "gpt-4o" {
		t.Errorf("model after upsert = %q", got.Model)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertPersona(ctx, &Persona{UserID: 1, Name: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	personas, err := s.ListPersonas(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(personas) != 0 {
		t.Errorf("personas after rollback = %d, want 0", len(personas))
	}
}

func TestDeletePersonaCascades(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var sessID int64
	err := s.RunInTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertPersona(ctx, &Persona{UserID: 1, Name: "pirate"}); err != nil {
			return err
		}
		id, err := tx.InsertSession(ctx, &Session{UserID: 1, PersonaName: "pirate"})
		if err != nil {
			return err
		}
		sessID = id
		if err := tx.InsertMessage(ctx, &Message{SessionID: id, Role: "user", Content: "ahoy"}); err != nil {
			return err
		}
		return tx.UpsertTokenUsage(ctx, &TokenUsage{UserID: 1, PersonaName: "pirate", TotalTokens: 10})
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RunInTx(ctx, func(tx *Tx) error { return tx.DeletePersona(ctx, 1, "pirate") }); err != nil {
		t.Fatal(err)
	}

	if personas, _ := s.ListPersonas(ctx, 1); len(personas) != 0 {
		t.Errorf("personas = %d", len(personas))
	}
	if sessions, _ := s.ListSessions(ctx, 1); len(sessions) != 0 {
		t.Errorf("sessions = %d", len(sessions))
	}
	if n, _ := s.CountMessages(ctx, sessID); n != 0 {
		t.Errorf("conversation rows = %d", n)
	}
	if usage, _ := s.ListTokenUsage(ctx, 1); len(usage) != 0 {
		t.Errorf("token rows = %d", len(usage))
	}
}

func TestMessagesOrdered(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var sessID int64
	err := s.RunInTx(ctx, func(tx *Tx) error {
		id, err := tx.InsertSession(ctx, &Session{UserID: 1, PersonaName: "default"})
		if err != nil {
			return err
		}
		sessID = id
		for _, content := range []string{"one", "two", "three"} {
			if err := tx.InsertMessage(ctx, &Message{SessionID: id, Role: "user", Content: content}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, sessID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestMemoryEmbeddingRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertMemory(ctx, &Memory{UserID: 1, Content: "likes tea", Source: "user", Embedding: []float32{0.1, 0.2, 0.3}}); err != nil {
			return err
		}
		_, err := tx.InsertMemory(ctx, &Memory{UserID: 1, Content: "untagged", Source: "ai"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	mems, err := s.ListMemories(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 2 {
		t.Fatalf("memories = %d, want 2", len(mems))
	}
	if len(mems[0].Embedding) != 3 || mems[0].Embedding[2] != 0.3 {
		t.Errorf("embedding = %v", mems[0].Embedding)
	}
	if mems[1].Embedding != nil {
		t.Errorf("unembedded memory has vector %v", mems[1].Embedding)
	}
}
