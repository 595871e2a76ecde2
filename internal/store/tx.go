package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Tx exposes the write operations used by a sync cycle. All writes in
// one cycle share a single transaction so a failed cycle leaves the
// database untouched.
type Tx struct {
	tx *sql.Tx
}

// RunInTx executes fn inside a transaction, committing on nil error
// and rolling back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertSettings writes a full settings row.
func (t *Tx) UpsertSettings(ctx context.Context, us *UserSettings) error {
	presets := "{}"
	if len(us.APIPresets) > 0 {
		b, err := json.Marshal(us.APIPresets)
		if err != nil {
			return fmt.Errorf("marshal api presets: %w", err)
		}
		presets = string(b)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO user_settings
			(user_id, api_key, base_url, model, temperature, token_limit,
			 current_persona, enabled_tools, title_model, tts_voice, tts_style,
			 tts_endpoint, api_presets)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			api_key = excluded.api_key,
			base_url = excluded.base_url,
			model = excluded.model,
			temperature = excluded.temperature,
			token_limit = excluded.token_limit,
			current_persona = excluded.current_persona,
			enabled_tools = excluded.enabled_tools,
			title_model = excluded.title_model,
			tts_voice = excluded.tts_voice,
			tts_style = excluded.tts_style,
			tts_endpoint = excluded.tts_endpoint,
			api_presets = excluded.api_presets`,
		us.UserID, us.APIKey, us.BaseURL, us.Model, us.Temperature, us.TokenLimit,
		us.CurrentPersona, us.EnabledTools, us.TitleModel, us.TTSVoice, us.TTSStyle,
		us.TTSEndpoint, presets)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// UpsertPersona writes a persona row.
func (t *Tx) UpsertPersona(ctx context.Context, p *Persona) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO personas (user_id, name, system_prompt, current_session_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, name) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			current_session_id = excluded.current_session_id`,
		p.UserID, p.Name, p.SystemPrompt, p.CurrentSessionID)
	if err != nil {
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}

// DeletePersona removes a persona and cascades to its sessions,
// those sessions' conversation rows, and its token row.
func (t *Tx) DeletePersona(ctx context.Context, userID int64, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id IN
			(SELECT id FROM sessions WHERE user_id = ? AND persona_name = ?)`,
		userID, name)
	if err != nil {
		return fmt.Errorf("delete persona conversations: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND persona_name = ?`, userID, name); err != nil {
		return fmt.Errorf("delete persona sessions: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM persona_tokens WHERE user_id = ? AND persona_name = ?`, userID, name); err != nil {
		return fmt.Errorf("delete persona tokens: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM personas WHERE user_id = ? AND name = ?`, userID, name); err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	return nil
}

// InsertSession inserts a session row and returns its database id.
func (t *Tx) InsertSession(ctx context.Context, sess *Session) (int64, error) {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (user_id, persona_name, title, created_at)
		 VALUES (?, ?, ?, ?)`,
		sess.UserID, sess.PersonaName, sess.Title, created.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session insert id: %w", err)
	}
	return id, nil
}

// UpdateSessionTitle renames a session.
func (t *Tx) UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID); err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its conversation rows.
func (t *Tx) DeleteSession(ctx context.Context, sessionID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session conversations: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteMessages clears all conversation rows for a session.
func (t *Tx) DeleteMessages(ctx context.Context, sessionID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	return nil
}

// CountMessages returns the persisted row count for a session within
// the transaction's view.
func (t *Tx) CountMessages(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// InsertMessage appends a conversation row.
func (t *Tx) InsertMessage(ctx context.Context, m *Message) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO conversations (session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert conversation row: %w", err)
	}
	return nil
}

// UpsertTokenUsage writes a persona token row.
func (t *Tx) UpsertTokenUsage(ctx context.Context, u *TokenUsage) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO persona_tokens
			(user_id, persona_name, prompt_tokens, completion_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, persona_name) DO UPDATE SET
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens`,
		u.UserID, u.PersonaName, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	if err != nil {
		return fmt.Errorf("upsert persona tokens: %w", err)
	}
	return nil
}

// InsertMemory inserts a memory row and returns its database id.
func (t *Tx) InsertMemory(ctx context.Context, m *Memory) (int64, error) {
	var emb any
	if len(m.Embedding) > 0 {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return 0, fmt.Errorf("marshal embedding: %w", err)
		}
		emb = string(b)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO memories (user_id, content, source, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.UserID, m.Content, m.Source, emb, created.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory insert id: %w", err)
	}
	return id, nil
}

// DeleteMemory removes one memory row.
func (t *Tx) DeleteMemory(ctx context.Context, memoryID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ?`, memoryID); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// DeleteMemoriesForUser removes all memory rows for a user.
func (t *Tx) DeleteMemoriesForUser(ctx context.Context, userID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}
