// Package store provides SQLite persistence for user state. It holds
// no business logic: the cache layer decides what to write and when,
// the store only knows tables and rows. All public methods are safe
// for concurrent use (SQLite serializes writes).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// UserSettings is one user's configuration row.
type UserSettings struct {
	UserID         int64
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	TokenLimit     int64
	CurrentPersona string
	EnabledTools   string // comma-separated tool names
	TitleModel     string
	TTSVoice       string
	TTSStyle       string
	TTSEndpoint    string
	APIPresets     map[string]APIPreset
}

// APIPreset is a saved provider credential set.
type APIPreset struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// Persona is a named system-prompt preset for a user.
type Persona struct {
	UserID           int64
	Name             string
	SystemPrompt     string
	CurrentSessionID int64 // 0 = none
}

// Session is a conversation thread within a persona.
type Session struct {
	ID          int64
	UserID      int64
	PersonaName string
	Title       string
	CreatedAt   time.Time
}

// Message is a single conversation row.
type Message struct {
	ID        int64
	SessionID int64
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// TokenUsage accumulates token counts per user and persona.
type TokenUsage struct {
	UserID           int64
	PersonaName      string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Memory is a cross-persona user memory, optionally embedded.
type Memory struct {
	ID        int64
	UserID    int64
	Content   string
	Source    string // "user" or "ai"
	Embedding []float32
	CreatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database location. Accepts a plain
// filesystem path or a file: URL. The schema is created automatically.
func Open(dbURL string) (*Store, error) {
	dsn := normalizeDSN(dbURL)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

// normalizeDSN turns a path or file: URL into a modernc sqlite DSN
// with WAL and a busy timeout.
func normalizeDSN(dbURL string) string {
	path := strings.TrimPrefix(dbURL, "sqlite://")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_settings (
		user_id         INTEGER PRIMARY KEY,
		api_key         TEXT NOT NULL DEFAULT '',
		base_url        TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		temperature     REAL NOT NULL DEFAULT 0.7,
		token_limit     INTEGER NOT NULL DEFAULT 0,
		current_persona TEXT NOT NULL DEFAULT 'default',
		enabled_tools   TEXT NOT NULL DEFAULT '',
		title_model     TEXT NOT NULL DEFAULT '',
		tts_voice       TEXT NOT NULL DEFAULT '',
		tts_style       TEXT NOT NULL DEFAULT '',
		tts_endpoint    TEXT NOT NULL DEFAULT '',
		api_presets     TEXT NOT NULL DEFAULT '{}'
	);
	CREATE TABLE IF NOT EXISTS personas (
		user_id            INTEGER NOT NULL,
		name               TEXT NOT NULL,
		system_prompt      TEXT NOT NULL DEFAULT '',
		current_session_id INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_personas_user ON personas(user_id);
	CREATE TABLE IF NOT EXISTS sessions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      INTEGER NOT NULL,
		persona_name TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE TABLE IF NOT EXISTS conversations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
	CREATE TABLE IF NOT EXISTS persona_tokens (
		user_id           INTEGER NOT NULL,
		persona_name      TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, persona_name)
	);
	CREATE TABLE IF NOT EXISTS memories (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		content    TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT 'user',
		embedding  TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetSettings returns one user's settings row, or nil when none exists.
func (s *Store) GetSettings(ctx context.Context, userID int64) (*UserSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, api_key, base_url, model, temperature, token_limit,
		        current_persona, enabled_tools, title_model, tts_voice, tts_style,
		        tts_endpoint, api_presets
		 FROM user_settings WHERE user_id = ?`, userID)

	var us UserSettings
	var presets string
	err := row.Scan(&us.UserID, &us.APIKey, &us.BaseURL, &us.Model, &us.Temperature,
		&us.TokenLimit, &us.CurrentPersona, &us.EnabledTools, &us.TitleModel,
		&us.TTSVoice, &us.TTSStyle, &us.TTSEndpoint, &presets)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	if err := json.Unmarshal([]byte(presets), &us.APIPresets); err != nil {
		// Malformed presets are dropped rather than failing the whole row.
		us.APIPresets = nil
	}
	return &us, nil
}

// ListPersonas returns all personas for a user.
func (s *Store) ListPersonas(ctx context.Context, userID int64) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, system_prompt, current_session_id
		 FROM personas WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.UserID, &p.Name, &p.SystemPrompt, &p.CurrentSessionID); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListSessions returns all sessions for a user, oldest first.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, persona_name, title, created_at
		 FROM sessions WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var created string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.PersonaName, &sess.Title, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListMessages returns a session's conversation rows in order.
func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM conversations WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of persisted rows for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// ListTokenUsage returns all persona token rows for a user.
func (s *Store) ListTokenUsage(ctx context.Context, userID int64) ([]TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, persona_name, prompt_tokens, completion_tokens, total_tokens
		 FROM persona_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query persona tokens: %w", err)
	}
	defer rows.Close()

	var out []TokenUsage
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.UserID, &u.PersonaName, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan persona tokens: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListMemories returns all memories for a user, oldest first.
func (s *Store) ListMemories(ctx context.Context, userID int64) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, source, embedding, created_at
		 FROM memories WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var emb sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Source, &emb, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if emb.Valid && emb.String != "" {
			if err := json.Unmarshal([]byte(emb.String), &m.Embedding); err != nil {
				m.Embedding = nil
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, m)
	}
	return out, rows.Err()
}
