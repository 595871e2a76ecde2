// Package cache holds the authoritative in-memory image of all user
// state. Every mutation goes through typed methods that record the
// change in a dirty set; a background syncer periodically writes the
// dirty state back to the store in one transaction per cycle.
//
// New sessions receive a negative temporary id from an in-process
// counter so they can be referenced immediately; the syncer swaps the
// temporary id for the database id at persist time (see sync.go).
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/internal/store"
)

// Defaults seeds settings for users seen for the first time.
type Defaults struct {
	Model        string
	Temperature  float64
	SystemPrompt string
	EnabledTools string
	TTSVoice     string
	TTSStyle     string
}

// DefaultPersona is the implicit persona every user has. It cannot be
// deleted.
const DefaultPersona = "default"

type tokenKey struct {
	userID  int64
	persona string
}

// dirtySets records everything changed since the last successful sync.
// The sets are disjoint by change kind; session-id keys may be
// temporary (negative) until the syncer remaps them.
type dirtySets struct {
	settings             map[int64]bool
	personas             map[int64]map[string]bool
	deletedPersonas      map[int64]map[string]bool
	conversations        map[int64]bool
	clearedConversations map[int64]bool
	tokens               map[tokenKey]bool
	newMemories          []*store.Memory
	deletedMemoryIDs     []int64
	clearedMemories      map[int64]bool
	newSessions          []*store.Session
	sessionTitles        map[int64]bool
	deletedSessions      map[int64]bool
}

func newDirtySets() dirtySets {
	return dirtySets{
		settings:             make(map[int64]bool),
		personas:             make(map[int64]map[string]bool),
		deletedPersonas:      make(map[int64]map[string]bool),
		conversations:        make(map[int64]bool),
		clearedConversations: make(map[int64]bool),
		tokens:               make(map[tokenKey]bool),
		clearedMemories:      make(map[int64]bool),
		sessionTitles:        make(map[int64]bool),
		deletedSessions:      make(map[int64]bool),
	}
}

func (d *dirtySets) markPersona(userID int64, name string) {
	if d.personas[userID] == nil {
		d.personas[userID] = make(map[string]bool)
	}
	d.personas[userID][name] = true
}

func (d *dirtySets) markDeletedPersona(userID int64, name string) {
	if d.deletedPersonas[userID] == nil {
		d.deletedPersonas[userID] = make(map[string]bool)
	}
	d.deletedPersonas[userID][name] = true
}

// empty reports whether nothing is pending.
func (d *dirtySets) empty() bool {
	return len(d.settings) == 0 && len(d.personas) == 0 && len(d.deletedPersonas) == 0 &&
		len(d.conversations) == 0 && len(d.clearedConversations) == 0 && len(d.tokens) == 0 &&
		len(d.newMemories) == 0 && len(d.deletedMemoryIDs) == 0 && len(d.clearedMemories) == 0 &&
		len(d.newSessions) == 0 && len(d.sessionTitles) == 0 && len(d.deletedSessions) == 0
}

// Cache is the process-wide state singleton.
type Cache struct {
	mu       sync.Mutex
	store    *store.Store
	logger   *slog.Logger
	defaults Defaults

	settings      map[int64]*store.UserSettings
	personas      map[int64]map[string]*store.Persona
	sessions      map[int64][]*store.Session
	conversations map[int64][]store.Message
	personaTokens map[tokenKey]*store.TokenUsage
	memories      map[int64][]*store.Memory

	loadedUsers    map[int64]bool
	loadedSessions map[int64]bool

	nextTempID int64

	dirty dirtySets
}

// New creates a cache backed by the given store.
func New(st *store.Store, defaults Defaults, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:          st,
		logger:         logger.With("component", "cache"),
		defaults:       defaults,
		settings:       make(map[int64]*store.UserSettings),
		personas:       make(map[int64]map[string]*store.Persona),
		sessions:       make(map[int64][]*store.Session),
		conversations:  make(map[int64][]store.Message),
		personaTokens:  make(map[tokenKey]*store.TokenUsage),
		memories:       make(map[int64][]*store.Memory),
		loadedUsers:    make(map[int64]bool),
		loadedSessions: make(map[int64]bool),
		nextTempID:     -1,
		dirty:          newDirtySets(),
	}
}

// ensureUser loads a user's persisted state on first access and seeds
// defaults for brand-new users. Caller must hold c.mu.
func (c *Cache) ensureUser(ctx context.Context, userID int64) error {
	if c.loadedUsers[userID] {
		return nil
	}

	us, err := c.store.GetSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load settings for user %d: %w", userID, err)
	}
	if us == nil {
		us = &store.UserSettings{
			UserID:         userID,
			Model:          c.defaults.Model,
			Temperature:    c.defaults.Temperature,
			CurrentPersona: DefaultPersona,
			EnabledTools:   c.defaults.EnabledTools,
			TTSVoice:       c.defaults.TTSVoice,
			TTSStyle:       c.defaults.TTSStyle,
		}
		c.dirty.settings[userID] = true
	}
	c.settings[userID] = us

	personas, err := c.store.ListPersonas(ctx, userID)
	if err != nil {
		return fmt.Errorf("load personas for user %d: %w", userID, err)
	}
	pm := make(map[string]*store.Persona, len(personas))
	for i := range personas {
		p := personas[i]
		pm[p.Name] = &p
	}
	if pm[DefaultPersona] == nil {
		pm[DefaultPersona] = &store.Persona{
			UserID:       userID,
			Name:         DefaultPersona,
			SystemPrompt: c.defaults.SystemPrompt,
		}
		c.dirty.markPersona(userID, DefaultPersona)
	}
	c.personas[userID] = pm

	sessions, err := c.store.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("load sessions for user %d: %w", userID, err)
	}
	list := make([]*store.Session, 0, len(sessions))
	for i := range sessions {
		s := sessions[i]
		list = append(list, &s)
	}
	c.sessions[userID] = list

	tokens, err := c.store.ListTokenUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("load token usage for user %d: %w", userID, err)
	}
	for i := range tokens {
		u := tokens[i]
		c.personaTokens[tokenKey{userID, u.PersonaName}] = &u
	}

	memories, err := c.store.ListMemories(ctx, userID)
	if err != nil {
		return fmt.Errorf("load memories for user %d: %w", userID, err)
	}
	ml := make([]*store.Memory, 0, len(memories))
	for i := range memories {
		m := memories[i]
		ml = append(ml, &m)
	}
	c.memories[userID] = ml

	c.loadedUsers[userID] = true
	return nil
}

// ensureConversation loads a session's messages on first access.
// Sessions with temporary ids have nothing persisted. Caller must hold c.mu.
func (c *Cache) ensureConversation(ctx context.Context, sessionID int64) error {
	if c.loadedSessions[sessionID] || sessionID < 0 {
		if _, ok := c.conversations[sessionID]; !ok {
			c.conversations[sessionID] = nil
		}
		c.loadedSessions[sessionID] = true
		return nil
	}
	msgs, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", sessionID, err)
	}
	c.conversations[sessionID] = msgs
	c.loadedSessions[sessionID] = true
	return nil
}

// Settings returns a copy of the user's settings, creating defaults on
// first contact.
func (c *Cache) Settings(ctx context.Context, userID int64) (store.UserSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return store.UserSettings{}, err
	}
	return *c.settings[userID], nil
}

// UpdateSettings applies fn to the user's settings under the lock and
// marks the row dirty.
func (c *Cache) UpdateSettings(ctx context.Context, userID int64, fn func(*store.UserSettings)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return err
	}
	fn(c.settings[userID])
	c.dirty.settings[userID] = true
	return nil
}

// Personas returns copies of all of a user's personas.
func (c *Cache) Personas(ctx context.Context, userID int64) ([]store.Persona, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	out := make([]store.Persona, 0, len(c.personas[userID]))
	for _, p := range c.personas[userID] {
		out = append(out, *p)
	}
	return out, nil
}

// Persona returns a copy of one persona.
func (c *Cache) Persona(ctx context.Context, userID int64, name string) (store.Persona, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return store.Persona{}, false, err
	}
	p, ok := c.personas[userID][name]
	if !ok {
		return store.Persona{}, false, nil
	}
	return *p, true, nil
}

// PutPersona creates or replaces a persona and marks it dirty.
func (c *Cache) PutPersona(ctx context.Context, p store.Persona) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, p.UserID); err != nil {
		return err
	}
	cp := p
	c.personas[p.UserID][p.Name] = &cp
	c.dirty.markPersona(p.UserID, p.Name)
	return nil
}

// UpdatePersona applies fn to a persona under the lock. Returns false
// when the persona does not exist.
func (c *Cache) UpdatePersona(ctx context.Context, userID int64, name string, fn func(*store.Persona)) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return false, err
	}
	p, ok := c.personas[userID][name]
	if !ok {
		return false, nil
	}
	fn(p)
	c.dirty.markPersona(userID, name)
	return true, nil
}

// DeletePersona removes a persona and cascades through the cache:
// its sessions, their conversations, and its token row all go. The
// deletion is recorded for the next sync; pending dirty entries for
// the removed objects are dropped so the syncer never resurrects them.
func (c *Cache) DeletePersona(ctx context.Context, userID int64, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return err
	}
	if _, ok := c.personas[userID][name]; !ok {
		return nil
	}
	delete(c.personas[userID], name)
	if m := c.dirty.personas[userID]; m != nil {
		delete(m, name)
	}
	c.dirty.markDeletedPersona(userID, name)

	kept := c.sessions[userID][:0]
	for _, s := range c.sessions[userID] {
		if s.PersonaName != name {
			kept = append(kept, s)
			continue
		}
		c.dropSessionLocked(s.ID)
	}
	c.sessions[userID] = kept

	delete(c.personaTokens, tokenKey{userID, name})
	delete(c.dirty.tokens, tokenKey{userID, name})
	return nil
}

// dropSessionLocked forgets a session's conversation state and any
// dirty entries referring to it. The database cascade (when needed)
// is the caller's responsibility. Caller must hold c.mu.
func (c *Cache) dropSessionLocked(sessionID int64) {
	delete(c.conversations, sessionID)
	delete(c.loadedSessions, sessionID)
	delete(c.dirty.conversations, sessionID)
	delete(c.dirty.clearedConversations, sessionID)
	delete(c.dirty.sessionTitles, sessionID)
	if sessionID < 0 {
		for i, s := range c.dirty.newSessions {
			if s.ID == sessionID {
				c.dirty.newSessions = append(c.dirty.newSessions[:i], c.dirty.newSessions[i+1:]...)
				break
			}
		}
		return
	}
	c.dirty.deletedSessions[sessionID] = true
}

// SessionsFor returns copies of a user's sessions for one persona,
// creation order.
func (c *Cache) SessionsFor(ctx context.Context, userID int64, persona string) ([]store.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	var out []store.Session
	for _, s := range c.sessions[userID] {
		if s.PersonaName == persona {
			out = append(out, *s)
		}
	}
	return out, nil
}

// SessionByID returns a copy of one session.
func (c *Cache) SessionByID(ctx context.Context, userID, sessionID int64) (store.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return store.Session{}, false, err
	}
	for _, s := range c.sessions[userID] {
		if s.ID == sessionID {
			return *s, true, nil
		}
	}
	return store.Session{}, false, nil
}

// CreateSession creates a session with a temporary negative id and
// records it for insertion at the next sync.
func (c *Cache) CreateSession(ctx context.Context, userID int64, persona, title string) (store.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return store.Session{}, err
	}
	s := &store.Session{
		ID:          c.nextTempID,
		UserID:      userID,
		PersonaName: persona,
		Title:       title,
		CreatedAt:   time.Now(),
	}
	c.nextTempID--
	c.sessions[userID] = append(c.sessions[userID], s)
	c.conversations[s.ID] = nil
	c.loadedSessions[s.ID] = true
	c.dirty.newSessions = append(c.dirty.newSessions, s)
	return *s, nil
}

// RenameSession sets a session title. Returns false when the session
// is unknown.
func (c *Cache) RenameSession(ctx context.Context, userID, sessionID int64, title string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return false, err
	}
	for _, s := range c.sessions[userID] {
		if s.ID == sessionID {
			s.Title = title
			c.dirty.sessionTitles[sessionID] = true
			return true, nil
		}
	}
	return false, nil
}

// DeleteSession removes a session and its conversation from the cache
// and records the deletion. Personas pointing at it fall back to no
// current session.
func (c *Cache) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return err
	}
	list := c.sessions[userID]
	for i, s := range list {
		if s.ID == sessionID {
			c.sessions[userID] = append(list[:i], list[i+1:]...)
			c.dropSessionLocked(sessionID)
			break
		}
	}
	for _, p := range c.personas[userID] {
		if p.CurrentSessionID == sessionID {
			p.CurrentSessionID = 0
			c.dirty.markPersona(userID, p.Name)
		}
	}
	return nil
}

// Messages returns a copy of a session's conversation.
func (c *Cache) Messages(ctx context.Context, sessionID int64) ([]store.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConversation(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs := c.conversations[sessionID]
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AppendMessage appends a conversation row and marks the session's
// conversation dirty.
func (c *Cache) AppendMessage(ctx context.Context, sessionID int64, role, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConversation(ctx, sessionID); err != nil {
		return err
	}
	c.conversations[sessionID] = append(c.conversations[sessionID], store.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	c.dirty.conversations[sessionID] = true
	return nil
}

// ClearConversation drops all cached rows for a session and records a
// clear so the persisted rows are deleted at the next sync.
func (c *Cache) ClearConversation(ctx context.Context, sessionID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConversation(ctx, sessionID); err != nil {
		return err
	}
	c.conversations[sessionID] = nil
	delete(c.dirty.conversations, sessionID)
	c.dirty.clearedConversations[sessionID] = true
	return nil
}

// PopLastExchange removes the trailing (user, assistant) pair from a
// session. Because some of the removed rows may already be persisted,
// the session is marked cleared-and-dirty so the next sync rewrites it
// from the cache image.
func (c *Cache) PopLastExchange(ctx context.Context, sessionID int64) (user store.Message, assistant store.Message, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConversation(ctx, sessionID); err != nil {
		return store.Message{}, store.Message{}, false, err
	}
	msgs := c.conversations[sessionID]
	if len(msgs) < 2 {
		return store.Message{}, store.Message{}, false, nil
	}
	last, prev := msgs[len(msgs)-1], msgs[len(msgs)-2]
	if prev.Role != "user" || last.Role != "assistant" {
		return store.Message{}, store.Message{}, false, nil
	}
	c.conversations[sessionID] = msgs[:len(msgs)-2]
	c.dirty.clearedConversations[sessionID] = true
	c.dirty.conversations[sessionID] = true
	return prev, last, true, nil
}

// AddTokenUsage accumulates token counts for a persona.
func (c *Cache) AddTokenUsage(ctx context.Context, userID int64, persona string, prompt, completion int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return err
	}
	key := tokenKey{userID, persona}
	u := c.personaTokens[key]
	if u == nil {
		u = &store.TokenUsage{UserID: userID, PersonaName: persona}
		c.personaTokens[key] = u
	}
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	c.dirty.tokens[key] = true
	return nil
}

// TokenUsage returns copies of all of a user's persona token rows.
func (c *Cache) TokenUsage(ctx context.Context, userID int64) ([]store.TokenUsage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	var out []store.TokenUsage
	for key, u := range c.personaTokens {
		if key.userID == userID {
			out = append(out, *u)
		}
	}
	return out, nil
}

// Memories returns copies of a user's memories, oldest first.
func (c *Cache) Memories(ctx context.Context, userID int64) ([]store.Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	out := make([]store.Memory, 0, len(c.memories[userID]))
	for _, m := range c.memories[userID] {
		out = append(out, *m)
	}
	return out, nil
}

// AddMemory inserts a memory with a temporary negative id and records
// it for insertion at the next sync.
func (c *Cache) AddMemory(ctx context.Context, userID int64, content, source string, embedding []float32) (store.Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return store.Memory{}, err
	}
	m := &store.Memory{
		ID:        c.nextTempID,
		UserID:    userID,
		Content:   content,
		Source:    source,
		Embedding: embedding,
		CreatedAt: time.Now(),
	}
	c.nextTempID--
	c.memories[userID] = append(c.memories[userID], m)
	c.dirty.newMemories = append(c.dirty.newMemories, m)
	return *m, nil
}

// DeleteMemory removes one memory. Unsynced memories are simply
// forgotten; persisted ones are recorded for deletion.
func (c *Cache) DeleteMemory(ctx context.Context, userID, memoryID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return err
	}
	list := c.memories[userID]
	for i, m := range list {
		if m.ID == memoryID {
			c.memories[userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if memoryID < 0 {
		for i, m := range c.dirty.newMemories {
			if m.ID == memoryID {
				c.dirty.newMemories = append(c.dirty.newMemories[:i], c.dirty.newMemories[i+1:]...)
				return nil
			}
		}
		return nil
	}
	c.dirty.deletedMemoryIDs = append(c.dirty.deletedMemoryIDs, memoryID)
	return nil
}

// ClearMemories removes all of a user's memories.
func (c *Cache) ClearMemories(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureUser(ctx, userID); err != nil {
		return err
	}
	c.memories[userID] = nil
	kept := c.dirty.newMemories[:0]
	for _, m := range c.dirty.newMemories {
		if m.UserID != userID {
			kept = append(kept, m)
		}
	}
	c.dirty.newMemories = kept
	c.dirty.clearedMemories[userID] = true
	return nil
}
