package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/internal/store"
)

// DefaultSyncInterval is how often dirty state is written back.
const DefaultSyncInterval = 30 * time.Second

// snapshot holds by-value copies of everything one sync cycle writes.
// Taken under the cache lock so the writes can proceed without it.
type snapshot struct {
	settings        []store.UserSettings
	personas        []store.Persona
	deletedPersonas map[int64][]string
	newSessions     []store.Session
	sessionTitles   map[int64]string
	deletedSessions []int64
	clearedConvs    []int64
	conversations   map[int64][]store.Message
	tokens          []store.TokenUsage
	newMemories     []store.Memory
	deletedMemories []int64
	clearedMemories []int64
}

// getAndClearDirtyLocked swaps the dirty sets for empty ones and snapshots
// the referenced rows by value. Caller must hold c.mu.
func (c *Cache) getAndClearDirtyLocked() (dirtySets, snapshot) {
	d := c.dirty
	c.dirty = newDirtySets()

	var snap snapshot
	snap.deletedPersonas = make(map[int64][]string)
	snap.sessionTitles = make(map[int64]string)
	snap.conversations = make(map[int64][]store.Message)

	for userID := range d.settings {
		if us := c.settings[userID]; us != nil {
			snap.settings = append(snap.settings, *us)
		}
	}
	for userID, names := range d.personas {
		for name := range names {
			if p := c.personas[userID][name]; p != nil {
				snap.personas = append(snap.personas, *p)
			}
		}
	}
	for userID, names := range d.deletedPersonas {
		for name := range names {
			snap.deletedPersonas[userID] = append(snap.deletedPersonas[userID], name)
		}
	}
	for _, s := range d.newSessions {
		snap.newSessions = append(snap.newSessions, *s)
	}
	for sessionID := range d.sessionTitles {
		if s := c.sessionLocked(sessionID); s != nil {
			snap.sessionTitles[sessionID] = s.Title
		}
	}
	for sessionID := range d.deletedSessions {
		snap.deletedSessions = append(snap.deletedSessions, sessionID)
	}
	for sessionID := range d.clearedConversations {
		snap.clearedConvs = append(snap.clearedConvs, sessionID)
	}
	for sessionID := range d.conversations {
		msgs := c.conversations[sessionID]
		cp := make([]store.Message, len(msgs))
		copy(cp, msgs)
		snap.conversations[sessionID] = cp
	}
	for key := range d.tokens {
		if u := c.personaTokens[key]; u != nil {
			snap.tokens = append(snap.tokens, *u)
		}
	}
	for _, m := range d.newMemories {
		snap.newMemories = append(snap.newMemories, *m)
	}
	snap.deletedMemories = append(snap.deletedMemories, d.deletedMemoryIDs...)
	for userID := range d.clearedMemories {
		snap.clearedMemories = append(snap.clearedMemories, userID)
	}

	return d, snap
}

// sessionLocked finds a session object by id. Caller must hold c.mu.
func (c *Cache) sessionLocked(sessionID int64) *store.Session {
	for _, list := range c.sessions {
		for _, s := range list {
			if s.ID == sessionID {
				return s
			}
		}
	}
	return nil
}

// restoreDirty merges a drained dirty set back after a failed cycle so
// the next cycle retries, without losing changes accumulated during
// the attempt.
func (c *Cache) restoreDirty(d dirtySets) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range d.settings {
		c.dirty.settings[k] = true
	}
	for userID, names := range d.personas {
		for name := range names {
			c.dirty.markPersona(userID, name)
		}
	}
	for userID, names := range d.deletedPersonas {
		for name := range names {
			c.dirty.markDeletedPersona(userID, name)
		}
	}
	for k := range d.conversations {
		c.dirty.conversations[k] = true
	}
	for k := range d.clearedConversations {
		c.dirty.clearedConversations[k] = true
	}
	for k := range d.tokens {
		c.dirty.tokens[k] = true
	}
	c.dirty.newMemories = append(d.newMemories, c.dirty.newMemories...)
	c.dirty.deletedMemoryIDs = append(d.deletedMemoryIDs, c.dirty.deletedMemoryIDs...)
	for k := range d.clearedMemories {
		c.dirty.clearedMemories[k] = true
	}
	c.dirty.newSessions = append(d.newSessions, c.dirty.newSessions...)
	for k := range d.sessionTitles {
		c.dirty.sessionTitles[k] = true
	}
	for k := range d.deletedSessions {
		c.dirty.deletedSessions[k] = true
	}
}

// Sync writes all pending changes to the store in a single
// transaction. On failure the drained dirty sets are restored so the
// next cycle retries.
func (c *Cache) Sync(ctx context.Context) (err error) {
	c.mu.Lock()
	drained, snap := c.getAndClearDirtyLocked()
	c.mu.Unlock()

	if drained.empty() {
		return nil
	}

	sessionRemap := make(map[int64]int64)
	memoryRemap := make(map[int64]int64)

	err = c.store.RunInTx(ctx, func(tx *store.Tx) error {
		// Delete cascades first so upserts below never resurrect rows.
		for userID, names := range snap.deletedPersonas {
			for _, name := range names {
				if err := tx.DeletePersona(ctx, userID, name); err != nil {
					return err
				}
			}
		}
		for _, sessionID := range snap.deletedSessions {
			if err := tx.DeleteSession(ctx, sessionID); err != nil {
				return err
			}
		}
		for _, memoryID := range snap.deletedMemories {
			if err := tx.DeleteMemory(ctx, memoryID); err != nil {
				return err
			}
		}
		for _, userID := range snap.clearedMemories {
			if err := tx.DeleteMemoriesForUser(ctx, userID); err != nil {
				return err
			}
		}

		for i := range snap.settings {
			if err := tx.UpsertSettings(ctx, &snap.settings[i]); err != nil {
				return err
			}
		}

		// Insert new sessions and build the id remap before any write
		// that consults a session id.
		for i := range snap.newSessions {
			sess := snap.newSessions[i]
			tempID := sess.ID
			dbID, err := tx.InsertSession(ctx, &sess)
			if err != nil {
				return err
			}
			sessionRemap[tempID] = dbID
		}
		snap.remapSessionIDs(sessionRemap)

		for i := range snap.personas {
			if err := tx.UpsertPersona(ctx, &snap.personas[i]); err != nil {
				return err
			}
		}
		for sessionID, title := range snap.sessionTitles {
			if sessionID < 0 {
				continue
			}
			if err := tx.UpdateSessionTitle(ctx, sessionID, title); err != nil {
				return err
			}
		}
		for _, sessionID := range snap.clearedConvs {
			if sessionID < 0 {
				continue
			}
			if err := tx.DeleteMessages(ctx, sessionID); err != nil {
				return err
			}
		}

		for i := range snap.newMemories {
			m := snap.newMemories[i]
			tempID := m.ID
			m.ID = 0
			dbID, err := tx.InsertMemory(ctx, &m)
			if err != nil {
				return err
			}
			memoryRemap[tempID] = dbID
		}

		// Only rows beyond the persisted length are inserted, so a row
		// is written at most once across cycles.
		for sessionID, msgs := range snap.conversations {
			if sessionID < 0 {
				continue
			}
			have, err := tx.CountMessages(ctx, sessionID)
			if err != nil {
				return err
			}
			for i := have; i < len(msgs); i++ {
				m := msgs[i]
				m.SessionID = sessionID
				if err := tx.InsertMessage(ctx, &m); err != nil {
					return err
				}
			}
		}

		for i := range snap.tokens {
			if err := tx.UpsertTokenUsage(ctx, &snap.tokens[i]); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		c.restoreDirty(drained)
		return fmt.Errorf("sync cycle: %w", err)
	}

	c.applyRemap(drained, sessionRemap, memoryRemap)
	return nil
}

// remapSessionIDs rewrites temporary session ids inside the snapshot's
// own structures so subsequent writes in the same transaction use
// database ids.
func (s *snapshot) remapSessionIDs(remap map[int64]int64) {
	if len(remap) == 0 {
		return
	}
	for i := range s.personas {
		if dbID, ok := remap[s.personas[i].CurrentSessionID]; ok {
			s.personas[i].CurrentSessionID = dbID
		}
	}
	for tempID, dbID := range remap {
		if title, ok := s.sessionTitles[tempID]; ok {
			delete(s.sessionTitles, tempID)
			s.sessionTitles[dbID] = title
		}
		if msgs, ok := s.conversations[tempID]; ok {
			delete(s.conversations, tempID)
			s.conversations[dbID] = msgs
		}
	}
	for i, sessionID := range s.clearedConvs {
		if dbID, ok := remap[sessionID]; ok {
			s.clearedConvs[i] = dbID
		}
	}
}

// applyRemap rewrites temporary ids in the live cache after a
// successful commit: session and memory objects, the conversations
// map, personas' current-session pointers, and any dirty entries
// accumulated while the cycle ran. Objects that were removed from the
// cache mid-cycle are scheduled for deletion under their new ids.
func (c *Cache) applyRemap(drained dirtySets, sessionRemap, memoryRemap map[int64]int64) {
	if len(sessionRemap) == 0 && len(memoryRemap) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sess := range drained.newSessions {
		dbID, ok := sessionRemap[sess.ID]
		if !ok {
			continue
		}
		tempID := sess.ID
		sess.ID = dbID
		if c.sessionLocked(dbID) == nil {
			// Deleted while the cycle ran; remove the freshly inserted row.
			c.dirty.deletedSessions[dbID] = true
		}
		if msgs, ok := c.conversations[tempID]; ok {
			delete(c.conversations, tempID)
			for i := range msgs {
				msgs[i].SessionID = dbID
			}
			c.conversations[dbID] = msgs
		}
		if c.loadedSessions[tempID] {
			delete(c.loadedSessions, tempID)
			c.loadedSessions[dbID] = true
		}
		if c.dirty.conversations[tempID] {
			delete(c.dirty.conversations, tempID)
			c.dirty.conversations[dbID] = true
		}
		if c.dirty.clearedConversations[tempID] {
			delete(c.dirty.clearedConversations, tempID)
			c.dirty.clearedConversations[dbID] = true
		}
		if c.dirty.sessionTitles[tempID] {
			delete(c.dirty.sessionTitles, tempID)
			c.dirty.sessionTitles[dbID] = true
		}
		for _, p := range c.personas[sess.UserID] {
			if p.CurrentSessionID == tempID {
				p.CurrentSessionID = dbID
			}
		}
	}

	for _, m := range drained.newMemories {
		dbID, ok := memoryRemap[m.ID]
		if !ok {
			continue
		}
		m.ID = dbID
		found := false
		for _, existing := range c.memories[m.UserID] {
			if existing == m {
				found = true
				break
			}
		}
		if !found {
			// Deleted (or replaced by dedup) while the cycle ran.
			c.dirty.deletedMemoryIDs = append(c.dirty.deletedMemoryIDs, dbID)
		}
	}
}

// SyncStats describes the syncer's recent activity for the status page.
type SyncStats struct {
	Cycles    int64     `json:"cycles"`
	Failures  int64     `json:"failures"`
	LastSync  time.Time `json:"last_sync"`
	LastError string    `json:"last_error,omitempty"`
}

// Syncer runs the periodic write-back loop. A single worker; it never
// overlaps with itself.
type Syncer struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stats SyncStats
}

// NewSyncer creates a syncer for the cache. A zero interval selects
// DefaultSyncInterval.
func NewSyncer(c *Cache, interval time.Duration, logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cache:    c,
		interval: interval,
		logger:   logger.With("component", "syncer"),
	}
}

// Run loops until ctx is cancelled, then performs a final sync so at
// most the current cycle's work is at risk on shutdown.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.syncOnce(final); err != nil {
				s.logger.Error("final sync failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "error", err)
			}
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context) error {
	err := s.cache.Sync(ctx)

	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastSync = time.Now()
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastError = ""
	}
	s.mu.Unlock()
	return err
}

// Stats returns a copy of the syncer's counters.
func (s *Syncer) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
