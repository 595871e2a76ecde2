// Package memory implements the semantic memory subsystem: saving
// memories with near-duplicate replacement, top-K retrieval against a
// query embedding, and extraction of tagged memories from model output.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/kestrelbot/kestrel/internal/cache"
	"github.com/kestrelbot/kestrel/internal/embeddings"
	"github.com/kestrelbot/kestrel/internal/store"
)

// Embedder is the slice of the embedding client the memory service
// needs.
type Embedder interface {
	Configured() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds retrieval thresholds.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	DedupThreshold      float64
}

// Service manages a user's memories on top of the cache.
type Service struct {
	cache    *cache.Cache
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a memory service. embedder may be nil when no provider
// is configured; memories are then stored without vectors.
func New(c *cache.Cache, embedder Embedder, cfg Config, logger *slog.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.35
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.85
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:    c,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "memory"),
	}
}

func (s *Service) embeddable() bool {
	return s.embedder != nil && s.embedder.Configured()
}

// Add saves a memory. When an embedding is available, at most one
// existing near-duplicate (cosine >= dedup threshold) is replaced.
// Embedding failures degrade to storing the memory without a vector.
func (s *Service) Add(ctx context.Context, userID int64, content, source string) (store.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Memory{}, fmt.Errorf("empty memory content")
	}

	var emb []float32
	if s.embeddable() {
		var err error
		emb, err = s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warn("embedding failed, storing memory without vector",
				"user_id", userID, "error", err)
			emb = nil
		}
	}

	if emb != nil {
		existing, err := s.cache.Memories(ctx, userID)
		if err != nil {
			return store.Memory{}, err
		}
		for _, m := range existing {
			if len(m.Embedding) == 0 {
				continue
			}
			if float64(embeddings.CosineSimilarity(emb, m.Embedding)) >= s.cfg.DedupThreshold {
				if err := s.cache.DeleteMemory(ctx, userID, m.ID); err != nil {
					return store.Memory{}, err
				}
				s.logger.Debug("replaced near-duplicate memory",
					"user_id", userID, "replaced_id", m.ID)
				break
			}
		}
	}

	return s.cache.AddMemory(ctx, userID, content, source, emb)
}

// List returns all of a user's memories, oldest first.
func (s *Service) List(ctx context.Context, userID int64) ([]store.Memory, error) {
	return s.cache.Memories(ctx, userID)
}

// Delete removes one memory by id.
func (s *Service) Delete(ctx context.Context, userID, memoryID int64) error {
	return s.cache.DeleteMemory(ctx, userID, memoryID)
}

// Clear removes all of a user's memories.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	return s.cache.ClearMemories(ctx, userID)
}

// Relevant returns the memories worth injecting into the system prompt
// for the given query. Without a query, a usable embedding provider,
// or any embedded memory, every memory is returned. Otherwise embedded
// memories are scored by cosine similarity, filtered by threshold,
// and capped at TopK; memories without embeddings are always included.
func (s *Service) Relevant(ctx context.Context, userID int64, query string) ([]store.Memory, error) {
	all, err := s.cache.Memories(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	anyEmbedded := false
	for _, m := range all {
		if len(m.Embedding) > 0 {
			anyEmbedded = true
			break
		}
	}
	if query == "" || !s.embeddable() || !anyEmbedded {
		return all, nil
	}

	qEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, returning all memories",
			"user_id", userID, "error", err)
		return all, nil
	}

	type scored struct {
		mem   store.Memory
		score float64
	}
	var matched []scored
	var unembedded []store.Memory
	for _, m := range all {
		if len(m.Embedding) == 0 {
			unembedded = append(unembedded, m)
			continue
		}
		score := float64(embeddings.CosineSimilarity(qEmb, m.Embedding))
		if score >= s.cfg.SimilarityThreshold {
			matched = append(matched, scored{m, score})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].score > matched[j].score })
	if len(matched) > s.cfg.TopK {
		matched = matched[:s.cfg.TopK]
	}

	out := make([]store.Memory, 0, len(matched)+len(unembedded))
	for _, sm := range matched {
		out = append(out, sm.mem)
	}
	out = append(out, unembedded...)
	return out, nil
}

// FormatForPrompt renders the relevant memories as a block for the
// system prompt. Returns an empty string when there is nothing to say.
func (s *Service) FormatForPrompt(ctx context.Context, userID int64, query string) (string, error) {
	mems, err := s.Relevant(ctx, userID, query)
	if err != nil {
		return "", err
	}
	if len(mems) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Things you remember about this user:\n")
	for _, m := range mems {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String(), nil
}

// taggedPatterns match the fallback memory markers models emit when
// they cannot call tools.
var taggedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[MEMORY[:：]\s*([^\]]+)\]`),
	regexp.MustCompile(`\[记忆[:：]\s*([^\]]+)\]`),
	regexp.MustCompile(`(?s)<memory>(.*?)</memory>`),
}

// ExtractTagged pulls tagged memories out of assistant text and
// returns the text with the tags removed.
func ExtractTagged(text string) (clean string, memories []string) {
	clean = text
	for _, re := range taggedPatterns {
		for _, match := range re.FindAllStringSubmatch(clean, -1) {
			if m := strings.TrimSpace(match[1]); m != "" {
				memories = append(memories, m)
			}
		}
		clean = re.ReplaceAllString(clean, "")
	}
	clean = strings.TrimSpace(clean)
	return clean, memories
}
