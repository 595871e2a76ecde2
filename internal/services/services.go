// Package services exposes the operations the command and chat layers
// need, validated and expressed in domain terms. It owns no state of
// its own: everything reads and writes through the cache.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kestrelbot/kestrel/internal/cache"
	"github.com/kestrelbot/kestrel/internal/memory"
	"github.com/kestrelbot/kestrel/internal/store"
)

// PreconditionError reports a request that is well-formed but not
// allowed in the current state. Its message is shown to the user
// verbatim.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

func precondition(format string, args ...any) error {
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

// Services is the facade over user state.
type Services struct {
	cache  *cache.Cache
	memory *memory.Service
	logger *slog.Logger
}

// New creates the facade.
func New(c *cache.Cache, mem *memory.Service, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	return &Services{
		cache:  c,
		memory: mem,
		logger: logger.With("component", "services"),
	}
}

// Memory returns the memory subsystem.
func (s *Services) Memory() *memory.Service { return s.memory }

// Settings returns a copy of the user's settings.
func (s *Services) Settings(ctx context.Context, userID int64) (store.UserSettings, error) {
	return s.cache.Settings(ctx, userID)
}

// SetAPIKey stores a per-user API key.
func (s *Services) SetAPIKey(ctx context.Context, userID int64, key string) error {
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.APIKey = strings.TrimSpace(key)
	})
}

// SetBaseURL stores a per-user provider base URL.
func (s *Services) SetBaseURL(ctx context.Context, userID int64, baseURL string) error {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.BaseURL = baseURL
	})
}

// SetModel selects the chat model.
func (s *Services) SetModel(ctx context.Context, userID int64, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return precondition("model name cannot be empty")
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.Model = model
	})
}

// SetTitleModel selects the model used for session title generation.
// An empty value falls back to the chat model.
func (s *Services) SetTitleModel(ctx context.Context, userID int64, model string) error {
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.TitleModel = strings.TrimSpace(model)
	})
}

// SetTemperature validates and stores the sampling temperature.
func (s *Services) SetTemperature(ctx context.Context, userID int64, temp float64) error {
	if temp < 0 || temp > 2 {
		return precondition("temperature must be between 0.0 and 2.0")
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.Temperature = temp
	})
}

// SetTokenLimit sets the user's token budget, which applies to the sum
// across all personas. Zero disables the limit.
func (s *Services) SetTokenLimit(ctx context.Context, userID, limit int64) error {
	if limit < 0 {
		return precondition("token limit cannot be negative")
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.TokenLimit = limit
	})
}

// SetTTSVoice stores the preferred speech voice.
func (s *Services) SetTTSVoice(ctx context.Context, userID int64, voice string) error {
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.TTSVoice = strings.TrimSpace(voice)
	})
}

// SetTTSStyle stores the speech style instruction.
func (s *Services) SetTTSStyle(ctx context.Context, userID int64, style string) error {
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.TTSStyle = strings.TrimSpace(style)
	})
}

// SetTTSEndpoint stores a per-user speech endpoint override.
func (s *Services) SetTTSEndpoint(ctx context.Context, userID int64, endpoint string) error {
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.TTSEndpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	})
}

// SetToolEnabled toggles one tool in the user's enabled set. known is
// the set of registered tool names.
func (s *Services) SetToolEnabled(ctx context.Context, userID int64, name string, enabled bool, known map[string]bool) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !known[name] {
		return precondition("unknown tool: %s", name)
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		set := splitTools(us.EnabledTools)
		if enabled {
			set[name] = true
		} else {
			delete(set, name)
		}
		us.EnabledTools = joinTools(set)
	})
}

// EnabledTools returns the user's enabled tool names.
func (s *Services) EnabledTools(ctx context.Context, userID int64) (map[string]bool, error) {
	us, err := s.cache.Settings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return splitTools(us.EnabledTools), nil
}

func splitTools(csv string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		if name := strings.ToLower(strings.TrimSpace(part)); name != "" {
			set[name] = true
		}
	}
	return set
}

func joinTools(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	// Stable order keeps the stored row deterministic.
	sort.Strings(names)
	return strings.Join(names, ",")
}

// SaveAPIPreset stores the user's current provider credentials under a
// name for later recall with LoadAPIPreset.
func (s *Services) SaveAPIPreset(ctx context.Context, userID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return precondition("preset name cannot be empty")
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		if us.APIPresets == nil {
			us.APIPresets = make(map[string]store.APIPreset)
		}
		us.APIPresets[name] = store.APIPreset{
			APIKey:  us.APIKey,
			BaseURL: us.BaseURL,
			Model:   us.Model,
		}
	})
}

// LoadAPIPreset applies a saved preset to the live settings.
func (s *Services) LoadAPIPreset(ctx context.Context, userID int64, name string) error {
	name = strings.TrimSpace(name)
	us, err := s.cache.Settings(ctx, userID)
	if err != nil {
		return err
	}
	p, ok := us.APIPresets[name]
	if !ok {
		return precondition("no API preset named %q", name)
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.APIKey = p.APIKey
		us.BaseURL = p.BaseURL
		us.Model = p.Model
	})
}

// DeleteAPIPreset removes a saved preset.
func (s *Services) DeleteAPIPreset(ctx context.Context, userID int64, name string) error {
	name = strings.TrimSpace(name)
	us, err := s.cache.Settings(ctx, userID)
	if err != nil {
		return err
	}
	if _, ok := us.APIPresets[name]; !ok {
		return precondition("no API preset named %q", name)
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		delete(us.APIPresets, name)
	})
}

// ListAPIPresets returns the user's saved preset names, sorted.
func (s *Services) ListAPIPresets(ctx context.Context, userID int64) ([]string, error) {
	us, err := s.cache.Settings(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(us.APIPresets))
	for name := range us.APIPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Personas returns the user's personas sorted by name.
func (s *Services) Personas(ctx context.Context, userID int64) ([]store.Persona, error) {
	list, err := s.cache.Personas(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// CreatePersona adds a persona with the given system prompt. It fails
// when the name is already taken.
func (s *Services) CreatePersona(ctx context.Context, userID int64, name, systemPrompt string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return precondition("persona name cannot be empty")
	}
	_, exists, err := s.cache.Persona(ctx, userID, name)
	if err != nil {
		return err
	}
	if exists {
		return precondition("persona %q already exists", name)
	}
	return s.cache.PutPersona(ctx, store.Persona{
		UserID:       userID,
		Name:         name,
		SystemPrompt: systemPrompt,
	})
}

// SwitchPersona makes a persona current, creating it on first mention.
func (s *Services) SwitchPersona(ctx context.Context, userID int64, name string) (created bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, precondition("persona name cannot be empty")
	}
	_, exists, err := s.cache.Persona(ctx, userID, name)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := s.cache.PutPersona(ctx, store.Persona{UserID: userID, Name: name}); err != nil {
			return false, err
		}
	}
	if err := s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		us.CurrentPersona = name
	}); err != nil {
		return false, err
	}
	return !exists, nil
}

// UpdatePersonaPrompt replaces a persona's system prompt.
func (s *Services) UpdatePersonaPrompt(ctx context.Context, userID int64, name, systemPrompt string) error {
	ok, err := s.cache.UpdatePersona(ctx, userID, name, func(p *store.Persona) {
		p.SystemPrompt = systemPrompt
	})
	if err != nil {
		return err
	}
	if !ok {
		return precondition("persona %q does not exist", name)
	}
	return nil
}

// DeletePersona removes a persona and everything under it. The default
// persona cannot be deleted. If the deleted persona was current, the
// user falls back to the default persona.
func (s *Services) DeletePersona(ctx context.Context, userID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == cache.DefaultPersona {
		return precondition("the default persona cannot be deleted")
	}
	_, exists, err := s.cache.Persona(ctx, userID, name)
	if err != nil {
		return err
	}
	if !exists {
		return precondition("persona %q does not exist", name)
	}
	if err := s.cache.DeletePersona(ctx, userID, name); err != nil {
		return err
	}
	return s.cache.UpdateSettings(ctx, userID, func(us *store.UserSettings) {
		if us.CurrentPersona == name {
			us.CurrentPersona = cache.DefaultPersona
		}
	})
}

// CurrentPersona returns the user's active persona, creating the
// default one if needed.
func (s *Services) CurrentPersona(ctx context.Context, userID int64) (store.Persona, error) {
	us, err := s.cache.Settings(ctx, userID)
	if err != nil {
		return store.Persona{}, err
	}
	name := us.CurrentPersona
	if name == "" {
		name = cache.DefaultPersona
	}
	p, ok, err := s.cache.Persona(ctx, userID, name)
	if err != nil {
		return store.Persona{}, err
	}
	if !ok {
		// The settings row points at a persona that has since been
		// deleted; fall back to default, which always exists.
		p, _, err = s.cache.Persona(ctx, userID, cache.DefaultPersona)
		if err != nil {
			return store.Persona{}, err
		}
	}
	return p, nil
}

// Sessions lists the sessions of the user's current persona.
func (s *Services) Sessions(ctx context.Context, userID int64) ([]store.Session, error) {
	p, err := s.CurrentPersona(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.cache.SessionsFor(ctx, userID, p.Name)
}

// NewSession creates a session under the current persona and makes it
// current.
func (s *Services) NewSession(ctx context.Context, userID int64, title string) (store.Session, error) {
	p, err := s.CurrentPersona(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}
	sess, err := s.cache.CreateSession(ctx, userID, p.Name, title)
	if err != nil {
		return store.Session{}, err
	}
	if _, err := s.cache.UpdatePersona(ctx, userID, p.Name, func(p *store.Persona) {
		p.CurrentSessionID = sess.ID
	}); err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

// SwitchSession makes an existing session current. It must belong to
// the current persona.
func (s *Services) SwitchSession(ctx context.Context, userID, sessionID int64) (store.Session, error) {
	p, err := s.CurrentPersona(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}
	sess, ok, err := s.cache.SessionByID(ctx, userID, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if !ok || sess.PersonaName != p.Name {
		return store.Session{}, precondition("no session %d in persona %q", sessionID, p.Name)
	}
	if _, err := s.cache.UpdatePersona(ctx, userID, p.Name, func(p *store.Persona) {
		p.CurrentSessionID = sess.ID
	}); err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

// RenameSession retitles a session of the current persona.
func (s *Services) RenameSession(ctx context.Context, userID, sessionID int64, title string) error {
	p, err := s.CurrentPersona(ctx, userID)
	if err != nil {
		return err
	}
	sess, ok, err := s.cache.SessionByID(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if !ok || sess.PersonaName != p.Name {
		return precondition("no session %d in persona %q", sessionID, p.Name)
	}
	if _, err := s.cache.RenameSession(ctx, userID, sessionID, title); err != nil {
		return err
	}
	return nil
}

// DeleteSession removes a session of the current persona.
func (s *Services) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	p, err := s.CurrentPersona(ctx, userID)
	if err != nil {
		return err
	}
	sess, ok, err := s.cache.SessionByID(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if !ok || sess.PersonaName != p.Name {
		return precondition("no session %d in persona %q", sessionID, p.Name)
	}
	return s.cache.DeleteSession(ctx, userID, sessionID)
}

// CurrentSession resolves the session the next chat message belongs
// to: the persona's pinned session, or a fresh one when nothing is
// pinned or the pinned session no longer exists.
func (s *Services) CurrentSession(ctx context.Context, userID int64) (store.Session, error) {
	p, err := s.CurrentPersona(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}
	if p.CurrentSessionID != 0 {
		sess, ok, err := s.cache.SessionByID(ctx, userID, p.CurrentSessionID)
		if err != nil {
			return store.Session{}, err
		}
		if ok && sess.PersonaName == p.Name {
			return sess, nil
		}
	}
	sess, err := s.cache.CreateSession(ctx, userID, p.Name, "")
	if err != nil {
		return store.Session{}, err
	}
	if _, err := s.cache.UpdatePersona(ctx, userID, p.Name, func(p *store.Persona) {
		p.CurrentSessionID = sess.ID
	}); err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

// History returns a session's conversation in order.
func (s *Services) History(ctx context.Context, sessionID int64) ([]store.Message, error) {
	return s.cache.Messages(ctx, sessionID)
}

// AddUserMessage appends a user turn to a session.
func (s *Services) AddUserMessage(ctx context.Context, sessionID int64, content string) error {
	return s.cache.AppendMessage(ctx, sessionID, "user", content)
}

// AddAssistantMessage appends an assistant turn to a session.
func (s *Services) AddAssistantMessage(ctx context.Context, sessionID int64, content string) error {
	return s.cache.AppendMessage(ctx, sessionID, "assistant", content)
}

// ClearConversation empties the current persona's current session.
func (s *Services) ClearConversation(ctx context.Context, userID int64) error {
	sess, err := s.CurrentSession(ctx, userID)
	if err != nil {
		return err
	}
	return s.cache.ClearConversation(ctx, sess.ID)
}

// PopLastExchange removes the most recent user/assistant pair from the
// current session and returns the user message so it can be retried.
func (s *Services) PopLastExchange(ctx context.Context, userID int64) (store.Message, error) {
	sess, err := s.CurrentSession(ctx, userID)
	if err != nil {
		return store.Message{}, err
	}
	user, _, ok, err := s.cache.PopLastExchange(ctx, sess.ID)
	if err != nil {
		return store.Message{}, err
	}
	if !ok {
		return store.Message{}, precondition("nothing to undo in this conversation")
	}
	return user, nil
}

// AddTokenUsage records token spend against the current persona.
func (s *Services) AddTokenUsage(ctx context.Context, userID int64, persona string, prompt, completion int64) error {
	return s.cache.AddTokenUsage(ctx, userID, persona, prompt, completion)
}

// TokenUsage returns all persona token rows for the user.
func (s *Services) TokenUsage(ctx context.Context, userID int64) ([]store.TokenUsage, error) {
	return s.cache.TokenUsage(ctx, userID)
}

// RemainingTokens reports how many tokens the user may still spend.
// The limit applies to the sum across all personas; users without a
// limit get an effectively infinite budget.
func (s *Services) RemainingTokens(ctx context.Context, userID int64) (int64, error) {
	us, err := s.cache.Settings(ctx, userID)
	if err != nil {
		return 0, err
	}
	if us.TokenLimit <= 0 {
		return math.MaxInt64, nil
	}
	usage, err := s.cache.TokenUsage(ctx, userID)
	if err != nil {
		return 0, err
	}
	var spent int64
	for _, u := range usage {
		spent += u.TotalTokens
	}
	remaining := us.TokenLimit - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
