package chat

import (
	"regexp"
	"strings"
)

// Hidden-thought wrappers some models leak into visible output.
var thinkingBlocks = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?is)\[thinking\].*?\[/thinking\]`),
}

var thinkingTags = regexp.MustCompile(`(?i)</?think>|</?thinking>|</?reasoning>|\[/?thinking\]`)

// Opening markers, for suppressing an unterminated block mid-stream.
var thinkingOpeners = []string{"<think>", "<thinking>", "<reasoning>", "[thinking]"}

// StripThinking removes hidden-thought blocks from a completed reply.
// If the reply was nothing but thinking, only the markers are removed
// so the inner content survives rather than persisting an empty reply.
func StripThinking(text string) string {
	stripped := text
	for _, re := range thinkingBlocks {
		stripped = re.ReplaceAllString(stripped, "")
	}
	// An unterminated block swallows everything after its opener.
	lowered := strings.ToLower(stripped)
	for _, open := range thinkingOpeners {
		if i := strings.Index(lowered, open); i >= 0 {
			stripped = stripped[:i]
			lowered = lowered[:i]
		}
	}
	stripped = strings.TrimSpace(stripped)
	if stripped != "" {
		return stripped
	}
	return strings.TrimSpace(thinkingTags.ReplaceAllString(text, ""))
}

// streamFilter incrementally hides thinking blocks while tokens
// arrive, so drafts shown to the user never contain hidden thought.
type streamFilter struct {
	raw strings.Builder
}

func (f *streamFilter) Write(token string) {
	f.raw.WriteString(token)
}

// Raw returns everything received so far.
func (f *streamFilter) Raw() string {
	return f.raw.String()
}

// Visible returns the text safe to show right now: completed thinking
// blocks removed, and anything after an unterminated opener held back.
func (f *streamFilter) Visible() string {
	text := f.raw.String()
	for _, re := range thinkingBlocks {
		text = re.ReplaceAllString(text, "")
	}
	lowered := strings.ToLower(text)
	cut := len(text)
	for _, open := range thinkingOpeners {
		if i := strings.Index(lowered, open); i >= 0 && i < cut {
			cut = i
		}
	}
	// A partial opener at the tail ("<thi") is also held back until
	// enough bytes arrive to disambiguate.
	if p := partialOpener(lowered); p >= 0 && p < cut {
		cut = p
	}
	return strings.TrimSpace(text[:cut])
}

// partialOpener reports the start of a trailing prefix of any opening
// marker, or -1.
func partialOpener(lowered string) int {
	for _, open := range thinkingOpeners {
		for l := len(open) - 1; l > 0; l-- {
			if strings.HasSuffix(lowered, open[:l]) {
				return len(lowered) - l
			}
		}
	}
	return -1
}
