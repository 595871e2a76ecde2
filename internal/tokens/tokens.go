// Package tokens estimates token counts with tiktoken encodings. The
// estimate is used when a provider streams no usage record, so the
// per-persona accounting keeps moving instead of silently stalling.
package tokens

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for a model. Encoders are built lazily and
// cached, loading an encoding is expensive.
type Estimator struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// New creates an Estimator.
func New() *Estimator {
	return &Estimator{}
}

// o200kPrefixes are model families that use the o200k_base encoding.
// Everything else falls back to cl100k_base, which is close enough for
// quota accounting across the OpenAI-compatible provider zoo.
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "o1", "o3", "o4", "gpt-5"}

func encodingFor(model string) string {
	lower := strings.ToLower(model)
	for _, p := range o200kPrefixes {
		if strings.HasPrefix(lower, p) {
			return "o200k_base"
		}
	}
	return "cl100k_base"
}

func (e *Estimator) encoder(model string) (*tiktoken.Tiktoken, error) {
	switch encodingFor(model) {
	case "o200k_base":
		e.o200kOnce.Do(func() {
			e.o200kEnc, e.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		return e.o200kEnc, e.o200kErr
	default:
		e.cl100kOnce.Do(func() {
			e.cl100kEnc, e.cl100kErr = tiktoken.GetEncoding("cl100k_base")
		})
		return e.cl100kEnc, e.cl100kErr
	}
}

// Count returns the token count of text under the model's encoding.
// Returns 0 when the encoding cannot be loaded.
func (e *Estimator) Count(model, text string) int {
	enc, err := e.encoder(model)
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// CountConversation estimates the prompt size of a chat request. Each
// message carries a 4-token framing overhead and the reply is primed
// with 3 more, following the OpenAI cookbook recipe.
func (e *Estimator) CountConversation(model string, roles, contents []string) int {
	enc, err := e.encoder(model)
	if err != nil {
		return 0
	}
	total := 3
	for i := range contents {
		total += 4
		if i < len(roles) {
			total += len(enc.Encode(roles[i], nil, nil))
		}
		total += len(enc.Encode(contents[i], nil, nil))
	}
	return total
}
