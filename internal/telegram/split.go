package telegram

import "strings"

// MaxMessageLength is the Bot API limit for a single message text.
const MaxMessageLength = 4096

// SplitMessage breaks text into chunks no longer than limit runes.
// It prefers paragraph boundaries, then line boundaries, and only
// cuts mid-line when a single line exceeds the limit on its own.
func SplitMessage(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len([]rune(s)) <= limit {
		return []string{s}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if text := strings.TrimSpace(cur.String()); text != "" {
			chunks = append(chunks, text)
		}
		cur.Reset()
		curLen = 0
	}

	appendPiece := func(piece, sep string) {
		pieceLen := len([]rune(piece))
		sepLen := len([]rune(sep))
		if curLen > 0 && curLen+sepLen+pieceLen > limit {
			flush()
		}
		if pieceLen > limit {
			for _, hard := range hardSplit(piece, limit) {
				flush()
				cur.WriteString(hard)
				curLen = len([]rune(hard))
			}
			return
		}
		if curLen > 0 {
			cur.WriteString(sep)
			curLen += sepLen
		}
		cur.WriteString(piece)
		curLen += pieceLen
	}

	for _, para := range strings.Split(s, "\n\n") {
		if len([]rune(para)) <= limit {
			appendPiece(para, "\n\n")
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			appendPiece(line, "\n")
		}
	}
	flush()
	return chunks
}

// hardSplit cuts s into limit-sized rune chunks. Used only when a
// single line is longer than an entire message is allowed to be.
func hardSplit(s string, limit int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > limit {
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
