package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the longest PRIVMSG body Twitch accepts.
const MaxMessageLength = 500

var sentenceEnd = regexp.MustCompile(`([.!?])\s+`)

// SplitMessage breaks text into chunks of at most limit characters, preferring
// sentence boundaries, then word boundaries, then hard cuts.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" || limit <= 0 {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	appendPiece := func(piece string) {
		n := utf8.RuneCountInString(piece)
		switch {
		case cur.Len() > 0 && utf8.RuneCountInString(cur.String())+1+n <= limit:
			cur.WriteByte(' ')
			cur.WriteString(piece)
		case cur.Len() == 0 && n <= limit:
			cur.WriteString(piece)
		default:
			flush()
			if n <= limit {
				cur.WriteString(piece)
				return
			}
			// a single word longer than the limit
			chunks = append(chunks, hardSplit(piece, limit)...)
		}
	}

	for _, sentence := range splitSentences(text) {
		if utf8.RuneCountInString(sentence) <= limit {
			appendPiece(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			appendPiece(word)
		}
	}
	flush()
	return chunks
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hardSplit(word string, limit int) []string {
	runes := []rune(word)
	var out []string
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
