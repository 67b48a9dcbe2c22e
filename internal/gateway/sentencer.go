package gateway

import (
	"strings"
	"unicode/utf8"
)

// Sentencer accumulates streamed reply text and cuts it into sentences for
// eager synthesis. The zero value is ready to use. Not safe for concurrent
// use; one Sentencer lives inside one turn.
type Sentencer struct {
	pending string
}

// Write appends fragment to the pending text and returns every complete
// sentence that became available, in order. Sentences are trimmed of
// surrounding whitespace; fragments consisting only of delimiters and
// whitespace produce no output.
func (s *Sentencer) Write(fragment string) []string {
	s.pending += fragment
	var out []string
	for {
		cut := firstSentenceBoundary(s.pending)
		if cut < 0 {
			return out
		}
		sentence := strings.TrimSpace(s.pending[:cut])
		s.pending = s.pending[cut:]
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns the trimmed remainder that never reached a delimiter and
// resets the Sentencer. The bool is false when nothing is left.
func (s *Sentencer) Flush() (string, bool) {
	rest := strings.TrimSpace(s.pending)
	s.pending = ""
	return rest, rest != ""
}

// firstSentenceBoundary returns the byte index just past the first sentence
// delimiter in text, or -1 when text contains none. Delimiters are the Latin
// terminators, newline, and the Devanagari danda and double danda.
func firstSentenceBoundary(text string) int {
	for i, r := range text {
		switch r {
		case '.', '?', '!', '\n', '।', '॥':
			return i + utf8.RuneLen(r)
		}
	}
	return -1
}
