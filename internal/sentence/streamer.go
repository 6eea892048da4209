// Package sentence splits a streaming token sequence into speakable sentences
// for the TTS pipeline. Sentence indices are assigned at detection time, so
// downstream audio ordering is independent of synthesis completion order.
package sentence

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minSentenceRunes guards against splitting on abbreviations like "Dr.".
const minSentenceRunes = 4

// EmitFunc receives each detected sentence with its monotonic index.
type EmitFunc func(text string, index int)

// Streamer accumulates text deltas and emits complete sentences. Not safe for
// concurrent use; one Streamer serves one response.
type Streamer struct {
	buf  strings.Builder
	next int
	emit EmitFunc
}

// New creates a Streamer that calls emit for every detected sentence.
func New(emit EmitFunc) *Streamer {
	return &Streamer{emit: emit}
}

// Push appends a token and emits any complete sentences it reveals. A sentence
// boundary is a terminator (. ! ?) followed by whitespace, provided the
// sentence is at least minSentenceRunes long.
func (s *Streamer) Push(token string) {
	s.buf.WriteString(token)
	s.drain()
}

func (s *Streamer) drain() {
	for {
		text := s.buf.String()
		cut := -1
		runes := 0
		for i, r := range text {
			runes++
			if !isTerminator(r) {
				continue
			}
			rest := text[i+utf8.RuneLen(r):]
			if rest == "" {
				break // terminator at end of buffer: wait for more input
			}
			nextRune, _ := utf8.DecodeRuneInString(rest)
			if unicode.IsSpace(nextRune) && runes >= minSentenceRunes {
				cut = i + utf8.RuneLen(r)
				break
			}
		}
		if cut < 0 {
			return
		}
		sentenceText := strings.TrimSpace(text[:cut])
		remainder := strings.TrimLeft(text[cut:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(remainder)
		if sentenceText != "" {
			s.emit(sentenceText, s.next)
			s.next++
		}
	}
}

// Flush emits any remaining fragment regardless of length. Call at
// end-of-stream.
func (s *Streamer) Flush() {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return
	}
	s.emit(text, s.next)
	s.next++
}

// Count returns how many sentences have been emitted so far.
func (s *Streamer) Count() int { return s.next }

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
