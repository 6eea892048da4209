// Package timing measures per-response latency phases: time to first token,
// time to first sentence, time to first audio, and total duration. One Timer
// serves one response.
package timing

import (
	"log/slog"
	"sync"
	"time"
)

// Canonical mark names used across the chat and voice paths.
const (
	MarkFirstToken    = "first_token"
	MarkFirstSentence = "first_sentence"
	MarkFirstAudio    = "first_audio"
	MarkToolsDone     = "tools_done"
	MarkSTTDone       = "stt_done"
)

// Timer records named marks relative to its start. First write wins per mark,
// so hot paths can call Mark unconditionally.
type Timer struct {
	start time.Time

	mu    sync.Mutex
	marks map[string]time.Duration
	order []string
}

// New starts a Timer.
func New() *Timer {
	return &Timer{
		start: time.Now(),
		marks: make(map[string]time.Duration),
	}
}

// Mark records the elapsed time for name. Repeated marks are ignored.
func (t *Timer) Mark(name string) {
	elapsed := time.Since(t.start)
	t.mu.Lock()
	if _, seen := t.marks[name]; !seen {
		t.marks[name] = elapsed
		t.order = append(t.order, name)
	}
	t.mu.Unlock()
}

// Elapsed reports the mark's offset from start, or false if never marked.
func (t *Timer) Elapsed(name string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.marks[name]
	return d, ok
}

// Total is the wall time since the Timer was created.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Breakdown returns all marks in recording order plus the running total, in
// milliseconds. The map is a copy.
func (t *Timer) Breakdown() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.marks)+1)
	for name, d := range t.marks {
		out[name] = d.Milliseconds()
	}
	out["total"] = time.Since(t.start).Milliseconds()
	return out
}

// Log emits one structured line with every mark. Called once when a response
// finishes.
func (t *Timer) Log(logger *slog.Logger, sessionID string) {
	t.mu.Lock()
	attrs := make([]any, 0, 2*len(t.order)+4)
	attrs = append(attrs, "session_id", sessionID)
	for _, name := range t.order {
		attrs = append(attrs, name+"_ms", t.marks[name].Milliseconds())
	}
	t.mu.Unlock()
	attrs = append(attrs, "total_ms", t.Total().Milliseconds())
	logger.Info("response timing", attrs...)
}
