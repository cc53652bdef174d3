package transcript

import (
	"strings"
	"sync"
	"time"
)

// DefaultHorizon bounds how far back the context window reaches.
const DefaultHorizon = 180 * time.Second

// EmptyContext stands in for the rendered context before anything was said.
const EmptyContext = "（对话刚刚开始）"

// Entry is one confirmed utterance.
type Entry struct {
	Timestamp time.Time
	Text      string
	Speaker   string
}

// Window is a time-bounded, insertion-ordered buffer of confirmed utterances.
type Window struct {
	mu      sync.Mutex
	horizon time.Duration
	entries []Entry
}

// NewWindow creates a window keeping entries for horizon.
func NewWindow(horizon time.Duration) *Window {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Window{horizon: horizon}
}

// Append prunes against ts and inserts the utterance at the tail.
func (w *Window) Append(ts time.Time, text, speaker string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(ts)
	w.entries = append(w.entries, Entry{Timestamp: ts, Text: text, Speaker: speaker})
}

// Prune drops entries older than the horizon relative to now.
func (w *Window) Prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
}

func (w *Window) pruneLocked(now time.Time) {
	i := 0
	for i < len(w.entries) && now.Sub(w.entries[i].Timestamp) > w.horizon {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0:0], w.entries[i:]...)
	}
}

// Len prunes and returns the number of live entries.
func (w *Window) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.entries)
}

// Render prunes and joins the remaining texts in order, or returns EmptyContext.
func (w *Window) Render(now time.Time) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if len(w.entries) == 0 {
		return EmptyContext
	}
	parts := make([]string, len(w.entries))
	for i, e := range w.entries {
		parts[i] = e.Text
	}
	return strings.Join(parts, " ")
}

// Entries returns a copy of the current entries without pruning.
func (w *Window) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]Entry, len(w.entries))
	copy(result, w.entries)
	return result
}
