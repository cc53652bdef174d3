// Package suggestion generates follow-up questions during conversational silences.
package suggestion

import (
	"sync"
	"time"
)

// State is the per-session suggestion lifecycle.
type State int

const (
	Idle State = iota
	Triggered
	Generating
	Delivered
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggered:
		return "triggered"
	case Generating:
		return "generating"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker guards the small block of session state shared by the transcript path,
// the silence detector and the pipeline.
type Tracker struct {
	mu           sync.Mutex
	state        State
	paused       bool
	lastActivity time.Time
	fresh        bool // confirmed context arrived since the last trigger
	rearm        bool // a final arrived mid-generation
}

// NewTracker starts idle with activity at now.
func NewTracker(now time.Time) *Tracker {
	return &Tracker{lastActivity: now}
}

// Activity records a confirmed utterance at now and re-arms the detector.
func (t *Tracker) Activity(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = now
	t.fresh = true
	switch t.state {
	case Triggered, Generating:
		t.rearm = true
	default:
		t.state = Idle
	}
}

// TryTrigger moves to Triggered when the silence has outlasted threshold and a
// suggestion may be requested. hasContext reports whether the context window is
// non-empty.
func (t *Tracker) TryTrigger(now time.Time, threshold time.Duration, hasContext bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || !t.fresh || !hasContext {
		return false
	}
	if t.state != Idle && t.state != Delivered {
		return false
	}
	if now.Sub(t.lastActivity) <= threshold {
		return false
	}
	t.state = Triggered
	t.fresh = false
	t.rearm = false
	return true
}

// Begin claims the single generating slot. It fails unless the tracker is Triggered.
func (t *Tracker) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Triggered {
		return false
	}
	t.state = Generating
	return true
}

// Finish releases the generating slot with the outcome of the attempt.
func (t *Tracker) Finish(delivered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Generating && t.state != Triggered {
		return
	}
	switch {
	case t.rearm:
		t.state = Idle
	case delivered:
		t.state = Delivered
	default:
		t.state = Failed
	}
	t.rearm = false
}

// SetPaused toggles the pause flag without touching the suggestion state.
func (t *Tracker) SetPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

// Paused reports the pause flag.
func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// State returns the current suggestion state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastActivity returns the time of the last confirmed utterance.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}
