// Package orchestrator runs live transcription sessions and their silence-driven suggestions.
package orchestrator

import "time"

// Session configuration constants
const (
	// Outbound client messages buffered per session
	OutboundBuffer = 256

	// How long teardown waits for the provider to flush final results
	DrainTimeout = 3 * time.Second

	// Deadline for the persistence writes issued during teardown
	TeardownWriteTimeout = 10 * time.Second

	// Live segment batching
	SegmentBatchSize  = 20
	SegmentFlushDelay = 2 * time.Second
)

// Client message types
const (
	TypeTranscript      = "transcript"
	TypeStatus          = "status"
	TypeSuggestionDelta = "suggestion_delta"
	TypeSuggestionEnd   = "suggestion_end"
	TypeError           = "error"
	TypeSession         = "session"

	StatusThinking = "thinking"
)

// Control message types
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlStop   = "stop"
)
