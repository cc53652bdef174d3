// Package store persists meetings and their transcript segments in SQLite.
package store

import "time"

// Meeting status values.
const (
	StatusLive       = "live"
	StatusRecorded   = "recorded"
	StatusReconciled = "reconciled"
)

// Segment source values.
const (
	SourceLive  = "live"
	SourceBatch = "batch"
)

// Meeting represents one recorded conversation.
type Meeting struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	AudioPath  string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Segment represents a transcript utterance with offsets relative to the meeting start.
type Segment struct {
	ID        string `json:"id"`
	MeetingID string `json:"meeting_id"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
	Speaker   string `json:"speaker,omitempty"`
	StartMS   int64  `json:"start_ms"`
	EndMS     int64  `json:"end_ms"`
	Source    string `json:"source"`
}
