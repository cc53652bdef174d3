// Package transcript normalizes recognition events and keeps the rolling conversation context.
package transcript

import "time"

// Event is one provider-independent recognition update.
type Event struct {
	Text      string
	IsFinal   bool
	Speaker   string
	Timestamp time.Time
}

// Confirmed reports whether the event should enter the context window.
func (e Event) Confirmed() bool {
	return e.IsFinal && e.Text != ""
}
