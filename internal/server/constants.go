// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Control text frames allowed per connection in the sliding window.
	// Binary audio frames are never limited.
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Per-message deadline for websocket writes
	WriteTimeout = 10 * time.Second

	// Largest accepted inbound frame (one audio chunk or control message)
	ReadLimit = 1 << 20

	// Meeting list paging
	DefaultListLimit = 50
	MaxListLimit     = 200

	// Wire code for throttled control messages
	CodeRateLimited = "RATE_LIMITED"
)
