// Package silence watches a session's activity and requests a suggestion once per silence.
package silence

import (
	"context"
	"time"

	"github.com/meeting-tensor/platform/internal/orchestrator/suggestion"
	"github.com/meeting-tensor/platform/internal/orchestrator/transcript"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Detector defaults
const (
	DefaultThreshold = 3500 * time.Millisecond
	DefaultInterval  = 500 * time.Millisecond
)

// Detector polls the tracker and fires onTrigger when the conversation has gone quiet.
type Detector struct {
	tracker   *suggestion.Tracker
	window    *transcript.Window
	threshold time.Duration
	interval  time.Duration
	onTrigger func(ctx context.Context)
}

// NewDetector creates a silence detector. onTrigger runs on its own goroutine so a
// slow generation never delays the next check.
func NewDetector(tracker *suggestion.Tracker, window *transcript.Window, threshold, interval time.Duration, onTrigger func(ctx context.Context)) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{
		tracker:   tracker,
		window:    window,
		threshold: threshold,
		interval:  interval,
		onTrigger: onTrigger,
	}
}

// Check evaluates the trigger condition at now. It returns true when it moved the
// tracker to Triggered.
func (d *Detector) Check(now time.Time) bool {
	return d.tracker.TryTrigger(now, d.threshold, d.window.Len(now) > 0)
}

// Run checks every interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	log := trace.Logger(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !d.Check(now) {
				continue
			}
			log.Info("silence detected, requesting suggestion",
				"silence", now.Sub(d.tracker.LastActivity()).Round(time.Millisecond))
			go d.onTrigger(trace.Detach(ctx))
		}
	}
}
