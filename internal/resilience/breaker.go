package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
)

// State represents circuit breaker state
type State uint32

const (
	Closed   State = iota // Normal operation
	Open                  // Failing fast
	HalfOpen              // One probe call in flight
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrOpen is returned while the breaker rejects calls. It classifies as UNAVAILABLE.
var ErrOpen = apperr.New(apperr.CodeUnavailable, "circuit breaker open")

// Counts is a snapshot of the breaker's counters.
type Counts struct {
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	Rejected            int64
}

// Breaker guards a provider shared by many callers. While half-open it admits a
// single probe at a time; everyone else gets ErrOpen until the probe reports back.
type Breaker struct {
	name  string
	cfg   Config
	clock func() time.Time

	state       atomic.Uint32
	failures    atomic.Int32
	successes   atomic.Int32
	rejected    atomic.Int64
	probing     atomic.Bool
	lastFailure atomic.Int64 // unix nano

	onStateChange func(name string, from, to State)
}

// New creates a named breaker with config
func New(name string, cfg Config) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), clock: time.Now}
	b.state.Store(uint32(Closed))
	return b
}

// WithHook sets state change callback (for metrics/logging)
func (b *Breaker) WithHook(fn func(name string, from, to State)) *Breaker {
	b.onStateChange = fn
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. A nil result obliges the caller to
// report the outcome through Record, Success or Failure.
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case Closed:
		return nil
	case Open:
		if !b.cooledDown() {
			break
		}
		if b.state.CompareAndSwap(uint32(Open), uint32(HalfOpen)) {
			b.notify(Open, HalfOpen)
		}
		fallthrough
	case HalfOpen:
		if b.probing.CompareAndSwap(false, true) {
			return nil
		}
	}
	b.rejected.Add(1)
	return ErrOpen
}

// Record reports the outcome of an admitted call. Errors the config does not
// count as failures release a half-open probe without moving the breaker.
func (b *Breaker) Record(err error) {
	switch {
	case err == nil:
		b.Success()
	case b.cfg.IsFailure(err):
		b.Failure()
	default:
		b.probing.Store(false)
	}
}

// Success records successful call
func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
		b.probing.Store(false)
	case Closed:
		b.failures.Store(0)
	}
}

// Failure records failed call
func (b *Breaker) Failure() {
	b.lastFailure.Store(b.clock().UnixNano())
	count := b.failures.Add(1)

	switch State(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
		b.probing.Store(false)
	case Closed:
		if count >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns current state
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Counts returns the current counters.
func (b *Breaker) Counts() Counts {
	return Counts{
		ConsecutiveFailures: int(b.failures.Load()),
		HalfOpenSuccesses:   int(b.successes.Load()),
		Rejected:            b.rejected.Load(),
	}
}

// Reset forces breaker to closed state
func (b *Breaker) Reset() {
	b.transition(Closed)
	b.probing.Store(false)
}

// Do runs fn when the breaker admits it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	switch to {
	case Closed:
		b.failures.Store(0)
		b.successes.Store(0)
		slog.Info("circuit breaker closed", "breaker", b.name)
	case Open:
		b.successes.Store(0)
		b.probing.Store(false)
		slog.Warn("circuit breaker opened", "breaker", b.name, "failures", b.failures.Load())
	}
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if to == HalfOpen {
		slog.Info("circuit breaker half-open", "breaker", b.name)
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

func (b *Breaker) cooledDown() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return b.clock().Sub(time.Unix(0, last)) > b.cfg.ResetTimeout
}

// countsAsFailure is the default classification: caller cancellation is not the
// provider's fault.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !apperr.IsCode(err, apperr.CodeCancelled)
}
