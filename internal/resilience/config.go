package resilience

import "time"

// Breaker defaults, used for any zero field of a Config.
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3
)

// Language-model breaker: trip quickly, probe again soon.
const (
	LLMThreshold         = 4
	LLMResetTimeout      = 15 * time.Second
	LLMHalfOpenSuccesses = 1
)

// Config holds circuit breaker settings.
type Config struct {
	Threshold         int           // consecutive failures before opening
	ResetTimeout      time.Duration // cooldown before a probe is admitted
	HalfOpenSuccesses int           // probe successes needed to close
	// IsFailure decides which errors count against the provider. Defaults to
	// everything except cancellation.
	IsFailure func(error) bool
}

// LLMConfig returns the settings of the breaker shared by every session's
// suggestion pipeline.
func LLMConfig() Config {
	return Config{
		Threshold:         LLMThreshold,
		ResetTimeout:      LLMResetTimeout,
		HalfOpenSuccesses: LLMHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.IsFailure == nil {
		c.IsFailure = countsAsFailure
	}
	return c
}
