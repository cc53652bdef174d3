package suggestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/llm"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/orchestrator/transcript"
	"github.com/meeting-tensor/platform/internal/resilience"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Pipeline defaults
const (
	DefaultAttempts   = resilience.SuggestionMaxAttempts
	DefaultRetryDelay = resilience.SuggestionDelay
	DefaultPacing     = 100 * time.Millisecond
	DefaultMaxChars   = 20
)

// FailureNotice is shown to the user once every attempt has failed.
const FailureNotice = "暂时无法生成建议，请稍后再试"

// errAborted stops generation once the session is gone.
var errAborted = errors.New("session ended")

// Generator streams a chat completion as text increments.
type Generator interface {
	Stream(ctx context.Context, messages []llm.Message, onChunk func(string) error) error
}

// Sink receives the client-visible side effects of one generation. Every method is
// called only after Alive returned true.
type Sink interface {
	Alive() bool
	Thinking(ctx context.Context) error
	Delta(ctx context.Context, content string) error
	End(ctx context.Context) error
	Fail(ctx context.Context, err error) error
}

// Config tunes retries, pacing and the prompt length cap.
type Config struct {
	Attempts   int
	RetryDelay time.Duration
	Pacing     time.Duration
	MaxChars   int
}

// Pipeline turns the rendered context into a streamed follow-up question.
type Pipeline struct {
	gen     Generator
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPipeline creates a pipeline. Zero config fields take the defaults.
func NewPipeline(gen Generator, cfg Config, m *metrics.Metrics) *Pipeline {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Pipeline{gen: gen, cfg: cfg, metrics: m, now: time.Now}
}

// Prompt builds the chat request for the rendered context.
func Prompt(rendered string, maxChars int) []llm.Message {
	system := fmt.Sprintf("你是一名善于倾听的对话助手。对话出现停顿时，你要提出一个能让对话继续下去的追问。"+
		"要求：必须引用对话中已经提到的具体内容；问题不超过%d个字；"+
		"必须是开放式问题，不能用“是不是”“对吗”“有没有”等可以用是或否回答的问法；只输出问题本身。", maxChars)
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "对话内容：" + rendered},
	}
}

// Run generates one suggestion for a Triggered tracker. It returns nil without side
// effects if another generation already holds the slot.
func (p *Pipeline) Run(ctx context.Context, tracker *Tracker, window *transcript.Window, sink Sink) error {
	if !tracker.Begin() {
		return nil
	}
	ctx, span := trace.StartSpan(ctx, "suggestion")
	defer span.End()
	log := trace.Logger(ctx)
	start := p.now()

	delivered := false
	defer func() { tracker.Finish(delivered) }()

	if !sink.Alive() {
		p.metrics.RecordSuggestion("aborted", time.Since(start))
		return nil
	}
	if err := sink.Thinking(ctx); err != nil {
		return err
	}

	messages := Prompt(window.Render(p.now()), p.cfg.MaxChars)
	retry := resilience.SuggestionRetryConfig(p.cfg.Attempts, p.cfg.RetryDelay)
	retry.IsRetryable = func(err error) bool { return !errors.Is(err, errAborted) }
	retry.OnRetry = func(attempt int, err error) {
		log.Warn("suggestion attempt failed", "attempt", attempt, "error", err)
	}

	attempts := 0
	partial := false // the previous attempt forwarded deltas before failing
	err := resilience.Retry(ctx, retry, func() error {
		attempts++
		p.metrics.RecordAttempt()
		if !sink.Alive() {
			return errAborted
		}
		if partial {
			// A new thinking status makes the client start a fresh suggestion.
			if err := sink.Thinking(ctx); err != nil {
				return errAborted
			}
			partial = false
		}
		return p.gen.Stream(ctx, messages, func(chunk string) error {
			if !sink.Alive() {
				return errAborted
			}
			if err := sink.Delta(ctx, chunk); err != nil {
				return errAborted
			}
			partial = true
			return pace(ctx, p.cfg.Pacing)
		})
	})
	span.SetAttr("attempts", attempts)

	switch {
	case errors.Is(err, errAborted) || !sink.Alive():
		span.SetAttr("outcome", "aborted")
		p.metrics.RecordSuggestion("aborted", time.Since(start))
		return nil
	case err != nil:
		span.SetAttr("outcome", "failed")
		p.metrics.RecordSuggestion("failed", time.Since(start))
		log.Error("suggestion failed", "attempts", attempts, "error", err)
		failure := apperr.Wrap(err, apperr.CodeSuggestionFailed, FailureNotice)
		if serr := sink.Fail(ctx, failure); serr != nil {
			return serr
		}
		return failure
	}

	if err := sink.End(ctx); err != nil {
		return err
	}
	delivered = true
	span.SetAttr("outcome", "delivered")
	p.metrics.RecordSuggestion("delivered", time.Since(start))
	log.Info("suggestion delivered", "attempts", attempts)
	return nil
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
