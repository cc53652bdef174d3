// Package llm provides a streaming client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/resilience"
	"github.com/meeting-tensor/platform/internal/trace"
)

const (
	maxErrorBody = 2 << 10
	maxLine      = 1 << 20
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures the client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// Client streams chat completions. When a breaker is attached, provider
// failures are recorded on it and calls fail fast while it is open.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.Breaker
}

// New returns a client for cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout: streams are bounded by the caller's context.
		hc = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc}
}

// WithBreaker attaches a circuit breaker shared by all callers.
func (c *Client) WithBreaker(b *resilience.Breaker) *Client {
	c.breaker = b
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// callbackError marks errors returned by the caller's onChunk.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

// Stream sends messages and calls onChunk for each non-empty content increment.
// An error from onChunk stops the stream and is returned unchanged.
func (c *Client) Stream(ctx context.Context, messages []Message, onChunk func(string) error) error {
	if c.cfg.APIKey == "" {
		return apperr.New(apperr.CodeLLMNotConfigured, "language model api key is not configured")
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}

	err := c.stream(ctx, messages, onChunk)

	var cbErr callbackError
	switch {
	case errors.As(err, &cbErr):
		// The provider was streaming fine; the consumer stopped it.
		c.record(nil)
		return cbErr.err
	case err != nil && ctx.Err() != nil:
		err = apperr.Wrap(ctx.Err(), apperr.CodeCancelled, "language model stream cancelled")
	}
	c.record(err)
	return err
}

func (c *Client) record(err error) {
	if c.breaker != nil {
		c.breaker.Record(err)
	}
}

func (c *Client) stream(ctx context.Context, messages []Message, onChunk func(string) error) error {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeLLMNotConfigured, "build chat request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	trace.Inject(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUnavailable, "chat request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		code := apperr.CodeLLMAPIError
		if resp.StatusCode == http.StatusTooManyRequests {
			code = apperr.CodeLLMRateLimited
		}
		return apperr.Newf(code, "chat completion returned %d", resp.StatusCode).
			WithMetadata("body", strings.TrimSpace(string(msg)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	finished := false
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // comments, event names, blank separators
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			trace.Logger(ctx).Warn("skipping undecodable stream chunk", "bytes", len(data))
			continue
		}
		if chunk.Error != nil {
			return apperr.Newf(apperr.CodeLLMAPIError, "stream error: %s", chunk.Error.Message).
				WithMetadata("code", chunk.Error.Code)
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
			}
			if choice.Delta.Content == "" {
				continue
			}
			if err := onChunk(choice.Delta.Content); err != nil {
				return callbackError{err}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return apperr.Wrap(err, apperr.CodeLLMAPIError, "read chat stream")
	}
	if finished {
		return nil
	}
	return apperr.New(apperr.CodeLLMAPIError, "chat stream ended without completion marker")
}
