package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/resilience"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Batch task states.
const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskSucceeded = "SUCCEEDED"
	TaskFailed    = "FAILED"
	TaskUnknown   = "UNKNOWN"
)

const maxErrorBody = 2 << 10

// BatchConfig configures the file transcription client.
type BatchConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Retry        resilience.RetryConfig
}

// BatchOptions tunes one submitted job.
type BatchOptions struct {
	Diarization   bool
	SpeakerCount  int
	LanguageHints []string
}

// Batch submits asynchronous transcription jobs and collects their result documents.
type Batch struct {
	cfg  BatchConfig
	http *http.Client
}

// NewBatch returns a batch client for cfg.
func NewBatch(cfg BatchConfig) *Batch {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.BatchRetryConfig()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Batch{cfg: cfg, http: hc}
}

type submitRequest struct {
	Model string `json:"model"`
	Input struct {
		FileURLs []string `json:"file_urls"`
	} `json:"input"`
	Parameters map[string]any `json:"parameters"`
}

type taskResponse struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			FileURL          string          `json:"file_url"`
			TranscriptionURL string          `json:"transcription_url"`
			SubtaskStatus    string          `json:"subtask_status"`
			Code             string          `json:"code"`
			Message          string          `json:"message"`
			Transcription    json.RawMessage `json:"transcription,omitempty"`
		} `json:"results"`
	} `json:"output"`
}

// Submit starts a job for the audio at audioURL and returns its task id.
func (b *Batch) Submit(ctx context.Context, audioURL string, opts BatchOptions) (string, error) {
	if b.cfg.APIKey == "" {
		return "", apperr.New(apperr.CodeConfigMissing, "batch api key is not configured")
	}
	req := submitRequest{Model: b.cfg.Model, Parameters: map[string]any{}}
	req.Input.FileURLs = []string{audioURL}
	if opts.Diarization {
		req.Parameters["diarization_enabled"] = true
		if opts.SpeakerCount > 0 {
			req.Parameters["speaker_count"] = opts.SpeakerCount
		}
	}
	if len(opts.LanguageHints) > 0 {
		req.Parameters["language_hints"] = opts.LanguageHints
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "encode submit request")
	}

	var resp taskResponse
	err = resilience.Retry(ctx, b.cfg.Retry, func() error {
		return b.doJSON(ctx, http.MethodPost, b.cfg.BaseURL+"/services/audio/asr/transcription", body, true, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.Output.TaskID == "" {
		return "", apperr.Newf(apperr.CodeBatchJobFailed, "submit returned no task id: %s %s", resp.Code, resp.Message)
	}
	trace.Logger(ctx).Info("submitted batch transcription", "task_id", resp.Output.TaskID, "model", b.cfg.Model)
	return resp.Output.TaskID, nil
}

// Await polls the task until it finishes and returns the transcription documents.
// Results embedded inline are returned as the whole task output.
func (b *Batch) Await(ctx context.Context, taskID string) ([]json.RawMessage, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	log := trace.Logger(ctx).With("task_id", taskID)

	for {
		var resp taskResponse
		var raw json.RawMessage
		err := resilience.Retry(ctx, b.cfg.Retry, func() error {
			return b.doJSON(ctx, http.MethodGet, b.cfg.BaseURL+"/tasks/"+taskID, nil, false, &raw)
		})
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeBatchShapeUnknown, "decode task status")
		}

		switch resp.Output.TaskStatus {
		case TaskSucceeded:
			return b.collect(ctx, raw, resp)
		case TaskFailed, TaskUnknown:
			return nil, apperr.Newf(apperr.CodeBatchJobFailed, "batch task %s: %s %s",
				strings.ToLower(resp.Output.TaskStatus), resp.Output.Code, resp.Output.Message).
				WithMetadata("task_id", taskID)
		default:
			log.Debug("batch task pending", "status", resp.Output.TaskStatus)
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(ctx.Err(), apperr.CodeTimeout, "await batch task")
		case <-ticker.C:
		}
	}
}

func (b *Batch) collect(ctx context.Context, raw json.RawMessage, resp taskResponse) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	inline := false
	for _, r := range resp.Output.Results {
		if r.SubtaskStatus != "" && r.SubtaskStatus != TaskSucceeded {
			trace.Logger(ctx).Warn("batch subtask failed", "file_url", r.FileURL, "code", r.Code, "message", r.Message)
			continue
		}
		if r.TranscriptionURL == "" {
			inline = inline || len(r.Transcription) > 0
			continue
		}
		var doc json.RawMessage
		err := resilience.Retry(ctx, b.cfg.Retry, func() error {
			return b.doJSON(ctx, http.MethodGet, r.TranscriptionURL, nil, false, &doc)
		})
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if inline || len(docs) == 0 {
		docs = append(docs, raw)
	}
	return docs, nil
}

// doJSON performs one request. Transient failures come back retryable by status code.
func (b *Batch) doJSON(ctx context.Context, method, url string, body []byte, async bool, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInvalidArgument, "build request")
	}
	// Result documents live on signed OSS urls and must not carry credentials.
	if strings.HasPrefix(url, b.cfg.BaseURL) {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}
	trace.Inject(ctx, req.Header)

	resp, err := b.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(ctx.Err(), apperr.CodeTimeout, "batch request")
		}
		return apperr.Wrap(err, apperr.CodeUnavailable, "batch request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		code := apperr.CodeBatchJobFailed
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			code = apperr.CodeUnavailable
		}
		return apperr.Newf(code, "%s %s: %d", method, redact(url), resp.StatusCode).
			WithMetadata("body", strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(err, apperr.CodeBatchShapeUnknown, "decode response")
	}
	return nil
}

// redact drops the query string, which carries signatures.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
