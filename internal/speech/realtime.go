// Package speech talks to the DashScope speech-recognition service: a duplex websocket
// for live recognition and an asynchronous job API for diarized file transcription.
package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Protocol constants for the realtime inference endpoint.
const (
	actionRunTask    = "run-task"
	actionFinishTask = "finish-task"

	eventTaskStarted     = "task-started"
	eventResultGenerated = "result-generated"
	eventTaskFinished    = "task-finished"
	eventTaskFailed      = "task-failed"

	defaultStartTimeout = 10 * time.Second
	eventBuffer         = 64
	readLimit           = 1 << 20
)

// RealtimeConfig configures the live recognition client.
type RealtimeConfig struct {
	URL          string
	APIKey       string
	Model        string
	SampleRate   int
	Format       string // pcm by default
	StartTimeout time.Duration
	HTTPClient   *http.Client
}

// Realtime opens recognition connections.
type Realtime struct {
	cfg RealtimeConfig
}

// NewRealtime returns a client for cfg.
func NewRealtime(cfg RealtimeConfig) *Realtime {
	if cfg.Format == "" {
		cfg.Format = "pcm"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Realtime{cfg: cfg}
}

type header struct {
	Action       string `json:"action,omitempty"`
	Event        string `json:"event,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type envelope struct {
	Header header `json:"header"`
}

type runTask struct {
	Header  header         `json:"header"`
	Payload runTaskPayload `json:"payload"`
}

type runTaskPayload struct {
	TaskGroup  string         `json:"task_group"`
	Task       string         `json:"task"`
	Function   string         `json:"function"`
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters"`
	Input      struct{}       `json:"input"`
}

type finishTask struct {
	Header  header `json:"header"`
	Payload struct {
		Input struct{} `json:"input"`
	} `json:"payload"`
}

// Open dials the service, starts a recognition task and waits for task-started.
func (r *Realtime) Open(ctx context.Context) (*Conn, error) {
	if r.cfg.APIKey == "" {
		return nil, apperr.New(apperr.CodeConfigMissing, "speech api key is not configured")
	}
	ctx, span := trace.StartSpan(ctx, "speech_open")
	defer span.End()
	span.SetAttr("model", r.cfg.Model)

	h := http.Header{}
	h.Set("Authorization", "bearer "+r.cfg.APIKey)
	h.Set("X-DashScope-DataInspection", "enable")
	trace.Inject(ctx, h)

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, r.cfg.URL, &websocket.DialOptions{
		HTTPHeader: h,
		HTTPClient: r.cfg.HTTPClient,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSpeechConnectFailed, "dial speech service")
	}
	ws.SetReadLimit(readLimit)

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	start := runTask{
		Header: header{Action: actionRunTask, TaskID: taskID, Streaming: "duplex"},
		Payload: runTaskPayload{
			TaskGroup: "audio",
			Task:      "asr",
			Function:  "recognition",
			Model:     r.cfg.Model,
			Parameters: map[string]any{
				"format":      r.cfg.Format,
				"sample_rate": r.cfg.SampleRate,
			},
		},
	}
	if err := wsjson.Write(dialCtx, ws, start); err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, apperr.Wrap(err, apperr.CodeSpeechConnectFailed, "send run-task")
	}

	if err := awaitStarted(dialCtx, ws); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "")
		return nil, err
	}
	span.SetAttr("task_id", taskID)

	readCtx, stop := context.WithCancel(trace.Detach(ctx))
	c := &Conn{
		ws:     ws,
		taskID: taskID,
		events: make(chan []byte, eventBuffer),
		stop:   stop,
	}
	go c.readLoop(readCtx)
	return c, nil
}

func awaitStarted(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeSpeechConnectFailed, "await task-started")
		}
		if typ != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Header.Event {
		case eventTaskStarted:
			return nil
		case eventTaskFailed:
			return taskFailed(env.Header, apperr.CodeSpeechConnectFailed)
		}
	}
}

func taskFailed(h header, code apperr.Code) error {
	return apperr.Newf(code, "recognition task failed: %s", h.ErrorMessage).
		WithMetadata("error_code", h.ErrorCode).
		WithMetadata("task_id", h.TaskID)
}

// Conn is one running recognition task. Result events are delivered on Events in
// the order the service emits them; the channel closes when the task ends.
type Conn struct {
	ws     *websocket.Conn
	taskID string
	events chan []byte
	stop   context.CancelFunc

	mu       sync.Mutex
	err      error
	closing  bool
	finished bool

	finishOnce sync.Once
	closeOnce  sync.Once
}

// TaskID returns the service-side task identifier.
func (c *Conn) TaskID() string { return c.taskID }

// Events returns raw result-generated payloads.
func (c *Conn) Events() <-chan []byte { return c.events }

// Err returns the terminal error once Events is closed, or nil for a clean finish.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendAudio forwards one binary audio frame.
func (c *Conn) SendAudio(ctx context.Context, frame []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return apperr.Wrap(err, apperr.CodeSpeechStreamFailed, "send audio")
	}
	return nil
}

// Finish asks the service to flush remaining results and end the task.
func (c *Conn) Finish(ctx context.Context) error {
	var err error
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		msg := finishTask{Header: header{Action: actionFinishTask, TaskID: c.taskID, Streaming: "duplex"}}
		if werr := wsjson.Write(ctx, c.ws, msg); werr != nil {
			err = apperr.Wrap(werr, apperr.CodeSpeechStreamFailed, "send finish-task")
		}
	})
	return err
}

// Close tears down the connection immediately.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.stop()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.events)
	log := trace.Logger(ctx)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.fail(apperr.Wrap(err, apperr.CodeSpeechStreamFailed, "speech connection lost"))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("dropping undecodable speech event", "bytes", len(data))
			continue
		}

		switch env.Header.Event {
		case eventResultGenerated:
			select {
			case c.events <- data:
			case <-ctx.Done():
				return
			}
		case eventTaskFinished:
			c.mu.Lock()
			c.finished = true
			c.mu.Unlock()
			return
		case eventTaskFailed:
			c.fail(taskFailed(env.Header, apperr.CodeSpeechStreamFailed))
			return
		default:
			log.Debug("ignoring speech event", "event", env.Header.Event)
		}
	}
}

// fail records err unless the connection is being closed deliberately.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.finished {
		return
	}
	if c.err == nil {
		c.err = err
	}
}
