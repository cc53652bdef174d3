package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meeting-tensor/platform/internal/audio"
	"github.com/meeting-tensor/platform/internal/config"
	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/orchestrator/segments"
	"github.com/meeting-tensor/platform/internal/orchestrator/silence"
	"github.com/meeting-tensor/platform/internal/orchestrator/suggestion"
	"github.com/meeting-tensor/platform/internal/orchestrator/transcript"
	"github.com/meeting-tensor/platform/internal/speech"
	"github.com/meeting-tensor/platform/internal/store"
	"github.com/meeting-tensor/platform/internal/syncx"
	"github.com/meeting-tensor/platform/internal/trace"
)

// SpeechConn is one open recognition stream.
type SpeechConn interface {
	SendAudio(ctx context.Context, frame []byte) error
	Events() <-chan []byte
	Err() error
	Finish(ctx context.Context) error
	Close() error
}

// SpeechProvider opens recognition streams.
type SpeechProvider interface {
	Open(ctx context.Context) (SpeechConn, error)
}

// Store is the persistence used by live sessions.
type Store interface {
	segments.Appender
	CreateMeeting(ctx context.Context, title string) (*store.Meeting, error)
	UpdateDuration(ctx context.Context, meetingID string, durationMS int64) error
	MarkRecorded(ctx context.Context, meetingID, audioPath string) error
}

// Reconciler accepts finished recordings for offline re-transcription.
type Reconciler interface {
	Enqueue(meetingID, audioPath string) bool
}

// realtimeProvider adapts the DashScope realtime client.
type realtimeProvider struct {
	rt *speech.Realtime
}

// RealtimeProvider wraps rt as a SpeechProvider.
func RealtimeProvider(rt *speech.Realtime) SpeechProvider {
	return realtimeProvider{rt: rt}
}

func (p realtimeProvider) Open(ctx context.Context) (SpeechConn, error) {
	conn, err := p.rt.Open(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tunes sessions created by a Manager.
type Options struct {
	SampleRate        int
	RecordingsDir     string
	SilenceThreshold  time.Duration
	SilenceInterval   time.Duration
	ContextHorizon    time.Duration
	Suggestion        suggestion.Config
	SegmentBatchSize  int
	SegmentFlushDelay time.Duration
	DrainTimeout      time.Duration
}

// OptionsFromConfig maps the process configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SampleRate:       cfg.SampleRate,
		RecordingsDir:    cfg.RecordingsDir,
		SilenceThreshold: cfg.SilenceThreshold,
		SilenceInterval:  cfg.SilenceInterval,
		ContextHorizon:   cfg.ContextHorizon,
		Suggestion: suggestion.Config{
			Attempts:   cfg.SuggestionAttempts,
			RetryDelay: cfg.SuggestionRetryDelay,
			Pacing:     cfg.SuggestionPacing,
			MaxChars:   cfg.SuggestionMaxChars,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.RecordingsDir == "" {
		o.RecordingsDir = "data/recordings"
	}
	if o.SegmentBatchSize <= 0 {
		o.SegmentBatchSize = SegmentBatchSize
	}
	if o.SegmentFlushDelay <= 0 {
		o.SegmentFlushDelay = SegmentFlushDelay
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DrainTimeout
	}
	return o
}

// Manager creates live sessions and tracks the active ones.
type Manager struct {
	speech     SpeechProvider
	store      Store
	reconciler Reconciler
	metrics    *metrics.Metrics
	pipeline   *suggestion.Pipeline
	opts       Options
	now        func() time.Time
	sessions   *syncx.Registry[string, *Session]
}

// New creates a manager. reconciler may be nil to keep live transcripts only.
func New(sp SpeechProvider, st Store, gen suggestion.Generator, reconciler Reconciler, m *metrics.Metrics, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		speech:     sp,
		store:      st,
		reconciler: reconciler,
		metrics:    m,
		pipeline:   suggestion.NewPipeline(gen, opts.Suggestion, m),
		opts:       opts,
		now:        time.Now,
		sessions:   syncx.NewRegistry[string, *Session](),
	}
}

// Start opens the provider connection, creates the meeting record and the local
// recording, then starts the session's event loop and silence detector. Nothing is
// persisted when the provider connection cannot be established.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	sessionID := uuid.NewString()
	base := trace.WithSession(trace.Detach(ctx), trace.Session{SessionID: sessionID})
	ctx, span := trace.StartSpan(base, "session_start")
	defer span.End()
	log := trace.Logger(ctx)

	conn, err := m.speech.Open(ctx)
	if err != nil {
		span.SetAttr("error", err.Error())
		m.metrics.RecordSessionFailure(apperr.CodeOf(err).String())
		return nil, err
	}

	meeting, err := m.store.CreateMeeting(ctx, "")
	if err != nil {
		_ = conn.Close()
		m.metrics.RecordSessionFailure(apperr.CodeOf(err).String())
		return nil, err
	}

	rec, err := audio.NewRecorder(m.opts.RecordingsDir, meeting.ID, m.opts.SampleRate)
	if err != nil {
		_ = conn.Close()
		m.metrics.RecordSessionFailure(apperr.CodeStorageFailed.String())
		return nil, apperr.Wrap(err, apperr.CodeStorageFailed, "create recording").WithMetadata("meeting_id", meeting.ID)
	}

	sessCtx, cancel := context.WithCancel(trace.WithSession(base, trace.Session{MeetingID: meeting.ID}))
	now := m.now()
	s := &Session{
		id:           sessionID,
		meetingID:    meeting.ID,
		started:      now,
		now:          m.now,
		ctx:          sessCtx,
		cancel:       cancel,
		conn:         conn,
		recorder:     rec,
		store:        m.store,
		reconciler:   m.reconciler,
		metrics:      m.metrics,
		normalizer:   transcript.NewNormalizer(),
		window:       transcript.NewWindow(m.opts.ContextHorizon),
		tracker:      suggestion.NewTracker(now),
		pipeline:     m.pipeline,
		drainTimeout: m.opts.DrainTimeout,
		out:          make(chan any, OutboundBuffer),
		ended:        make(chan struct{}),
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
		onClose:      m.forget,
	}
	s.alive.Store(true)
	s.batcher = segments.NewBatcher(sessCtx, m.store, meeting.ID, m.opts.SegmentBatchSize, m.opts.SegmentFlushDelay, m.metrics)
	s.detector = silence.NewDetector(s.tracker, s.window, m.opts.SilenceThreshold, m.opts.SilenceInterval, s.suggest)

	m.sessions.Put(sessionID, s)
	m.metrics.RecordSessionStart()

	s.start()
	trace.Logger(sessCtx).Info("session started", "recording", rec.Path())
	log.Debug("session registered", "active", m.Active())
	return s, nil
}

func (m *Manager) forget(s *Session) { m.sessions.Delete(s.id) }

// Active returns the number of sessions not yet torn down.
func (m *Manager) Active() int { return m.sessions.Len() }

// CloseAll tears down every active session concurrently.
func (m *Manager) CloseAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.sessions.Values() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(ctx)
		}()
	}
	wg.Wait()
}
