package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meeting-tensor/platform/internal/audio"
	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/orchestrator/segments"
	"github.com/meeting-tensor/platform/internal/orchestrator/silence"
	"github.com/meeting-tensor/platform/internal/orchestrator/suggestion"
	"github.com/meeting-tensor/platform/internal/orchestrator/transcript"
	"github.com/meeting-tensor/platform/internal/store"
	"github.com/meeting-tensor/platform/internal/trace"
)

// ErrSessionClosed is returned by sends after the session has been torn down.
var ErrSessionClosed = apperr.New(apperr.CodeCancelled, "session closed")

// Session owns one live conversation: the provider connection, the local recording,
// the context window and the suggestion state.
type Session struct {
	id        string
	meetingID string
	started   time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conn       SpeechConn
	recorder   *audio.Recorder
	store      Store
	reconciler Reconciler
	metrics    *metrics.Metrics

	normalizer *transcript.Normalizer
	window     *transcript.Window
	tracker    *suggestion.Tracker
	pipeline   *suggestion.Pipeline
	detector   *silence.Detector
	batcher    *segments.Batcher

	drainTimeout time.Duration

	out      chan any
	ended    chan struct{} // provider event stream finished
	stopping chan struct{} // teardown started
	done     chan struct{} // teardown complete
	alive    atomic.Bool

	mu      sync.Mutex
	closing bool

	// owned by the event loop
	uttOpen  bool
	uttStart time.Duration

	closeOnce sync.Once
	onClose   func(*Session)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// MeetingID returns the persisted meeting this session records into.
func (s *Session) MeetingID() string { return s.meetingID }

// Out returns client-bound messages. It is never closed; stop reading once Done is closed.
func (s *Session) Out() <-chan any { return s.out }

// Ended is closed when the provider stream finishes, normally or not.
func (s *Session) Ended() <-chan struct{} { return s.ended }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Tracker exposes the suggestion state.
func (s *Session) Tracker() *suggestion.Tracker { return s.tracker }

func (s *Session) start() {
	go s.eventLoop()
	go s.detector.Run(s.ctx)
	s.emit(SessionMessage{Type: TypeSession, MeetingID: s.meetingID})
}

// HandleAudio records and forwards one audio frame unless the session is paused.
func (s *Session) HandleAudio(ctx context.Context, frame []byte) error {
	if len(frame) == 0 || s.tracker.Paused() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosed
	}
	if _, err := s.recorder.Write(frame); err != nil {
		trace.Logger(s.ctx).Warn("recording write failed", "error", err)
	}
	s.metrics.RecordAudio(len(frame))
	return s.conn.SendAudio(ctx, frame)
}

// HandleControl applies a pause or resume request. Pausing also persists the
// segments confirmed so far.
func (s *Session) HandleControl(kind string) error {
	switch kind {
	case ControlPause:
		s.tracker.SetPaused(true)
		s.batcher.Flush()
	case ControlResume:
		s.tracker.SetPaused(false)
	default:
		return apperr.Newf(apperr.CodeInvalidArgument, "unknown control message %q", kind)
	}
	trace.Logger(s.ctx).Info("session control", "type", kind)
	return nil
}

// Paused reports whether audio is currently suppressed.
func (s *Session) Paused() bool { return s.tracker.Paused() }

func (s *Session) eventLoop() {
	defer close(s.ended)
	for raw := range s.conn.Events() {
		s.handleEvent(raw)
	}
	if err := s.conn.Err(); err != nil {
		trace.Logger(s.ctx).Error("speech stream failed", "error", err)
		s.metrics.RecordSessionFailure(apperr.CodeOf(err).String())
		s.emit(ErrorFor(err))
	}
}

func (s *Session) handleEvent(raw []byte) {
	now := s.now()
	ev, ok, err := s.normalizer.Normalize(raw, now)
	if err != nil {
		s.metrics.RecordMalformed()
		trace.Logger(s.ctx).Warn("dropping malformed speech event", "bytes", len(raw), "error", err)
		return
	}
	if !ok {
		return
	}

	offset := now.Sub(s.started)
	if !s.uttOpen {
		s.uttOpen = true
		s.uttStart = offset
	}
	s.metrics.RecordTranscript(ev.IsFinal)

	if ev.Confirmed() {
		s.window.Append(now, ev.Text, ev.Speaker)
		s.batcher.Add(store.Segment{
			Text:    ev.Text,
			Speaker: ev.Speaker,
			StartMS: s.uttStart.Milliseconds(),
			EndMS:   offset.Milliseconds(),
			Source:  store.SourceLive,
		})
		s.tracker.Activity(now)
	}
	if ev.IsFinal {
		s.uttOpen = false
	}
	s.emit(TranscriptMessage{Type: TypeTranscript, Text: ev.Text, IsFinal: ev.IsFinal, Speaker: ev.Speaker})
}

func (s *Session) suggest(ctx context.Context) {
	s.metrics.RecordTrigger()
	if err := s.pipeline.Run(ctx, s.tracker, s.window, s); err != nil {
		trace.Logger(ctx).Debug("suggestion ended with error", "error", err)
	}
}

// emit queues msg for the client. Once teardown has started it no longer waits for
// buffer space.
func (s *Session) emit(msg any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.stopping:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return ErrSessionClosed
	}
}

// Alive reports whether the session still accepts suggestion output.
func (s *Session) Alive() bool { return s.alive.Load() }

// Thinking implements suggestion.Sink.
func (s *Session) Thinking(context.Context) error {
	return s.emitAlive(StatusMessage{Type: TypeStatus, Content: StatusThinking})
}

// Delta implements suggestion.Sink.
func (s *Session) Delta(_ context.Context, content string) error {
	return s.emitAlive(DeltaMessage{Type: TypeSuggestionDelta, Content: content})
}

// End implements suggestion.Sink.
func (s *Session) End(context.Context) error {
	return s.emitAlive(EndMessage{Type: TypeSuggestionEnd})
}

// Fail implements suggestion.Sink.
func (s *Session) Fail(_ context.Context, err error) error {
	return s.emitAlive(ErrorFor(err))
}

func (s *Session) emitAlive(msg any) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	return s.emit(msg)
}

// Close stops the session: audio forwarding ends, the provider is asked to flush,
// remaining finals are persisted and the recording is handed to reconciliation.
// It is safe to call more than once and from any goroutine.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() { s.teardown(ctx) })
	<-s.done
}

func (s *Session) teardown(ctx context.Context) {
	log := trace.Logger(s.ctx)
	s.alive.Store(false)
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	close(s.stopping)
	s.cancel()

	drainCtx, cancel := context.WithTimeout(trace.Detach(ctx), s.drainTimeout)
	defer cancel()
	if err := s.conn.Finish(drainCtx); err != nil {
		log.Debug("finish-task failed", "error", err)
	}
	select {
	case <-s.ended:
	case <-drainCtx.Done():
		log.Warn("speech drain timed out", "timeout", s.drainTimeout)
	}
	_ = s.conn.Close()
	<-s.ended

	s.batcher.Stop()
	if err := s.recorder.Close(); err != nil {
		log.Warn("close recording failed", "error", err)
	}

	writeCtx, cancelWrite := context.WithTimeout(trace.Detach(s.ctx), TeardownWriteTimeout)
	defer cancelWrite()
	s.finalize(writeCtx)

	elapsed := s.now().Sub(s.started)
	s.metrics.RecordSessionEnd(elapsed)
	log.Info("session closed", "elapsed", elapsed.Round(time.Millisecond), "audio_bytes", s.recorder.Bytes(),
		"context_entries", len(s.window.Entries()))

	close(s.done)
	if s.onClose != nil {
		s.onClose(s)
	}
}

// finalize persists the recording and schedules reconciliation if audio was captured.
func (s *Session) finalize(ctx context.Context) {
	log := trace.Logger(ctx)
	if s.recorder.Bytes() == 0 {
		if err := os.Remove(s.recorder.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Debug("remove empty recording failed", "error", err)
		}
		return
	}

	if err := s.store.UpdateDuration(ctx, s.meetingID, s.recorder.Duration().Milliseconds()); err != nil {
		log.Warn("update duration failed", "error", err)
	}
	if err := s.store.MarkRecorded(ctx, s.meetingID, s.recorder.Path()); err != nil {
		log.Warn("mark recorded failed", "error", err)
	}
	if s.reconciler == nil {
		return
	}
	if !s.reconciler.Enqueue(s.meetingID, s.recorder.Path()) {
		log.Warn("reconciliation queue full, live transcript kept", "path", s.recorder.Path())
	}
}

// ErrorFor converts err into the client error event.
func ErrorFor(err error) ErrorMessage {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return ErrorMessage{Type: TypeError, Code: appErr.Code.String(), Content: appErr.Message}
	}
	return ErrorMessage{Type: TypeError, Code: apperr.CodeInternal.String(), Content: err.Error()}
}
