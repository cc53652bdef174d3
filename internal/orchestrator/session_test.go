package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meeting-tensor/platform/internal/audio"
	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/llm"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/orchestrator/suggestion"
	"github.com/meeting-tensor/platform/internal/store"
)

type fakeConn struct {
	events chan []byte

	mu   sync.Mutex
	sent [][]byte
	err  error

	onFinish  func(c *fakeConn)
	finished  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{events: make(chan []byte, 32)} }

func (c *fakeConn) SendAudio(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Events() <-chan []byte { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Finish(context.Context) error {
	c.finished.Store(true)
	if c.onFinish != nil {
		c.onFinish(c)
	}
	c.end()
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.end()
	return nil
}

func (c *fakeConn) end() { c.closeOnce.Do(func() { close(c.events) }) }

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.end()
}

func (c *fakeConn) sentFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeSpeech struct {
	conn *fakeConn
	err  error
}

func (f *fakeSpeech) Open(context.Context) (SpeechConn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeReconciler) Enqueue(meetingID, audioPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, meetingID+"|"+audioPath)
	return true
}

func (r *fakeReconciler) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeGenerator struct {
	chunks []string
	calls  atomic.Int32
}

func (g *fakeGenerator) Stream(_ context.Context, _ []llm.Message, onChunk func(string) error) error {
	g.calls.Add(1)
	for _, c := range g.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func result(text string, final bool) []byte {
	return []byte(fmt.Sprintf(`{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":%q,"sentence_end":%v}}}}`, text, final))
}

type harness struct {
	mgr   *Manager
	conn  *fakeConn
	store *store.Store
	rec   *fakeReconciler
	gen   *fakeGenerator
	dir   string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{conn: newFakeConn(), store: st, rec: &fakeReconciler{}, gen: &fakeGenerator{}, dir: t.TempDir()}
	opts.RecordingsDir = h.dir
	if opts.SilenceThreshold == 0 {
		opts.SilenceThreshold = time.Hour
	}
	opts.SegmentFlushDelay = time.Hour
	opts.DrainTimeout = 200 * time.Millisecond
	h.mgr = New(&fakeSpeech{conn: h.conn}, st, h.gen, h.rec, metrics.New(prometheus.NewRegistry()), opts)
	return h
}

func next(t *testing.T, s *Session) any {
	t.Helper()
	select {
	case m := <-s.Out():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a session message")
		return nil
	}
}

func nextTranscript(t *testing.T, s *Session) TranscriptMessage {
	t.Helper()
	for {
		if m, ok := next(t, s).(TranscriptMessage); ok {
			return m
		}
	}
}

func TestSessionTranscriptFlow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	s, err := h.mgr.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m, ok := next(t, s).(SessionMessage); !ok || m.MeetingID != s.MeetingID() {
		t.Fatalf("first message = %#v, want session announcement", m)
	}

	frame := make([]byte, 3200)
	if err := s.HandleAudio(ctx, frame); err != nil {
		t.Fatal(err)
	}
	h.conn.events <- result("你好", false)
	h.conn.events <- result("你好世界", true)

	partial := nextTranscript(t, s)
	if partial.Text != "你好" || partial.IsFinal {
		t.Errorf("partial = %+v", partial)
	}
	final := nextTranscript(t, s)
	if final.Text != "你好世界" || !final.IsFinal || final.Type != TypeTranscript {
		t.Errorf("final = %+v", final)
	}

	s.Close(ctx)

	m, err := h.store.GetMeeting(ctx, s.MeetingID())
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Segments) != 1 || m.Segments[0].Text != "你好世界" || m.Segments[0].Source != store.SourceLive {
		t.Errorf("segments = %+v", m.Segments)
	}
	if m.Status != store.StatusRecorded {
		t.Errorf("status = %q, want %q", m.Status, store.StatusRecorded)
	}
	if m.DurationMS != 100 {
		t.Errorf("duration = %d, want 100 (3200 bytes at 16 kHz)", m.DurationMS)
	}
	if !h.conn.finished.Load() || !h.conn.closed.Load() {
		t.Error("provider connection should be finished and closed")
	}

	calls := h.rec.Calls()
	if len(calls) != 1 || calls[0] != s.MeetingID()+"|"+m.AudioPath {
		t.Errorf("reconcile calls = %v", calls)
	}
	data, err := os.ReadFile(m.AudioPath)
	if err != nil {
		t.Fatal(err)
	}
	pcm, rate, err := audio.Decode(data)
	if err != nil || rate != 16000 || len(pcm) != 3200 {
		t.Errorf("recording = %d bytes at %d Hz, err %v", len(pcm), rate, err)
	}
	if h.mgr.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.mgr.Active())
	}
}

type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestSessionEmptyFinalClosesUtterance(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()
	clock := &steppedClock{now: base}
	h.mgr.now = clock.Now
	ctx := context.Background()

	s, err := h.mgr.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	next(t, s)

	clock.Set(base.Add(time.Second))
	h.conn.events <- result("嗯", false)
	if m := nextTranscript(t, s); m.Text != "嗯" || m.IsFinal {
		t.Fatalf("partial = %+v", m)
	}

	clock.Set(base.Add(2 * time.Second))
	h.conn.events <- result("", true)
	if m := nextTranscript(t, s); m.Text != "" || !m.IsFinal {
		t.Fatalf("empty final = %+v, want forwarded with is_final", m)
	}

	clock.Set(base.Add(5 * time.Second))
	h.conn.events <- result("我们开始吧", true)
	if m := nextTranscript(t, s); m.Text != "我们开始吧" || !m.IsFinal {
		t.Fatalf("final = %+v", m)
	}

	s.Close(ctx)

	m, err := h.store.GetMeeting(ctx, s.MeetingID())
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Segments) != 1 {
		t.Fatalf("segments = %+v, want only the non-empty final", m.Segments)
	}
	if seg := m.Segments[0]; seg.StartMS != 5000 || seg.EndMS != 5000 {
		t.Errorf("segment span = %d..%d, want 5000..5000", seg.StartMS, seg.EndMS)
	}
	if got := s.window.Len(base.Add(5 * time.Second)); got != 1 {
		t.Errorf("window entries = %d, want 1", got)
	}
}

func TestSessionPauseSuppressesAudio(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	s, err := h.mgr.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	h.conn.events <- result("before pause", true)
	nextTranscript(t, s)

	if err := s.HandleControl(ControlPause); err != nil {
		t.Fatal(err)
	}
	_ = s.HandleAudio(ctx, make([]byte, 640))
	if n := h.conn.sentFrames(); n != 0 {
		t.Errorf("frames forwarded while paused = %d", n)
	}
	if n := s.recorder.Bytes(); n != 0 {
		t.Errorf("bytes recorded while paused = %d", n)
	}

	var persisted int
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		m, err := h.store.GetMeeting(ctx, s.MeetingID())
		if err != nil {
			t.Fatal(err)
		}
		if persisted = len(m.Segments); persisted > 0 {
			break
		}
	}
	if persisted != 1 {
		t.Errorf("segments persisted on pause = %d, want 1", persisted)
	}
	if s.window.Len(time.Now()) != 1 {
		t.Error("pause must keep the context window")
	}
	if s.Tracker().State() != suggestion.Idle {
		t.Errorf("state = %v, pause must not reset it", s.Tracker().State())
	}

	if err := s.HandleControl(ControlResume); err != nil {
		t.Fatal(err)
	}
	_ = s.HandleAudio(ctx, make([]byte, 640))
	if n := h.conn.sentFrames(); n != 1 {
		t.Errorf("frames forwarded after resume = %d, want 1", n)
	}
}

func TestSessionUnknownControl(t *testing.T) {
	h := newHarness(t, Options{})
	s, err := h.mgr.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	if err := s.HandleControl("rewind"); !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Errorf("HandleControl() = %v, want INVALID_ARGUMENT", err)
	}
}

func TestSessionSpeechOpenFailure(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	openErr := apperr.New(apperr.CodeSpeechConnectFailed, "dial speech service")
	mgr := New(&fakeSpeech{err: openErr}, st, &fakeGenerator{}, nil, nil, Options{RecordingsDir: t.TempDir()})

	if _, err := mgr.Start(context.Background()); !errors.Is(err, openErr) {
		t.Fatalf("Start() error = %v", err)
	}
	meetings, err := st.ListMeetings(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(meetings) != 0 {
		t.Errorf("meetings = %d, nothing should be persisted", len(meetings))
	}
}

func TestSessionStreamFailureIsReported(t *testing.T) {
	h := newHarness(t, Options{})
	s, err := h.mgr.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h.conn.fail(apperr.New(apperr.CodeSpeechStreamFailed, "recognition task failed"))

	var got ErrorMessage
	for {
		if m, ok := next(t, s).(ErrorMessage); ok {
			got = m
			break
		}
	}
	if got.Code != "SPEECH_STREAM_FAILED" {
		t.Errorf("error code = %q", got.Code)
	}
	select {
	case <-s.Ended():
	case <-time.After(time.Second):
		t.Fatal("Ended not closed after stream failure")
	}
	s.Close(context.Background())
	if len(h.rec.Calls()) != 0 {
		t.Error("no audio was recorded, nothing to reconcile")
	}
}

func TestSessionMalformedEventKeepsStream(t *testing.T) {
	h := newHarness(t, Options{})
	s, err := h.mgr.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	h.conn.events <- []byte(`{"payload":`)
	h.conn.events <- []byte(`{"payload":{"output":{"sentence":{"heartbeat":true}}}}`)
	h.conn.events <- result("still here", true)

	if m := nextTranscript(t, s); m.Text != "still here" {
		t.Errorf("transcript = %+v", m)
	}
}

func TestSessionDrainsFinalsOnClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.conn.onFinish = func(c *fakeConn) { c.events <- result("last words", true) }
	ctx := context.Background()

	s, err := h.mgr.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Close(ctx)

	m, err := h.store.GetMeeting(ctx, s.MeetingID())
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Segments) != 1 || m.Segments[0].Text != "last words" {
		t.Errorf("segments = %+v, finals flushed at teardown must be persisted", m.Segments)
	}
}

func TestSessionSuggestionAfterSilence(t *testing.T) {
	h := newHarness(t, Options{SilenceThreshold: 30 * time.Millisecond, SilenceInterval: 5 * time.Millisecond,
		Suggestion: suggestion.Config{Attempts: 1, Pacing: 0}})
	h.gen.chunks = []string{"后来", "怎样了？"}
	ctx := context.Background()

	s, err := h.mgr.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	h.conn.events <- result("我们上周见了客户", true)

	var seq []string
	for len(seq) == 0 || seq[len(seq)-1] != TypeSuggestionEnd {
		switch m := next(t, s).(type) {
		case TranscriptMessage:
			seq = append(seq, TypeTranscript)
		case StatusMessage:
			seq = append(seq, m.Content)
		case DeltaMessage:
			seq = append(seq, m.Content)
		case EndMessage:
			seq = append(seq, m.Type)
		}
	}
	want := fmt.Sprint([]string{TypeTranscript, StatusThinking, "后来", "怎样了？", TypeSuggestionEnd})
	if fmt.Sprint(seq) != want {
		t.Errorf("sequence = %v, want %v", seq, want)
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.gen.calls.Load(); n != 1 {
		t.Errorf("generator calls = %d, want exactly one per silence", n)
	}
	if s.Tracker().State() != suggestion.Delivered {
		t.Errorf("state = %v, want delivered", s.Tracker().State())
	}
}

func TestSessionAudioAfterClose(t *testing.T) {
	h := newHarness(t, Options{})
	s, err := h.mgr.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s.Close(context.Background())
	s.Close(context.Background())

	if err := s.HandleAudio(context.Background(), []byte{1, 2}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("HandleAudio() = %v, want ErrSessionClosed", err)
	}
	if s.Alive() {
		t.Error("closed session must not be alive")
	}
	if err := s.Delta(context.Background(), "x"); err == nil {
		t.Error("suggestion output after close must fail")
	}
}

func TestManagerCloseAll(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	sp := &multiSpeech{conns: conns}
	mgr := New(sp, st, &fakeGenerator{}, nil, nil, Options{RecordingsDir: t.TempDir(), DrainTimeout: 100 * time.Millisecond})

	for range conns {
		if _, err := mgr.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if mgr.Active() != 2 {
		t.Fatalf("Active() = %d, want 2", mgr.Active())
	}
	mgr.CloseAll(context.Background())
	if mgr.Active() != 0 {
		t.Errorf("Active() = %d after CloseAll", mgr.Active())
	}
	for i, c := range conns {
		if !c.closed.Load() {
			t.Errorf("conn %d not closed", i)
		}
	}
}

type multiSpeech struct {
	mu    sync.Mutex
	conns []*fakeConn
	n     int
}

func (m *multiSpeech) Open(context.Context) (SpeechConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[m.n]
	m.n++
	return c, nil
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.SampleRate != 16000 || o.DrainTimeout != DrainTimeout || o.SegmentBatchSize != SegmentBatchSize {
		t.Errorf("defaults = %+v", o)
	}
}
