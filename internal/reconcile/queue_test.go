package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/trace"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []Task
	block   chan struct{}
	started chan string
	err     error
	panic   bool
}

func (f *fakeRunner) Run(ctx context.Context, meetingID, audioPath string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Task{MeetingID: meetingID, AudioPath: audioPath})
	f.mu.Unlock()
	if f.started != nil {
		f.started <- meetingID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.panic {
		panic("boom")
	}
	if s, ok := trace.SessionFrom(ctx); !ok || s.MeetingID != meetingID {
		return Result{}, apperr.New(apperr.CodeInternal, "missing meeting in context")
	}
	return Result{TaskID: "t"}, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestQueueRunsTasks(t *testing.T) {
	r := &fakeRunner{}
	q := NewQueue(r, 2, 4, time.Minute, nil)

	for _, id := range []string{"a", "b", "c"} {
		if !q.Enqueue(id, "/rec/"+id+".wav") {
			t.Fatalf("Enqueue(%q) = false", id)
		}
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.count() != 3 {
		t.Errorf("runs = %d, want 3", r.count())
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d after drain", q.Pending())
	}
	if q.Enqueue("d", "/rec/d.wav") {
		t.Error("Enqueue after Stop accepted a task")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &fakeRunner{block: make(chan struct{}), started: make(chan string, 4)}
	q := NewQueue(r, 1, 1, time.Minute, m)

	if !q.Enqueue("a", "a.wav") {
		t.Fatal("first Enqueue rejected")
	}
	<-r.started // worker holds a, buffer is empty
	if !q.Enqueue("b", "b.wav") {
		t.Fatal("second Enqueue rejected")
	}
	if q.Enqueue("c", "c.wav") {
		t.Error("Enqueue accepted a task beyond the buffer")
	}
	close(r.block)
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := counter(t, m.ReconcileQueued); got != 2 {
		t.Errorf("queued = %v, want 2", got)
	}
	if got := counter(t, m.ReconcileDropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestQueueRejectsDuplicateMeeting(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), started: make(chan string, 4)}
	q := NewQueue(r, 1, 4, time.Minute, nil)

	q.Enqueue("a", "a.wav")
	<-r.started
	if q.Enqueue("a", "a.wav") {
		t.Error("duplicate pending meeting accepted")
	}
	close(r.block)
	q.Stop(context.Background())
}

func TestQueueFailureBoundary(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &fakeRunner{panic: true}
	q := NewQueue(r, 1, 4, time.Minute, m)

	q.Enqueue("a", "a.wav")
	q.Enqueue("b", "b.wav")
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.count() != 2 {
		t.Errorf("runs = %d, want the worker to survive a panic", r.count())
	}
	if got := counter(t, m.ReconcileOutcomes.WithLabelValues("panic")); got != 2 {
		t.Errorf("panic outcomes = %v, want 2", got)
	}
}

func TestQueueRecordsFailureCode(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &fakeRunner{err: apperr.New(apperr.CodeBatchShapeUnknown, "?")}
	q := NewQueue(r, 1, 4, time.Minute, m)

	q.Enqueue("a", "a.wav")
	q.Stop(context.Background())
	if got := counter(t, m.ReconcileOutcomes.WithLabelValues("BATCH_SHAPE_UNKNOWN")); got != 1 {
		t.Errorf("outcome = %v, want 1", got)
	}
}

func TestQueueStopDeadlineCancelsRunning(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), started: make(chan string, 1)}
	q := NewQueue(r, 1, 4, time.Hour, nil)

	q.Enqueue("a", "a.wav")
	<-r.started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Stop(ctx)
	if !apperr.IsCode(err, apperr.CodeTimeout) {
		t.Errorf("Stop() error = %v, want TIMEOUT", err)
	}
}

func TestQueueTaskTimeout(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &fakeRunner{block: make(chan struct{})}
	q := NewQueue(r, 1, 4, 10*time.Millisecond, m)

	q.Enqueue("a", "a.wav")
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := counter(t, m.ReconcileOutcomes.WithLabelValues("error")); got != 1 {
		t.Errorf("timed-out outcome = %v, want 1", got)
	}
}
