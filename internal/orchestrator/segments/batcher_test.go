package segments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/store"
)

type mockStore struct {
	mu    sync.Mutex
	calls [][]store.Segment
	err   error
	delay time.Duration
}

func (m *mockStore) AppendSegments(_ context.Context, meetingID string, segs []store.Segment) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if meetingID != "m1" {
		return fmt.Errorf("unexpected meeting %q", meetingID)
	}
	m.calls = append(m.calls, segs)
	return m.err
}

func (m *mockStore) getCalls() [][]store.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func seg(text string) store.Segment { return store.Segment{Text: text} }

func TestBatcher_FlushOnMaxSize(t *testing.T) {
	st := &mockStore{}
	b := NewBatcher(context.Background(), st, "m1", 3, time.Hour, nil)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Add(seg(s))
	}
	b.Stop()

	calls := st.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(calls))
	}
	if len(calls[0]) != 3 || len(calls[1]) != 1 {
		t.Errorf("batch sizes = %d, %d", len(calls[0]), len(calls[1]))
	}
}

func TestBatcher_FlushOnDelay(t *testing.T) {
	st := &mockStore{}
	b := NewBatcher(context.Background(), st, "m1", 100, 10*time.Millisecond, nil)
	defer b.Stop()
	b.Add(seg("late"))

	deadline := time.Now().Add(time.Second)
	for len(st.getCalls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("delayed flush did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBatcher_PreservesOrder(t *testing.T) {
	st := &mockStore{delay: time.Millisecond}
	b := NewBatcher(context.Background(), st, "m1", 2, time.Hour, nil)
	for i := 0; i < 10; i++ {
		b.Add(seg(fmt.Sprint(i)))
	}
	b.Stop()

	var got []string
	for _, c := range st.getCalls() {
		for _, s := range c {
			got = append(got, s.Text)
		}
	}
	if fmt.Sprint(got) != "[0 1 2 3 4 5 6 7 8 9]" {
		t.Errorf("order = %v", got)
	}
}

func TestBatcher_StopFlushesRemaining(t *testing.T) {
	st := &mockStore{delay: 20 * time.Millisecond}
	b := NewBatcher(context.Background(), st, "m1", 100, time.Hour, nil)
	b.Add(seg("remaining"))
	b.Stop()

	if calls := st.getCalls(); len(calls) != 1 || calls[0][0].Text != "remaining" {
		t.Errorf("calls = %v, Stop must wait for the final write", calls)
	}
}

func TestBatcher_AddAfterStop(t *testing.T) {
	st := &mockStore{}
	b := NewBatcher(context.Background(), st, "m1", 1, time.Hour, nil)
	b.Stop()
	b.Add(seg("ignored"))
	b.Stop()

	if len(st.getCalls()) != 0 {
		t.Errorf("calls = %v, want none", st.getCalls())
	}
}

func TestBatcher_StoreErrorDoesNotStop(t *testing.T) {
	st := &mockStore{err: errors.New("disk full")}
	b := NewBatcher(context.Background(), st, "m1", 1, time.Hour, nil)
	b.Add(seg("a"))
	b.Add(seg("b"))
	b.Stop()

	if len(st.getCalls()) != 2 {
		t.Errorf("calls = %d, want 2", len(st.getCalls()))
	}
}

// stalledStore blocks every write until release is closed.
type stalledStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	writes  int
}

func (s *stalledStore) AppendSegments(context.Context, string, []store.Segment) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func TestBatcher_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	st := &stalledStore{entered: make(chan struct{}), release: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	b := NewBatcher(context.Background(), st, "m1", 1, time.Hour, m)

	b.Add(seg("in flight"))
	<-st.entered

	added := make(chan struct{})
	go func() {
		for i := 0; i < DefaultQueueSize+1; i++ {
			b.Add(seg(fmt.Sprintf("s%d", i)))
		}
		close(added)
	}()
	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatal("Add blocked behind a stalled store")
	}

	var dropped dto.Metric
	if err := m.SegmentsDropped.Write(&dropped); err != nil {
		t.Fatal(err)
	}
	if got := dropped.GetCounter().GetValue(); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}

	close(st.release)
	b.Stop()
	if st.writes != DefaultQueueSize+1 {
		t.Errorf("writes = %d, want %d", st.writes, DefaultQueueSize+1)
	}
}

func TestBatcher_FlushSkipsDelay(t *testing.T) {
	st := &mockStore{}
	b := NewBatcher(context.Background(), st, "m1", 10, time.Hour, nil)
	b.Add(seg("a"))
	b.Flush()

	deadline := time.Now().Add(time.Second)
	for len(st.getCalls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls := st.getCalls(); len(calls) != 1 || len(calls[0]) != 1 {
		t.Errorf("calls = %v, want one batch with one segment", calls)
	}
	b.Stop()
}
