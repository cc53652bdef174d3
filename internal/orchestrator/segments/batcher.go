// Package segments batches confirmed live utterances into the meeting store.
package segments

import (
	"context"
	"sync"
	"time"

	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/store"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Batcher defaults
const (
	DefaultMaxSize    = 20
	DefaultFlushDelay = 2 * time.Second
	DefaultQueueSize  = 64
)

// Appender is the write side of the meeting store.
type Appender interface {
	AppendSegments(ctx context.Context, meetingID string, segs []store.Segment) error
}

// Batcher accumulates segments and writes them in order, flushing on size or delay.
type Batcher struct {
	store      Appender
	meetingID  string
	maxSize    int
	flushDelay time.Duration
	metrics    *metrics.Metrics
	ctx        context.Context

	mu      sync.Mutex
	items   []store.Segment
	timer   *time.Timer
	stopped bool

	batches chan []store.Segment
	done    chan struct{}
}

// NewBatcher creates a batcher for one meeting and starts its writer. ctx carries
// trace identity only; cancellation is ignored so pending writes survive teardown.
func NewBatcher(ctx context.Context, st Appender, meetingID string, maxSize int, flushDelay time.Duration, m *metrics.Metrics) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	b := &Batcher{
		store:      st,
		meetingID:  meetingID,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		metrics:    m,
		ctx:        trace.Detach(ctx),
		items:      make([]store.Segment, 0, maxSize),
		batches:    make(chan []store.Segment, DefaultQueueSize),
		done:       make(chan struct{}),
	}
	go b.writeLoop()
	return b
}

// Add queues a segment for batched storage. Segments added after Stop are dropped.
func (b *Batcher) Add(seg store.Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		trace.Logger(b.ctx).Warn("segment added after stop", "text_len", len(seg.Text))
		return
	}

	b.items = append(b.items, seg)

	if len(b.items) >= b.maxSize {
		b.flushLocked(false)
		return
	}

	// Start or reset timer for delayed flush
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.flushLocked(false)
	}
}

// flushLocked hands pending items to the writer. Unless wait is set, a full queue
// drops the batch so a stalled store never blocks the caller.
func (b *Batcher) flushLocked(wait bool) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return
	}
	items := b.items
	b.items = make([]store.Segment, 0, b.maxSize)
	if wait {
		b.batches <- items
		return
	}
	select {
	case b.batches <- items:
	default:
		b.metrics.RecordSegmentsDropped(len(items))
		trace.Logger(b.ctx).Warn("segment queue full, dropping batch", "count", len(items), "queued", len(b.batches))
	}
}

func (b *Batcher) writeLoop() {
	defer close(b.done)
	for items := range b.batches {
		ctx, span := trace.StartSpan(b.ctx, "segment_batch_flush")
		span.SetAttr("count", len(items))

		log := trace.Logger(ctx)
		if err := b.store.AppendSegments(ctx, b.meetingID, items); err != nil {
			span.SetAttr("error", err.Error())
			log.Warn("batch segment store failed", "error", err, "count", len(items))
		} else {
			b.metrics.RecordSegments(len(items))
			log.Debug("batch segments stored", "count", len(items))
		}
		span.End()
	}
}

// Flush hands pending items to the writer without waiting for the delay.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.flushLocked(false)
	}
}

// Stop flushes remaining items and waits until every batch has been written.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.stopped {
		b.flushLocked(true)
		b.stopped = true
		close(b.batches)
	}
	b.mu.Unlock()
	<-b.done
}
