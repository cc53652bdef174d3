package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/syncx"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Runner executes one reconciliation.
type Runner interface {
	Run(ctx context.Context, meetingID, audioPath string) (Result, error)
}

// Task is one queued recording.
type Task struct {
	MeetingID string
	AudioPath string
}

// Queue runs reconciliations on a fixed pool of workers, detached from the sessions
// that enqueue them. Each task gets its own timeout and failure boundary.
type Queue struct {
	runner  Runner
	metrics *metrics.Metrics
	timeout time.Duration

	tasks chan Task
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	pending *syncx.Registry[string, Task]
}

// NewQueue starts workers goroutines reading from a buffer of size depth.
func NewQueue(runner Runner, workers, depth int, timeout time.Duration, m *metrics.Metrics) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		runner:  runner,
		metrics: m,
		timeout: timeout,
		tasks:   make(chan Task, depth),
		ctx:     ctx,
		stop:    cancel,
		pending: syncx.NewRegistry[string, Task](),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Enqueue schedules a recording without blocking. It reports false when the queue is
// full or stopped, or when the meeting is already pending.
func (q *Queue) Enqueue(meetingID, audioPath string) bool {
	task := Task{MeetingID: meetingID, AudioPath: audioPath}
	ok := q.pending.TryAdd(meetingID, task) && q.push(task)
	q.metrics.RecordReconcileQueued(ok)
	return ok
}

func (q *Queue) push(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		select {
		case q.tasks <- task:
			return true
		default:
		}
	}
	q.pending.Delete(task.MeetingID)
	return false
}

// Pending returns the number of tasks queued or running.
func (q *Queue) Pending() int { return q.pending.Len() }

// Stop refuses new tasks and waits for queued ones to finish. When ctx expires first,
// running tasks are cancelled and Stop returns once the workers exit.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.stop()
		<-done
		return apperr.Wrap(ctx.Err(), apperr.CodeTimeout, "reconciliation drain timed out")
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.process(id, task)
	}
}

func (q *Queue) process(id int, task Task) {
	ctx := trace.WithSession(q.ctx, trace.Session{MeetingID: task.MeetingID})
	ctx, _ = trace.EnsureContext(ctx)
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	log := trace.Logger(ctx).With("worker", id)
	start := time.Now()

	defer q.pending.Delete(task.MeetingID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("reconciliation panicked", "panic", fmt.Sprint(r))
			q.metrics.RecordReconcile("panic", time.Since(start))
		}
	}()

	res, err := q.runner.Run(ctx, task.MeetingID, task.AudioPath)
	if err != nil {
		log.Warn("reconciliation failed, live transcript kept",
			"code", apperr.CodeOf(err).String(), "error", err, "audio", task.AudioPath)
		q.metrics.RecordReconcile(outcome(err), time.Since(start))
		return
	}
	log.Info("reconciliation finished", "task_id", res.TaskID, "sentences", res.Sentences)
	q.metrics.RecordReconcile("ok", time.Since(start))
}

func outcome(err error) string {
	if code := apperr.CodeOf(err); code != apperr.CodeUnknown {
		return code.String()
	}
	return "error"
}
