// Package taskq is the background task queue: priority-ordered, worker
// pooled, with jittered exponential retry and dead-lettering. Execution is
// at-least-once; handlers must be idempotent.
package taskq

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/huandu/skiplist"
)

var (
	ErrUnknownTask   = errors.Register("taskq", 1, "unknown task")
	ErrNotQueued     = errors.Register("taskq", 2, "task is not queued")
	ErrNoHandler     = errors.Register("taskq", 3, "no handler registered for task kind")
	ErrQueueStopped  = errors.Register("taskq", 4, "queue stopped")
)

// Priority orders tasks; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status of a task.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
	StatusFailed // failed, awaiting retry
	StatusDead
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusDead:
		return "dead"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is one unit of deferred work.
type Task struct {
	ID          string
	Kind        string
	Payload     []byte
	Priority    Priority
	Attempts    int
	MaxAttempts int
	NextRun     time.Time
	Status      Status
	LastError   string
	EnqueuedAt  time.Time
	UpdatedAt   time.Time

	seq uint64
}

// Handler executes one task kind.
type Handler func(ctx context.Context, task *Task) error

// Backoff is the retry schedule: delay = Base * Factor^(attempt-1), capped
// at Cap, stretched by up to Jitter (a fraction of the delay).
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

// Config tunes the queue.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     Backoff
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxAttempts: 5,
		Backoff: Backoff{
			Base:   time.Second,
			Factor: 2,
			Cap:    5 * time.Minute,
			Jitter: 0.2,
		},
	}
}

// Stats counts tasks by status and queued tasks by priority.
type Stats struct {
	ByStatus   map[Status]int
	ByPriority map[Priority]int
}

// taskKey orders the ready list: priority descending, run time ascending,
// enqueue sequence ascending.
type taskKey struct {
	priority Priority
	nextRun  time.Time
	seq      uint64
}

func compareKeys(a, b taskKey) int {
	if a.priority != b.priority {
		if a.priority > b.priority {
			return -1
		}
		return 1
	}
	if !a.nextRun.Equal(b.nextRun) {
		if a.nextRun.Before(b.nextRun) {
			return -1
		}
		return 1
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

// Queue is the task queue. A single mutex guards the ordered list and task
// table; workers block on the condition variable when nothing is ready.
type Queue struct {
	cfg    Config
	logger log.Logger
	now    func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	list     *skiplist.SkipList
	tasks    map[string]*Task
	handlers map[string]Handler
	seq      uint64
	stopped  bool

	dead chan Task

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a stopped queue; call Start to launch the workers.
func New(cfg Config, logger log.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = 2
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	q := &Queue{
		cfg:    cfg,
		logger: logger.With("module", "taskq"),
		now:    time.Now,
		list: skiplist.New(skiplist.GreaterThanFunc(func(a, b interface{}) int {
			return compareKeys(a.(taskKey), b.(taskKey))
		})),
		tasks:    make(map[string]*Task),
		handlers: make(map[string]Handler),
		dead:     make(chan Task, 64),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetClock replaces the queue's time source, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Register binds a handler to a task kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// DeadLetters exposes tasks that exhausted their attempts. The channel is
// buffered; unread dead letters beyond the buffer are dropped.
func (q *Queue) DeadLetters() <-chan Task {
	return q.dead
}

// Enqueue schedules a task. Zero-value fields get defaults: normal
// priority, the queue's max attempts, immediate run.
func (q *Queue) Enqueue(t *Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrQueueStopped
	}
	if _, ok := q.handlers[t.Kind]; !ok {
		return "", ErrNoHandler.Wrap(t.Kind)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = q.cfg.MaxAttempts
	}
	now := q.now()
	if t.NextRun.IsZero() {
		t.NextRun = now
	}
	t.Status = StatusQueued
	t.EnqueuedAt = now
	t.UpdatedAt = now
	q.seq++
	t.seq = q.seq

	q.tasks[t.ID] = t
	q.list.Set(q.keyOf(t), t)
	q.cond.Signal()
	return t.ID, nil
}

func (q *Queue) keyOf(t *Task) taskKey {
	return taskKey{priority: t.Priority, nextRun: t.NextRun, seq: t.seq}
}

// Cancel removes a task that has not started. Running, finished or dead
// tasks cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrUnknownTask.Wrap(id)
	}
	if t.Status != StatusQueued && t.Status != StatusFailed {
		return ErrNotQueued.Wrapf("task %s is %s", id, t.Status)
	}
	q.list.Remove(q.keyOf(t))
	t.Status = StatusCancelled
	t.UpdatedAt = q.now()
	return nil
}

// Task returns a copy of a task by ID.
func (q *Queue) Task(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrUnknownTask.Wrap(id)
	}
	return *t, nil
}

// Stats counts tasks by status, and queued ones by priority.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[Priority]int),
	}
	for _, t := range q.tasks {
		s.ByStatus[t.Status]++
		if t.Status == StatusQueued || t.Status == StatusFailed {
			s.ByPriority[t.Priority]++
		}
	}
	return s
}

// Start launches the worker pool and the wakeup ticker.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.ticker(ctx)
}

// Stop drains nothing: it stops the workers after their current task.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.cond.Broadcast()
	q.wg.Wait()
}

// ticker periodically wakes workers so delayed retries get picked up.
func (q *Queue) ticker(ctx context.Context) {
	defer q.wg.Done()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			q.cond.Broadcast()
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		t := q.next(ctx)
		if t == nil {
			return
		}
		q.run(ctx, t)
	}
}

// next blocks until a task is ready or the queue stops. The scan walks
// past entries scheduled for later: within one priority the key orders by
// run time, but ready work at a lower priority must not wait behind a
// future-scheduled task above it.
func (q *Queue) next(ctx context.Context) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped || ctx.Err() != nil {
			return nil
		}
		now := q.now()
		for el := q.list.Front(); el != nil; el = el.Next() {
			t := el.Value.(*Task)
			if t.NextRun.After(now) {
				continue
			}
			q.list.Remove(q.keyOf(t))
			t.Status = StatusRunning
			t.Attempts++
			t.UpdatedAt = now
			return t
		}
		q.cond.Wait()
	}
}

// run executes one attempt and reschedules or dead-letters on failure.
func (q *Queue) run(ctx context.Context, t *Task) {
	q.mu.Lock()
	h := q.handlers[t.Kind]
	q.mu.Unlock()

	err := h(ctx, t)

	q.mu.Lock()
	defer q.mu.Unlock()
	t.UpdatedAt = q.now()
	if err == nil {
		t.Status = StatusDone
		t.LastError = ""
		return
	}

	t.LastError = err.Error()
	if t.Attempts >= t.MaxAttempts {
		t.Status = StatusDead
		q.logger.Error("task dead-lettered",
			"task", t.ID, "kind", t.Kind, "attempts", t.Attempts, "err", err)
		select {
		case q.dead <- *t:
		default:
		}
		return
	}

	t.Status = StatusFailed
	t.NextRun = q.now().Add(q.retryDelay(t.Attempts))
	q.seq++
	t.seq = q.seq
	q.list.Set(q.keyOf(t), t)
	q.logger.Info("task retry scheduled",
		"task", t.ID, "kind", t.Kind, "attempt", t.Attempts, "next_run", t.NextRun)
}

// retryDelay computes the jittered exponential backoff for the next
// attempt after `attempt` failures.
func (q *Queue) retryDelay(attempt int) time.Duration {
	d := float64(q.cfg.Backoff.Base)
	for i := 1; i < attempt; i++ {
		d *= q.cfg.Backoff.Factor
		if q.cfg.Backoff.Cap > 0 && d >= float64(q.cfg.Backoff.Cap) {
			d = float64(q.cfg.Backoff.Cap)
			break
		}
	}
	if q.cfg.Backoff.Cap > 0 && d > float64(q.cfg.Backoff.Cap) {
		d = float64(q.cfg.Backoff.Cap)
	}
	if q.cfg.Backoff.Jitter > 0 {
		d *= 1 + rand.Float64()*q.cfg.Backoff.Jitter
	}
	return time.Duration(d)
}
