// Package queue runs background tasks with optional delay and bounded retry.
// The HTTP collector uses it to redeliver batches off the request path.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/metrics"
)

var (
	ErrClosed = errors.New("queue: closed")
	ErrFull   = errors.New("queue: full")
)

// Task is a unit of background work. Run receives a context bounded by the
// queue's task timeout.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config tunes the queue.
type Config struct {
	Workers     int
	Capacity    int
	MaxAttempts int           // total runs per task, including the first
	RetryDelay  time.Duration // wait before a failed task runs again
	TaskTimeout time.Duration
	Rate        float64 // tasks started per second across workers, 0 = unlimited
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

type item struct {
	task     Task
	runAt    time.Time
	attempts int
}

// Queue is an in-process delayed task queue.
type Queue struct {
	mu       sync.Mutex
	items    []item
	closed   bool
	draining bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	capacity    int
	maxAttempts int
	retryDelay  time.Duration
	taskTimeout time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// New creates a queue and starts its workers.
func New(cfg Config) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	limit := rate.Inf
	burst := 1
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = workers
	}

	q := &Queue{
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		capacity:    capacity,
		maxAttempts: attempts,
		retryDelay:  retryDelay,
		taskTimeout: timeout,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules t to run after delay.
func (q *Queue) Enqueue(t Task, delay time.Duration) error {
	if t.Run == nil {
		return fmt.Errorf("queue: task %q has no Run func", t.Name)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrFull
	}
	q.items = append(q.items, item{task: t, runAt: time.Now().Add(delay)})
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.wake()
	return nil
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop rejects new tasks, runs everything still queued without waiting for
// delays, and returns when the workers exit or ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.draining = true
	q.mu.Unlock()
	close(q.done)

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		left := q.Len()
		q.logger.Error("queue: stopped with tasks outstanding", zap.Int("tasks", left))
		return fmt.Errorf("queue: %d tasks outstanding: %w", left, ctx.Err())
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops the earliest ready item. When nothing is ready it returns how
// long to wait, or a negative duration when the queue is empty.
func (q *Queue) next() (item, bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false, -1
	}
	now := time.Now()
	best := 0
	for i := range q.items {
		if q.items[i].runAt.Before(q.items[best].runAt) {
			best = i
		}
	}
	it := q.items[best]
	if !q.draining && it.runAt.After(now) {
		return item{}, false, it.runAt.Sub(now)
	}
	q.items = append(q.items[:best], q.items[best+1:]...)
	q.metrics.SetQueueDepth(len(q.items))
	return it, true, 0
}

func (q *Queue) isDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		it, ok, wait := q.next()
		if ok {
			q.run(it)
			continue
		}
		if wait < 0 && q.isDraining() {
			return
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		stop := false
		select {
		case <-q.notify:
		case <-timerC:
		case <-q.done:
			stop = wait < 0
		}
		if timer != nil {
			timer.Stop()
		}
		if stop {
			return
		}
	}
}

func (q *Queue) run(it item) {
	it.attempts++

	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()

	if !q.isDraining() {
		if err := q.limiter.Wait(ctx); err != nil {
			q.logger.Warn("queue: rate limiter wait failed", zap.String("task", it.task.Name), zap.Error(err))
		}
	}

	err := q.safeRun(ctx, it.task)
	if err == nil {
		return
	}

	if it.attempts < q.maxAttempts && !q.isDraining() {
		q.logger.Warn("queue: task failed, rescheduling",
			zap.String("task", it.task.Name), zap.Int("attempt", it.attempts), zap.Error(err))
		q.mu.Lock()
		it.runAt = time.Now().Add(q.retryDelay)
		q.items = append(q.items, it)
		depth := len(q.items)
		q.mu.Unlock()
		q.metrics.SetQueueDepth(depth)
		q.wake()
		return
	}
	q.logger.Error("queue: task abandoned",
		zap.String("task", it.task.Name), zap.Int("attempts", it.attempts), zap.Error(err))
}

func (q *Queue) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
