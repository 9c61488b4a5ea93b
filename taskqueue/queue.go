package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iidesho/bragi/sbragi"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// ErrCancelled is the outcome of every task that never got to run because the queue closed.
var ErrCancelled = fmt.Errorf("task cancelled: %w", context.Canceled)

type Task func(ctx context.Context) error

type task struct {
	run    Task
	result chan error
}

// Queue runs tasks one at a time in submission order.
type Queue struct {
	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	lock   sync.RWMutex
	closed bool
	once   sync.Once
}

func New(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:  make(chan task, size),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue submits fn. The returned channel receives exactly one value: the task error, nil, or
// ErrCancelled when the queue closed before the task started.
func (q *Queue) Enqueue(fn Task) <-chan error {
	result := make(chan error, 1)
	q.lock.RLock()
	defer q.lock.RUnlock()
	if q.closed {
		result <- ErrCancelled
		return result
	}
	select {
	case q.tasks <- task{run: fn, result: result}:
	case <-q.ctx.Done():
		result <- ErrCancelled
	}
	return result
}

// Run enqueues fn and waits for its outcome.
func (q *Queue) Run(ctx context.Context, fn Task) error {
	select {
	case err := <-q.Enqueue(fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case t := <-q.tasks:
			if q.ctx.Err() != nil {
				t.result <- ErrCancelled
				continue
			}
			t.result <- q.execute(t.run)
		}
	}
}

// execute isolates a panicking task so the worker keeps serving the queue.
func (q *Queue) execute(fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			log.WithError(err).Error("recovered task")
		}
	}()
	// The running task outlives Close.
	return fn(context.WithoutCancel(q.ctx))
}

// Close stops the worker after the running task finishes. Queued tasks resolve as cancelled.
func (q *Queue) Close() error {
	q.once.Do(func() {
		q.cancel()
		q.lock.Lock()
		q.closed = true
		q.lock.Unlock()
		<-q.done
		for {
			select {
			case t := <-q.tasks:
				t.result <- ErrCancelled
			default:
				return
			}
		}
	})
	return nil
}

func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
