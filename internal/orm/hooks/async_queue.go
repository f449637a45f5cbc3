package hooks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueBuffer is the number of tasks buffered before Enqueue blocks
const DefaultQueueBuffer = 100

var (
	// ErrQueueNotStarted is returned when enqueueing before Start
	ErrQueueNotStarted = errors.New("queue not started")
	// ErrQueueShutdown is returned when enqueueing after Shutdown or Stop
	ErrQueueShutdown = errors.New("queue shutdown")
	// ErrQueueFull is returned by TryEnqueue when the buffer is full
	ErrQueueFull = errors.New("queue full")
)

// AsyncTask represents a task to be executed asynchronously
type AsyncTask struct {
	Name string
	Fn   func(ctx context.Context) error
}

// QueueOption configures an AsyncQueue
type QueueOption func(*AsyncQueue)

// WithQueueLogger sets the logger receiving task failures and panics
func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(q *AsyncQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithQueueBuffer sets the task buffer size
func WithQueueBuffer(n int) QueueOption {
	return func(q *AsyncQueue) {
		if n > 0 {
			q.buffer = n
		}
	}
}

// AsyncQueue runs detached side effects on a bounded worker pool. Task
// errors and panics are logged and never reach the caller.
type AsyncQueue struct {
	tasks       chan AsyncTask
	workerCount int
	buffer      int
	logger      *zap.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	shutdown    bool
	mu          sync.RWMutex
}

// NewAsyncQueue creates a new async task queue with the specified worker count
func NewAsyncQueue(workerCount int, opts ...QueueOption) *AsyncQueue {
	if workerCount <= 0 {
		workerCount = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &AsyncQueue{
		workerCount: workerCount,
		buffer:      DefaultQueueBuffer,
		logger:      zap.NewNop(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.tasks = make(chan AsyncTask, q.buffer)
	return q
}

// Start starts the worker pool
func (q *AsyncQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.started = true
}

func (q *AsyncQueue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(id, task)
		}
	}
}

func (q *AsyncQueue) run(id int, task AsyncTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("async task panicked",
				zap.Int("worker", id),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	if err := task.Fn(q.ctx); err != nil {
		q.logger.Warn("async task failed",
			zap.Int("worker", id),
			zap.String("task", task.Name),
			zap.Error(err))
	}
}

func (q *AsyncQueue) accepting() error {
	if !q.started {
		return ErrQueueNotStarted
	}
	if q.shutdown {
		return ErrQueueShutdown
	}
	return nil
}

// Enqueue adds a task to the queue, blocking while the buffer is full
func (q *AsyncQueue) Enqueue(task AsyncTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if err := q.accepting(); err != nil {
		return err
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.ctx.Done():
		return ErrQueueShutdown
	}
}

// TryEnqueue adds a task without blocking
func (q *AsyncQueue) TryEnqueue(task AsyncTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if err := q.accepting(); err != nil {
		return err
	}

	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Go runs fn detached. When the queue cannot take the task it is dropped
// with a warning.
func (q *AsyncQueue) Go(name string, fn func(ctx context.Context) error) {
	if q == nil {
		return
	}
	if err := q.TryEnqueue(AsyncTask{Name: name, Fn: fn}); err != nil {
		q.logger.Warn("async task dropped", zap.String("task", name), zap.Error(err))
	}
}

// Shutdown stops accepting new tasks and waits for queued tasks to complete
func (q *AsyncQueue) Shutdown() {
	q.mu.Lock()
	if !q.started || q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}

// Stop cancels running tasks and returns without draining the queue
func (q *AsyncQueue) Stop() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
