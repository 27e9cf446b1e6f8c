// Package serial implements serial execution lines: single-consumer task
// queues that run submitted work one item at a time, in submission order, on a
// dedicated goroutine.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLineClosed is returned when work is submitted to a closed line.
var ErrLineClosed = errors.New("serial: line closed")

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task is queued but has not started.
	TaskPending TaskStatus = "pending"
	// TaskRunning indicates the task is executing.
	TaskRunning TaskStatus = "running"
	// TaskCompleted indicates the task returned without error.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates the task returned an error or panicked.
	TaskFailed TaskStatus = "failed"
	// TaskCanceled indicates the task's context was done before it started.
	TaskCanceled TaskStatus = "canceled"
)

// Func is a unit of work executed on a line. The context carries the line
// marker, see OnLine.
type Func func(ctx context.Context) error

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("serial: task panicked: %v", e.Value)
}

// Task is the future returned by Submit.
type Task struct {
	ID        uint64
	CreatedAt time.Time

	mu          sync.Mutex
	status      TaskStatus
	err         error
	completedAt time.Time

	ctx  context.Context
	fn   Func
	done chan struct{}
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done. A task that is still
// queued when ctx expires keeps its place on the line.
func (t *Task) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task error once the task is terminal.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsTerminal reports whether the task has finished executing.
func (t *Task) IsTerminal() bool {
	switch t.Status() {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

func (t *Task) setStatus(status TaskStatus, err error) {
	t.mu.Lock()
	t.status = status
	if status == TaskCompleted || status == TaskFailed || status == TaskCanceled {
		t.err = err
		t.completedAt = time.Now()
	}
	t.mu.Unlock()
}

type lineKey struct{}

// Line is a serial execution line.
type Line struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*Task
	closed  bool
	nextID  uint64
	wake    chan struct{}
	stopped chan struct{}

	executed atomic.Uint64
}

// NewLine creates a line and starts its worker goroutine.
func NewLine(name string, logger *slog.Logger) *Line {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Line{
		name:    name,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the line name.
func (l *Line) Name() string {
	return l.name
}

// OnLine reports whether ctx was handed out by a task running on l.
func OnLine(ctx context.Context, l *Line) bool {
	if ctx == nil || l == nil {
		return false
	}
	current, _ := ctx.Value(lineKey{}).(*Line)
	return current == l
}

// Submit queues fn. The returned task completes after fn has run, or is
// canceled without running when ctx is done before fn starts.
func (l *Line) Submit(ctx context.Context, fn Func) (*Task, error) {
	if fn == nil {
		return nil, errors.New("serial: task function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLineClosed
	}
	l.nextID++
	task := &Task{
		ID:        l.nextID,
		CreatedAt: time.Now(),
		status:    TaskPending,
		ctx:       ctx,
		fn:        fn,
		done:      make(chan struct{}),
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	l.signal()
	return task, nil
}

// Executed returns the number of tasks that have run to a terminal state.
func (l *Line) Executed() uint64 {
	return l.executed.Load()
}

// Close stops accepting work. Tasks already queued still run. Close returns
// once the worker has drained the queue or ctx is done.
func (l *Line) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
	}
	l.mu.Unlock()
	l.signal()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Line) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Line) run() {
	defer close(l.stopped)
	for {
		task, closed := l.next()
		if task == nil {
			if closed {
				return
			}
			<-l.wake
			continue
		}
		l.execute(task)
	}
}

func (l *Line) next() (*Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, l.closed
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, false
}

func (l *Line) execute(task *Task) {
	defer close(task.done)
	defer l.executed.Add(1)

	if err := task.ctx.Err(); err != nil {
		task.setStatus(TaskCanceled, err)
		return
	}

	task.setStatus(TaskRunning, nil)
	err := l.invoke(task)
	if err != nil {
		task.setStatus(TaskFailed, err)
		return
	}
	task.setStatus(TaskCompleted, nil)
}

func (l *Line) invoke(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("serial: task panicked", "line", l.name, "task", task.ID, "panic", r)
			err = &PanicError{Value: r}
		}
	}()
	ctx := context.WithValue(task.ctx, lineKey{}, l)
	return task.fn(ctx)
}
