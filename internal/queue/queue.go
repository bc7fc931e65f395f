// Package queue implements a FIFO of packets shared between goroutines. A
// counting signal tracks the number of queued elements, so consumers can
// block on Pop or poll the signal's file descriptor from an event loop.
package queue

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// elementList is the part of a list implementation the queue relies on.
type elementList interface {
	Add(values ...interface{})
	Remove(index int)
	Get(index int) (interface{}, bool)
	Size() int
	Values() []interface{}
	Clear()
}

var (
	newSignal      = newPlatformSignal
	newElementList = func() (elementList, error) { return doublylinkedlist.New(), nil }
)

// Config holds optional element callbacks.
type Config[T any] struct {
	// Free releases an element still queued when the queue is closed.
	Free func(T)
	// Format writes one element for Dump. Defaults to fmt's %v.
	Format func(io.Writer, T)
}

// Queue is a FIFO safe for concurrent producers and consumers. The signal
// count always equals the number of elements a consumer may take.
type Queue[T any] struct {
	mu     sync.Mutex
	list   elementList
	signal Signal
	cfg    Config[T]
	closed bool
}

// New creates an empty queue. If the list cannot be created the signal is
// released before returning.
func New[T any](cfg Config[T]) (*Queue[T], error) {
	sig, err := newSignal()
	if err != nil {
		return nil, fmt.Errorf("create queue signal: %w", err)
	}
	list, err := newElementList()
	if err != nil {
		sig.Close()
		return nil, fmt.Errorf("create queue list: %w", err)
	}
	if cfg.Format == nil {
		cfg.Format = func(w io.Writer, v T) { fmt.Fprintf(w, "%v\n", v) }
	}
	return &Queue[T]{list: list, signal: sig, cfg: cfg}, nil
}

// Push appends v and signals one consumer. The element is visible before the
// signal is posted.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.list.Add(v)
	if err := q.signal.Post(); err != nil {
		q.list.Remove(q.list.Size() - 1)
		return fmt.Errorf("signal queue: %w", err)
	}
	return nil
}

// Pop blocks until an element is available or ctx is done, then removes and
// returns the head.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	if err := q.signal.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return q.take()
}

// TryPop removes the head without blocking. It returns ErrEmpty when nothing
// is queued.
func (q *Queue[T]) TryPop() (T, error) {
	var zero T
	ok, err := q.signal.TryWait()
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrEmpty
	}
	return q.take()
}

func (q *Queue[T]) take() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.closed {
		return zero, ErrClosed
	}
	v, ok := q.list.Get(0)
	if !ok {
		panic("queue: signal count exceeds queued elements")
	}
	q.list.Remove(0)
	return v.(T), nil
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Size()
}

// Fd returns a descriptor that polls readable while the queue is non-empty.
// Reading from it is reserved to the queue.
func (q *Queue[T]) Fd() (int, error) {
	return q.signal.Fd()
}

// Dump writes the queued elements head first.
func (q *Queue[T]) Dump(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fmt.Fprintf(w, "queue: %d elements\n", q.list.Size())
	for _, v := range q.list.Values() {
		q.cfg.Format(w, v.(T))
	}
}

// Close releases queued elements with Config.Free and closes the signal.
// Blocked Pop calls return ErrClosed.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.closed = true
	if q.cfg.Free != nil {
		for _, v := range q.list.Values() {
			q.cfg.Free(v.(T))
		}
	}
	q.list.Clear()
	return q.signal.Close()
}
