package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrEmpty  = errors.New("queue empty")
	ErrNoFd   = errors.New("readiness signal has no file descriptor")
)

// Signal is a counting readiness primitive. Its count is the number of
// elements available to consumers.
type Signal interface {
	// Post increments the count by one without blocking.
	Post() error
	// Wait blocks until the count is positive, then decrements it.
	Wait(ctx context.Context) error
	// TryWait decrements the count if it is positive and reports whether it
	// did.
	TryWait() (bool, error)
	// Fd returns a descriptor that polls readable while the count is
	// positive, or ErrNoFd.
	Fd() (int, error)
	Close() error
}

// Semaphore is a Signal built on a mutex and a wake-up channel. It has no
// file descriptor; Ready serves Go select loops instead.
type Semaphore struct {
	mu     sync.Mutex
	count  int
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewSemaphore returns a semaphore with a zero count.
func NewSemaphore() *Semaphore {
	return &Semaphore{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *Semaphore) Post() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.count++
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Semaphore) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Semaphore) Wait(ctx context.Context) error {
	for {
		ok, err := s.TryWait()
		if err != nil || ok {
			return err
		}
		select {
		case <-s.wake:
		case <-s.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Semaphore) TryWait() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.count == 0 {
		return false, nil
	}
	s.count--
	if s.count > 0 {
		// Pass the wake-up on to another waiter.
		s.notify()
	}
	return true, nil
}

// Ready returns a channel that receives a value when the count may have
// become positive. A receive is a hint; consumers still call TryWait.
func (s *Semaphore) Ready() <-chan struct{} {
	return s.wake
}

// Count returns the current count.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Semaphore) Fd() (int, error) {
	return -1, ErrNoFd
}

func (s *Semaphore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	close(s.done)
	return nil
}
