//go:build linux

package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// eventSignal is a Signal backed by an eventfd in semaphore mode: every read
// decrements the counter by one and the descriptor polls readable while the
// counter is non-zero.
type eventSignal struct {
	fd   int
	file *os.File

	mu     sync.RWMutex
	closed bool
	// waitLock serializes blocking readers, which share the file's read
	// deadline.
	waitLock chan struct{}
}

func newPlatformSignal() (Signal, error) {
	return newEventSignal()
}

func newEventSignal() (*eventSignal, error) {
	fd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &eventSignal{
		fd:       fd,
		file:     os.NewFile(uintptr(fd), "eventfd"),
		waitLock: make(chan struct{}, 1),
	}, nil
}

func (s *eventSignal) Post() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(s.fd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("eventfd write: %w", err)
		}
		return nil
	}
}

func (s *eventSignal) TryWait() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	var buf [8]byte
	for {
		_, err := unix.Read(s.fd, buf[:])
		switch {
		case err == nil:
			return true, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		default:
			return false, fmt.Errorf("eventfd read: %w", err)
		}
	}
}

func (s *eventSignal) Wait(ctx context.Context) error {
	select {
	case s.waitLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.waitLock }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.file.SetReadDeadline(time.Time{}); err != nil {
		return s.mapErr(err)
	}
	// A deadline set by a late callback must not outlive this wait, or the
	// next waiter would see it.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		s.file.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	var buf [8]byte
	_, err := s.file.Read(buf[:])
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
		return ctx.Err()
	}
	return s.mapErr(err)
}

func (s *eventSignal) mapErr(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("eventfd wait: %w", err)
}

func (s *eventSignal) Fd() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return -1, ErrClosed
	}
	return s.fd, nil
}

func (s *eventSignal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.file.Close()
}
