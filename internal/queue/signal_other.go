//go:build !linux

package queue

func newPlatformSignal() (Signal, error) {
	return NewSemaphore(), nil
}
