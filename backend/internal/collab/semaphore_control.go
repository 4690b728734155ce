package collab

import (
	"context"
	"errors"
)

var (
	ErrAcquireTimeout = errors.New("semaphore: acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore: release without acquire")
)

const DefaultMaxSemaphore = 100

// SemaphoreControl bounds how many calculations or Kafka sends run at once.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse is the number of held slots.
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
