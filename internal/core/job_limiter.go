package core

import (
	"errors"
	"sync"
)

// ErrJobInProgress is returned when a job start is rejected because another
// job holds the slot.
var ErrJobInProgress = errors.New("a bulk job is already running")

// JobLimiter enforces single-flight execution: at most one bulk job runs at
// a time and a second start attempt fails fast instead of queueing.
type JobLimiter struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewJobLimiter creates a limiter with the given capacity. Capacity below 1
// is treated as 1.
func NewJobLimiter(capacity int) *JobLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &JobLimiter{slots: make(chan struct{}, capacity)}
}

// Acquire claims a slot or returns ErrJobInProgress immediately.
func (l *JobLimiter) Acquire() error {
	select {
	case l.slots <- struct{}{}:
		l.wg.Add(1)
		return nil
	default:
		return ErrJobInProgress
	}
}

// Release frees a slot claimed by Acquire.
func (l *JobLimiter) Release() {
	select {
	case <-l.slots:
		l.wg.Done()
	default:
	}
}

// WaitForDrain blocks until all claimed slots are released. Used during
// shutdown so running jobs finish before the process exits.
func (l *JobLimiter) WaitForDrain() {
	l.wg.Wait()
}
