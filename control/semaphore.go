package control

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/dhstore/mvcore/locks"
)

// weightedSemaphore adapts golang.org/x/sync/semaphore.Weighted to the
// locks.Semaphore contract, implementing the named-semaphore primitive
// spec.md §5 describes (file-table, record-lock, group-lock, short-code
// semaphores), scoped to mutual exclusion among the goroutines a single
// engine process runs.
type weightedSemaphore struct {
	w *semaphore.Weighted
}

func newWeightedSemaphore() locks.Semaphore {
	return &weightedSemaphore{w: semaphore.NewWeighted(1)}
}

func (s *weightedSemaphore) Acquire(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

func (s *weightedSemaphore) Release() {
	s.w.Release(1)
}

// semaphores holds the four named semaphores spec.md §5 enumerates.
type semaphores struct {
	fileTable     locks.Semaphore
	recordLockSem locks.Semaphore
	groupLockSem  locks.Semaphore
	shortCode     locks.Semaphore
}

func newSemaphores() *semaphores {
	return &semaphores{
		fileTable:     newWeightedSemaphore(),
		recordLockSem: newWeightedSemaphore(),
		groupLockSem:  newWeightedSemaphore(),
		shortCode:     newWeightedSemaphore(),
	}
}
