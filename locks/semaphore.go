package locks

import "context"

// Semaphore is the named-semaphore contract spec.md §5 requires around
// every critical section that touches a shared table without holding a
// cell-local lock: the group-lock table semaphore and the record-lock
// table semaphore. control.Region supplies the real implementation
// (backed by golang.org/x/sync/semaphore.Weighted); tests may supply a
// trivial mutex-backed one.
type Semaphore interface {
	Acquire(ctx context.Context) error
	Release()
}

// mutexSemaphore is a minimal in-process Semaphore used when a caller
// (typically a unit test) doesn't wire a real control.Region semaphore.
type mutexSemaphore chan struct{}

// NewLocalSemaphore returns a Semaphore good enough for single-process
// unit tests: a buffered channel of capacity 1.
func NewLocalSemaphore() Semaphore {
	s := make(mutexSemaphore, 1)
	s <- struct{}{}
	return s
}

func (s mutexSemaphore) Acquire(ctx context.Context) error {
	select {
	case <-s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s mutexSemaphore) Release() {
	s <- struct{}{}
}
