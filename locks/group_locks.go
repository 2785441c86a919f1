package locks

import (
	"context"
	"runtime"
	"time"

	"github.com/dhstore/mvcore"
)

// GroupLockTable is the cyclic-hash table backing the group lock manager
// (C3). Its cells live in shared memory in the original design; here they
// are an index-addressed slice, per REDESIGN FLAGS' arena+index pattern.
//
// headCounts[bucket] holds "the count field of the bucket-head cell": the
// number of occupied cells currently chained to that bucket. It is kept
// apart from the Cells themselves so that freeing the cell that happens
// to sit at the head index doesn't lose the chain's occupancy count for
// the cells still probed beyond it.
type GroupLockTable struct {
	Cells      []GroupCell
	headCounts []int32
	Sem        Semaphore
}

// NewGroupLockTable allocates a table of the given size (fixed for the
// life of the control region, per spec.md §4.1).
func NewGroupLockTable(size int, sem Semaphore) *GroupLockTable {
	return &GroupLockTable{
		Cells:      make([]GroupCell, size),
		headCounts: make([]int32, size),
		Sem:        sem,
	}
}

// Stats accumulates group lock manager contention counters (spec.md §4.3:
// "Statistics counters record retries, waits, and scan length").
type Stats struct {
	Retries   int64
	Waits     int64
	ScanSteps int64
}

// GroupLockManager implements acquire-read/acquire-write/release over a
// GroupLockTable, per spec.md §4.3.
type GroupLockManager struct {
	table *GroupLockTable
	Stats Stats
}

func NewGroupLockManager(table *GroupLockTable) *GroupLockManager {
	return &GroupLockManager{table: table}
}

const busyYieldsBeforeSleep = 4

// AcquireRead takes a read (shared) lock on (fileID, group) for owner.
// Multiple readers coexist by incrementing a positive counter in one
// cell. If noWait is true, AcquireRead returns mvcore.LockDenied
// immediately on contention instead of spinning.
func (m *GroupLockManager) AcquireRead(ctx context.Context, fileID, group, owner int32, noWait bool) error {
	return m.acquire(ctx, fileID, group, owner, false, noWait)
}

// AcquireWrite takes an exclusive write lock on (fileID, group) for owner.
func (m *GroupLockManager) AcquireWrite(ctx context.Context, fileID, group, owner int32, noWait bool) error {
	return m.acquire(ctx, fileID, group, owner, true, noWait)
}

func (m *GroupLockManager) acquire(ctx context.Context, fileID, group, owner int32, write, noWait bool) error {
	busyYields := 0
	for {
		ok, denied, err := m.tryAcquire(ctx, fileID, group, owner, write)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if noWait {
			return mvcore.Wrap(mvcore.LockDenied, nil, denied)
		}
		m.Stats.Waits++
		busyYields++
		if busyYields <= busyYieldsBeforeSleep {
			runtime.Gosched()
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		m.Stats.Retries++
	}
}

// tryAcquire makes one attempt, examining at most headCounts[bucket]
// occupied cells of the bucket's chain while remembering the first free
// cell seen, per spec.md §4.3. Returns (true, _, nil) on success,
// (false, blockerOwner, nil) if a conflicting lock is held, or an error
// if the table has no free cell for a new lock.
func (m *GroupLockManager) tryAcquire(ctx context.Context, fileID, group, owner int32, write bool) (bool, int32, error) {
	if err := m.table.Sem.Acquire(ctx); err != nil {
		return false, 0, err
	}
	defer m.table.Sem.Release()

	size := len(m.table.Cells)
	bucket := groupHash(fileID, group, size)

	var examined int32
	freeIdx := -1
	idx := bucket
	for {
		cell := &m.table.Cells[idx]
		m.Stats.ScanSteps++
		if cell.free() {
			if freeIdx < 0 {
				freeIdx = idx
			}
		} else if int(cell.Hash) == bucket+1 {
			examined++
			if cell.FileID == fileID && cell.Group == group {
				if cell.RWCount < 0 || write {
					return false, cell.Owner, nil
				}
				cell.RWCount++
				return true, 0, nil
			}
			if examined >= m.table.headCounts[bucket] {
				break
			}
		}
		idx = (idx + 1) % size
		if idx == bucket {
			break
		}
	}

	if freeIdx < 0 {
		return false, 0, mvcore.NewError(mvcore.LockTableFull, nil)
	}
	cell := &m.table.Cells[freeIdx]
	cell.Hash = int32(bucket + 1)
	cell.Owner = owner
	cell.FileID = fileID
	cell.Group = group
	if write {
		cell.RWCount = -1
	} else {
		cell.RWCount = 1
	}
	m.table.headCounts[bucket]++
	return true, 0, nil
}

// Release drops one reference to the (fileID, group) lock, whoever holds
// it: a read lock decrements the counter, a write lock frees the cell
// immediately.
func (m *GroupLockManager) Release(ctx context.Context, fileID, group int32) error {
	if err := m.table.Sem.Acquire(ctx); err != nil {
		return err
	}
	defer m.table.Sem.Release()

	size := len(m.table.Cells)
	bucket := groupHash(fileID, group, size)

	idx := bucket
	for {
		cell := &m.table.Cells[idx]
		if !cell.free() && int(cell.Hash) == bucket+1 && cell.FileID == fileID && cell.Group == group {
			if cell.RWCount < 0 || cell.RWCount <= 1 {
				*cell = GroupCell{}
				m.table.headCounts[bucket]--
			} else {
				cell.RWCount--
			}
			return nil
		}
		idx = (idx + 1) % size
		if idx == bucket {
			return mvcore.NewError(mvcore.NotFound, "group lock not held")
		}
	}
}

// ReleaseAllForOwner scans the table directly and frees every cell held
// by owner. Used by the recovery path (control/recovery.go) when owner's
// process has died, since a dead process's chain position can't be
// walked bucket-by-bucket without first knowing which buckets it holds.
func (m *GroupLockManager) ReleaseAllForOwner(owner int32) {
	for i := range m.table.Cells {
		cell := &m.table.Cells[i]
		if !cell.free() && cell.Owner == owner {
			bucket := int(cell.Hash) - 1
			if bucket >= 0 {
				m.table.headCounts[bucket]--
			}
			*cell = GroupCell{}
		}
	}
}
