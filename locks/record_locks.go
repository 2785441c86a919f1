package locks

import (
	"bytes"
	"context"
	"runtime"
	"time"

	"github.com/dhstore/mvcore"
)

// RecordLockTable is the cyclic-hash table backing the record lock
// manager (C4), analogous in shape to GroupLockTable.
type RecordLockTable struct {
	Cells      []RecordCell
	headCounts []int32
	Sem        Semaphore
}

func NewRecordLockTable(size int, sem Semaphore) *RecordLockTable {
	return &RecordLockTable{
		Cells:      make([]RecordCell, size),
		headCounts: make([]int32, size),
		Sem:        sem,
	}
}

// LocalEntry mirrors one cell a process owns, per spec.md §4.4's "local
// lock table": used to release on file close and to satisfy must-lock
// checks without scanning the global table.
type LocalEntry struct {
	FileID    int32
	ID        []byte
	FVarIndex int32
}

// RecordLockManager implements shared/update record locks with deadlock
// detection and a per-process local mirror, per spec.md §4.4.
type RecordLockManager struct {
	table *GlobalRecordTable
	Stats Stats

	local []LocalEntry
}

// GlobalRecordTable is a thin rename kept distinct from RecordLockTable so
// callers can't confuse the group- and record-lock tables at the type
// level; it is the same shape.
type GlobalRecordTable = RecordLockTable

func NewRecordLockManager(table *RecordLockTable) *RecordLockManager {
	return &RecordLockManager{table: table}
}

// WaitGraph is consulted by deadlock detection: it maps an owner to the
// owner it is itself waiting for, if any. Acquire registers and clears
// the caller's edge as it blocks; callers may also set edges directly.
type WaitGraph struct {
	edges map[int32]int32
}

func NewWaitGraph() *WaitGraph { return &WaitGraph{edges: map[int32]int32{}} }

func (g *WaitGraph) SetWaiting(owner, waitingFor int32) { g.edges[owner] = waitingFor }
func (g *WaitGraph) ClearWaiting(owner int32)           { delete(g.edges, owner) }

// Detect walks the wait-for graph starting at "from" up to maxDepth
// hops; it reports true (deadlock) if the walk returns to "from".
func (g *WaitGraph) Detect(from int32, maxDepth int) bool {
	cur := from
	for i := 0; i < maxDepth; i++ {
		next, ok := g.edges[cur]
		if !ok {
			return false
		}
		if next == from {
			return true
		}
		cur = next
	}
	return false
}

// idHash is a simple FNV-1a style hash of the identifier bytes, used only
// to select a lock bucket; exact equality is still checked against the
// cell's stored ID bytes to handle collisions.
func idHash(id []byte) int32 {
	var h uint32 = 2166136261
	for _, b := range id {
		h ^= uint32(b)
		h *= 16777619
	}
	return int32(h)
}

// Acquire takes a record lock of the given mode on (fileID, id) for
// owner, in file-variable instance fvar. waits registers/clears a
// wait-for edge in graph for deadlock detection while blocked; if the
// detector reports a cycle, Acquire returns mvcore.Deadlock.
func (m *RecordLockManager) Acquire(ctx context.Context, fileID int32, id []byte, owner, fvar int32, mode LockMode, noWait bool, graph *WaitGraph, deadlockDepth int) error {
	busyYields := 0
	for {
		ok, blocker, err := m.tryAcquire(ctx, fileID, id, owner, mode)
		if err != nil {
			return err
		}
		if ok {
			m.local = append(m.local, LocalEntry{FileID: fileID, ID: append([]byte(nil), id...), FVarIndex: fvar})
			if graph != nil {
				graph.ClearWaiting(owner)
			}
			return nil
		}
		if noWait {
			return mvcore.Wrap(mvcore.LockDenied, nil, blocker)
		}
		if graph != nil {
			graph.SetWaiting(owner, blocker)
			if graph.Detect(owner, deadlockDepth) {
				graph.ClearWaiting(owner)
				return mvcore.NewError(mvcore.Deadlock, blocker)
			}
		}
		m.Stats.Waits++
		busyYields++
		if busyYields <= busyYieldsBeforeSleep {
			runtime.Gosched()
		} else {
			select {
			case <-ctx.Done():
				if graph != nil {
					graph.ClearWaiting(owner)
				}
				return mvcore.Wrap(mvcore.Retry, ctx.Err(), "lock wait cancelled")
			case <-time.After(time.Millisecond):
			}
		}
		m.Stats.Retries++
	}
}

func (m *RecordLockManager) tryAcquire(ctx context.Context, fileID int32, id []byte, owner int32, mode LockMode) (bool, int32, error) {
	if err := m.table.Sem.Acquire(ctx); err != nil {
		return false, 0, err
	}
	defer m.table.Sem.Release()

	size := len(m.table.Cells)
	h := idHash(id)
	bucket := recordHash(fileID, h, size)

	var examined int32
	freeIdx := -1
	idx := bucket
	for {
		cell := &m.table.Cells[idx]
		if cell.free() {
			if freeIdx < 0 {
				freeIdx = idx
			}
		} else if int(cell.Hash) == bucket+1 {
			examined++
			if cell.FileID == fileID && bytes.Equal(cell.ID, id) {
				if cell.Mode == Update || mode == Update {
					cell.Waiters++
					return false, cell.Owner, nil
				}
				cell.Count++
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
	cell.IDHash = h
	cell.ID = append([]byte(nil), id...)
	cell.Mode = mode
	cell.Count = 1
	m.table.headCounts[bucket]++
	return true, 0, nil
}

// Release drops the lock on (fileID, id) and updates the local mirror.
func (m *RecordLockManager) Release(ctx context.Context, fileID int32, id []byte) error {
	if err := m.table.Sem.Acquire(ctx); err != nil {
		return err
	}
	size := len(m.table.Cells)
	h := idHash(id)
	bucket := recordHash(fileID, h, size)

	idx := bucket
	found := false
	for {
		cell := &m.table.Cells[idx]
		if !cell.free() && int(cell.Hash) == bucket+1 && cell.FileID == fileID && bytes.Equal(cell.ID, id) {
			if cell.Mode == Update || cell.Count <= 1 {
				*cell = RecordCell{}
				m.table.headCounts[bucket]--
			} else {
				cell.Count--
			}
			found = true
			break
		}
		idx = (idx + 1) % size
		if idx == bucket {
			break
		}
	}
	m.table.Sem.Release()

	if !found {
		return mvcore.NewError(mvcore.NotFound, "record lock not held")
	}
	for i, e := range m.local {
		if e.FileID == fileID && bytes.Equal(e.ID, id) {
			m.local = append(m.local[:i], m.local[i+1:]...)
			break
		}
	}
	return nil
}

// ReleaseAllForFile releases every lock this process's local mirror
// records for fileID (file-close path), per spec.md §4.4.
func (m *RecordLockManager) ReleaseAllForFile(ctx context.Context, fileID int32) error {
	var toRelease [][]byte
	for _, e := range m.local {
		if e.FileID == fileID {
			toRelease = append(toRelease, e.ID)
		}
	}
	for _, id := range toRelease {
		if err := m.Release(ctx, fileID, id); err != nil {
			return err
		}
	}
	return nil
}

// RebuildLocal rebuilds the local lock mirror from the global table,
// used when EVT_REBUILD_LLT fires because an administrator forced a
// release in another process (spec.md §4.4).
func (m *RecordLockManager) RebuildLocal(ctx context.Context, owner int32, fvar int32) error {
	if err := m.table.Sem.Acquire(ctx); err != nil {
		return err
	}
	defer m.table.Sem.Release()

	m.local = m.local[:0]
	for _, cell := range m.table.Cells {
		if !cell.free() && cell.Owner == owner {
			m.local = append(m.local, LocalEntry{FileID: cell.FileID, ID: append([]byte(nil), cell.ID...), FVarIndex: fvar})
		}
	}
	return nil
}

// Local returns a snapshot of this process's local lock mirror.
func (m *RecordLockManager) Local() []LocalEntry {
	out := make([]LocalEntry, len(m.local))
	copy(out, m.local)
	return out
}

// ReleaseAllForOwner scans the global table directly and frees every cell
// held by owner, regardless of which process's local mirror recorded it.
// This is the recovery-path counterpart to Release/ReleaseAllForFile,
// used when owner's process has died and no local mirror can be trusted
// (control/recovery.go).
func (m *RecordLockManager) ReleaseAllForOwner(owner int32) {
	for i := range m.table.Cells {
		cell := &m.table.Cells[i]
		if !cell.free() && cell.Owner == owner {
			bucket := int(cell.Hash) - 1
			if bucket >= 0 {
				m.table.headCounts[bucket]--
			}
			*cell = RecordCell{}
		}
	}
}
