package locks

import (
	"context"
	"testing"

	"github.com/dhstore/mvcore"
)

func newTestRecordManager(size int) *RecordLockManager {
	table := NewRecordLockTable(size, NewLocalSemaphore())
	return NewRecordLockManager(table)
}

func TestRecordLock_SharedLocksCoexist(t *testing.T) {
	ctx := context.Background()
	m := newTestRecordManager(32)

	id := []byte("X")
	if err := m.Acquire(ctx, 1, id, 100, 0, Shared, true, nil, 8); err != nil {
		t.Fatalf("first shared: %v", err)
	}
	if err := m.Acquire(ctx, 1, id, 200, 0, Shared, true, nil, 8); err != nil {
		t.Fatalf("second shared should coexist: %v", err)
	}
}

func TestRecordLock_UpdateExcludesSharedAndUpdate(t *testing.T) {
	ctx := context.Background()
	m := newTestRecordManager(32)
	id := []byte("X")

	if err := m.Acquire(ctx, 1, id, 100, 0, Update, true, nil, 8); err != nil {
		t.Fatalf("update lock: %v", err)
	}
	if err := m.Acquire(ctx, 1, id, 200, 0, Shared, true, nil, 8); mvcore.CodeOf(err) != mvcore.LockDenied {
		t.Fatalf("shared should be denied under update, got %v", err)
	}
	if err := m.Acquire(ctx, 1, id, 200, 0, Update, true, nil, 8); mvcore.CodeOf(err) != mvcore.LockDenied {
		t.Fatalf("update should be denied under update, got %v", err)
	}
}

func TestRecordLock_ReleaseThenReacquire(t *testing.T) {
	ctx := context.Background()
	m := newTestRecordManager(32)
	id := []byte("X")

	if err := m.Acquire(ctx, 1, id, 100, 0, Update, true, nil, 8); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, 1, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Acquire(ctx, 1, id, 200, 0, Update, true, nil, 8); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestRecordLock_DeadlockDetected(t *testing.T) {
	graph := NewWaitGraph()
	// A waits for B, B waits for A: a two-cycle should be detected
	// within a small depth.
	graph.SetWaiting(100, 200)
	graph.SetWaiting(200, 100)
	if !graph.Detect(100, 8) {
		t.Fatal("expected deadlock cycle to be detected")
	}
}

func TestRecordLock_LocalMirrorTracksOwnership(t *testing.T) {
	ctx := context.Background()
	m := newTestRecordManager(32)
	id := []byte("X")

	if err := m.Acquire(ctx, 1, id, 100, 7, Shared, true, nil, 8); err != nil {
		t.Fatal(err)
	}
	local := m.Local()
	if len(local) != 1 || string(local[0].ID) != "X" || local[0].FVarIndex != 7 {
		t.Fatalf("unexpected local mirror: %+v", local)
	}
	if err := m.ReleaseAllForFile(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if len(m.Local()) != 0 {
		t.Fatal("expected local mirror to be empty after ReleaseAllForFile")
	}
}
