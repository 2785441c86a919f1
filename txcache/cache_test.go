package txcache

import (
	"bytes"
	"context"
	"testing"

	"github.com/dhstore/mvcore"
)

// fakeEngine is a minimal in-memory FileEngine, the same kind of test
// double as the teacher's own fakeNR/fakeIAT btree test helpers.
type fakeEngine struct {
	data map[string][]byte
	ops  []string
}

func newFakeEngine() *fakeEngine { return &fakeEngine{data: map[string][]byte{}} }

func (f *fakeEngine) Read(ctx context.Context, owner int32, id []byte) ([]byte, error) {
	v, ok := f.data[string(id)]
	if !ok {
		return nil, mvcore.NewError(mvcore.NotFound, id)
	}
	return v, nil
}

func (f *fakeEngine) Write(ctx context.Context, owner int32, id, data []byte) error {
	f.ops = append(f.ops, "W:"+string(id))
	f.data[string(id)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeEngine) Delete(ctx context.Context, owner int32, id []byte) error {
	if _, ok := f.data[string(id)]; !ok {
		return mvcore.NewError(mvcore.NotFound, id)
	}
	f.ops = append(f.ops, "D:"+string(id))
	delete(f.data, string(id))
	return nil
}

func TestTransactionBufferIsVisibleToOwnReadsBeforeCommit(t *testing.T) {
	c := NewCache()
	eng := newFakeEngine()
	eng.data["T2"] = []byte("two")
	ctx := context.Background()
	const owner, fileID = 1, 10

	if _, err := c.Begin(owner); err != nil {
		t.Fatal(err)
	}
	if err := c.OptIn(owner, fileID); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(ctx, owner, fileID, eng, []byte("T1"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, owner, fileID, eng, []byte("T2")); err != nil {
		t.Fatal(err)
	}

	got, err := c.Read(ctx, owner, fileID, eng, []byte("T1"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("one")) {
		t.Fatalf("got %q, want %q", got, "one")
	}
	if _, err := c.Read(ctx, owner, fileID, eng, []byte("T2")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound for buffered delete, got %v", err)
	}
	// Underlying engine must be untouched before commit.
	if _, ok := eng.data["T1"]; ok {
		t.Fatal("write leaked to underlying engine before commit")
	}
	if _, ok := eng.data["T2"]; !ok {
		t.Fatal("delete leaked to underlying engine before commit")
	}
}

func TestRollbackDiscardsBufferAndLeavesEngineUntouched(t *testing.T) {
	c := NewCache()
	eng := newFakeEngine()
	eng.data["T2"] = []byte("two")
	ctx := context.Background()
	const owner, fileID = 1, 10

	if _, err := c.Begin(owner); err != nil {
		t.Fatal(err)
	}
	if err := c.OptIn(owner, fileID); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(ctx, owner, fileID, eng, []byte("T1"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, owner, fileID, eng, []byte("T2")); err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(ctx, owner); err != nil {
		t.Fatal(err)
	}

	if c.HasBegun(owner) {
		t.Fatal("expected transaction to be retired after rollback")
	}
	if _, err := eng.Read(ctx, owner, []byte("T1")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected T1 absent after rollback, got %v", err)
	}
	got, err := eng.Read(ctx, owner, []byte("T2"))
	if err != nil || !bytes.Equal(got, []byte("two")) {
		t.Fatalf("expected T2 still %q after rollback, got %q err %v", "two", got, err)
	}
}

func TestCommitReplaysOpsInRecordedOrder(t *testing.T) {
	c := NewCache()
	eng := newFakeEngine()
	eng.data["T2"] = []byte("two")
	ctx := context.Background()
	const owner, fileID = 1, 10

	if _, err := c.Begin(owner); err != nil {
		t.Fatal(err)
	}
	if err := c.OptIn(owner, fileID); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(ctx, owner, fileID, eng, []byte("T1"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, owner, fileID, eng, []byte("T2")); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx, owner); err != nil {
		t.Fatal(err)
	}

	if c.HasBegun(owner) {
		t.Fatal("expected transaction to be retired after commit")
	}
	got, err := eng.Read(ctx, owner, []byte("T1"))
	if err != nil || !bytes.Equal(got, []byte("one")) {
		t.Fatalf("expected T1=%q after commit, got %q err %v", "one", got, err)
	}
	if _, err := eng.Read(ctx, owner, []byte("T2")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected T2 deleted after commit, got %v", err)
	}
	if len(eng.ops) != 2 || eng.ops[0] != "W:T1" || eng.ops[1] != "D:T2" {
		t.Fatalf("expected replay order [W:T1 D:T2], got %v", eng.ops)
	}
}

func TestNonOptedInFilePassesThroughImmediately(t *testing.T) {
	c := NewCache()
	eng := newFakeEngine()
	ctx := context.Background()
	const owner, fileID = 1, 10

	if _, err := c.Begin(owner); err != nil {
		t.Fatal(err)
	}
	// fileID never OptIn'd.
	if err := c.Write(ctx, owner, fileID, eng, []byte("X"), []byte("y")); err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.data["X"]; !ok {
		t.Fatal("expected non-opted-in write to land immediately")
	}
}

func TestCloseFileRetainsEngineUntilReopenedOrTransactionEnds(t *testing.T) {
	c := NewCache()
	eng := newFakeEngine()
	ctx := context.Background()
	const owner, fileID = 1, 10
	closed := false
	closeFn := func(ctx context.Context) error { closed = true; return nil }

	if _, err := c.Begin(owner); err != nil {
		t.Fatal(err)
	}
	if err := c.OptIn(owner, fileID); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseFile(ctx, owner, fileID, eng, closeFn); err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("expected close to be deferred while transaction is open")
	}
	reopened, ok := c.ReopenFile(owner, fileID)
	if !ok || reopened != FileEngine(eng) {
		t.Fatal("expected reopen to hand back the retained engine")
	}
	if err := c.Commit(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if closed {
		t.Fatal("reopened file should not be closed at commit")
	}
}

func TestCloseFileDeferredCloseFiresAtCommitIfNeverReopened(t *testing.T) {
	c := NewCache()
	eng := newFakeEngine()
	ctx := context.Background()
	const owner, fileID = 1, 10
	closed := false
	closeFn := func(ctx context.Context) error { closed = true; return nil }

	if _, err := c.Begin(owner); err != nil {
		t.Fatal(err)
	}
	if err := c.OptIn(owner, fileID); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseFile(ctx, owner, fileID, eng, closeFn); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("expected deferred close to fire once the transaction ended")
	}
}

func TestBeginTwiceForSameOwnerIsRejected(t *testing.T) {
	c := NewCache()
	if _, err := c.Begin(1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Begin(1); err == nil {
		t.Fatal("expected second Begin for same owner to fail")
	}
}

func TestCommitWithoutBeginIsRejected(t *testing.T) {
	c := NewCache()
	if err := c.Commit(context.Background(), 1); err == nil {
		t.Fatal("expected Commit without Begin to fail")
	}
}
