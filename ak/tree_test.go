package ak

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/control"
	"github.com/dhstore/mvcore/subfile"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	cache := subfile.NewFDCache(8)
	region := control.NewRegion(mvcore.DefaultConfiguration())
	fileID, err := region.OpenFile(context.Background(), "CUSTOMERS")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := Open(region, cache, fileID, 1, filepath.Join(dir, "AK1"), false, false, "NAME", "")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestInsertThenLookupRoundTrips(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if err := tr.Insert(ctx, 1, []byte("smith"), []byte("CUST001")); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Lookup(ctx, 1, []byte("smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], []byte("CUST001")) {
		t.Fatalf("unexpected lookup result: %v", got)
	}
}

func TestLookupMissingKeyReturnsEmpty(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	got, err := tr.Lookup(ctx, 1, []byte("nobody"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
}

func TestInsertAllowsDuplicateKeysWithDistinctTargets(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if err := tr.Insert(ctx, 1, []byte("smith"), []byte("CUST001")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(ctx, 1, []byte("smith"), []byte("CUST002")); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Lookup(ctx, 1, []byte("smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 duplicates, got %d: %v", len(got), got)
	}
}

func TestInsertReplacesExactDuplicatePairInPlace(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if err := tr.Insert(ctx, 1, []byte("smith"), []byte("CUST001")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(ctx, 1, []byte("smith"), []byte("CUST001")); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Lookup(ctx, 1, []byte("smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected replace not duplicate insert, got %d entries", len(got))
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if err := tr.Insert(ctx, 1, []byte("smith"), []byte("CUST001")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Delete(ctx, 1, []byte("smith"), []byte("CUST001")); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Lookup(ctx, 1, []byte("smith"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty after delete, got %v", got)
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	err := tr.Delete(ctx, 1, []byte("nope"), []byte("X"))
	if mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestManyInsertsTriggerSplitsAndRemainLookupable(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	const n = 400
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		target := []byte(fmt.Sprintf("REC%04d", i))
		if err := tr.Insert(ctx, 1, key, target); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if tr.Header.RecordCount != n {
		t.Fatalf("expected RecordCount %d, got %d", n, tr.Header.RecordCount)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		target := []byte(fmt.Sprintf("REC%04d", i))
		got, err := tr.Lookup(ctx, 1, key)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if len(got) != 1 || !bytes.Equal(got[0], target) {
			t.Fatalf("lookup %d returned %v, want [%s]", i, got, target)
		}
	}
}

func TestManyInsertsThenDeletesLeaveSurvivorsLookupable(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	const n = 300
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k-%04d", i))
		if err := tr.Insert(ctx, 1, keys[i], []byte(fmt.Sprintf("R%04d", i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < n-10; i++ {
		if err := tr.Delete(ctx, 1, keys[i], []byte(fmt.Sprintf("R%04d", i))); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if tr.Header.RecordCount != 10 {
		t.Fatalf("expected 10 survivors, got %d", tr.Header.RecordCount)
	}
	for i := n - 10; i < n; i++ {
		got, err := tr.Lookup(ctx, 1, keys[i])
		if err != nil {
			t.Fatalf("lookup survivor %d: %v", i, err)
		}
		if len(got) != 1 {
			t.Fatalf("survivor %d missing after bulk delete", i)
		}
	}
}

func TestOrderedScanVisitsKeysInAscendingOrder(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	const n = 120
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("ordkey-%04d", i))
		if err := tr.Insert(ctx, 1, key, []byte(fmt.Sprintf("T%04d", i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := tr.NewCursor()
	if err := cur.SetLeft(ctx, 1); err != nil {
		t.Fatal(err)
	}
	var seen [][]byte
	for {
		k, _, ok, err := cur.SelectRight(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		seen = append(seen, append([]byte(nil), k...))
	}
	if len(seen) != n {
		t.Fatalf("expected to visit %d keys, saw %d", n, len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if bytes.Compare(seen[i-1], seen[i]) >= 0 {
			t.Fatalf("scan not ascending at %d: %q then %q", i, seen[i-1], seen[i])
		}
	}
}

func TestOrderedScanBackwardsFromRightEdge(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("bk-%04d", i))
		if err := tr.Insert(ctx, 1, key, []byte(fmt.Sprintf("T%04d", i))); err != nil {
			t.Fatal(err)
		}
	}
	cur := tr.NewCursor()
	if err := cur.SetRight(ctx, 1); err != nil {
		t.Fatal(err)
	}
	var seen [][]byte
	for {
		k, _, ok, err := cur.SelectLeft(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		seen = append(seen, append([]byte(nil), k...))
	}
	if len(seen) != 50 {
		t.Fatalf("expected 50 keys scanning backwards, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if bytes.Compare(seen[i-1], seen[i]) <= 0 {
			t.Fatalf("backwards scan not descending at %d", i)
		}
	}
}

func TestScanSurvivesInterleavedInsertViaAKUpdCounter(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("mid-%04d", i))
		if err := tr.Insert(ctx, 1, key, []byte(fmt.Sprintf("T%04d", i))); err != nil {
			t.Fatal(err)
		}
	}
	cur := tr.NewCursor()
	if err := cur.SetLeft(ctx, 1); err != nil {
		t.Fatal(err)
	}
	k0, _, ok, err := cur.SelectRight(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("expected first key, ok=%v err=%v", ok, err)
	}
	_ = k0

	if err := tr.Insert(ctx, 1, []byte("zzz-interleaved"), []byte("NEW")); err != nil {
		t.Fatal(err)
	}

	k1, _, ok, err := cur.SelectRight(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected cursor to recover and continue past the interleaved write")
	}
	if bytes.Compare(k1, k0) <= 0 {
		t.Fatalf("expected forward progress, got %q after %q", k1, k0)
	}
}
