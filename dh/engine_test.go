package dh

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/control"
	"github.com/dhstore/mvcore/subfile"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cache := subfile.NewFDCache(8)
	region := control.NewRegion(mvcore.DefaultConfiguration())
	fileID, err := region.OpenFile(context.Background(), "DATA")
	if err != nil {
		t.Fatal(err)
	}
	e, err := Open(region, cache, fileID, filepath.Join(dir, "DATA"), filepath.Join(dir, "OVER"), 1024)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Write(ctx, 1, []byte("CUST001"), []byte("Acme Corp")); err != nil {
		t.Fatal(err)
	}
	got, err := e.Read(ctx, 1, []byte("CUST001"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("Acme Corp")) {
		t.Fatalf("got %q, want %q", got, "Acme Corp")
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Read(ctx, 1, []byte("NOPE")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWriteUpdatesExistingRecordInPlace(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Write(ctx, 1, []byte("K"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if e.Header.RecordCount != 1 {
		t.Fatalf("expected RecordCount 1, got %d", e.Header.RecordCount)
	}
	if err := e.Write(ctx, 1, []byte("K"), []byte("v2-longer-value")); err != nil {
		t.Fatal(err)
	}
	if e.Header.RecordCount != 1 {
		t.Fatalf("expected RecordCount to stay 1 on update, got %d", e.Header.RecordCount)
	}
	got, err := e.Read(ctx, 1, []byte("K"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("v2-longer-value")) {
		t.Fatalf("got %q after update", got)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Write(ctx, 1, []byte("K"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(ctx, 1, []byte("K")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Read(ctx, 1, []byte("K")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestBigRecordRoundTripsThroughOverflowChain(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	big := bytes.Repeat([]byte{0x5A}, int(e.Header.BigRecSize)+500)
	if err := e.Write(ctx, 1, []byte("BIGREC"), big); err != nil {
		t.Fatal(err)
	}
	got, err := e.Read(ctx, 1, []byte("BIGREC"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("big record payload did not round trip")
	}
}

func TestManyInsertsTriggerSplitAndRemainReadable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		id := []byte{byte(i), byte(i >> 8), 'K'}
		if err := e.Write(ctx, 1, id, bytes.Repeat([]byte{'x'}, 40)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if e.Header.Modulus <= 1 {
		t.Fatalf("expected at least one split to have occurred, modulus=%d", e.Header.Modulus)
	}
	for i := 0; i < n; i++ {
		id := []byte{byte(i), byte(i >> 8), 'K'}
		got, err := e.Read(ctx, 1, id)
		if err != nil {
			t.Fatalf("read %d after splits: %v", i, err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{'x'}, 40)) {
			t.Fatalf("read %d returned wrong data after splits", i)
		}
	}
}

func TestDeletingManyRecordsTriggersMergeAndRemainReadable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 200
	ids := make([][]byte, n)
	for i := 0; i < n; i++ {
		ids[i] = []byte{byte(i), byte(i >> 8), 'M'}
		if err := e.Write(ctx, 1, ids[i], bytes.Repeat([]byte{'y'}, 40)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	peakModulus := e.Header.Modulus

	for i := 0; i < n-5; i++ {
		if err := e.Delete(ctx, 1, ids[i]); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if e.Header.Modulus >= peakModulus {
		t.Fatalf("expected modulus to shrink after deletes, peak=%d now=%d", peakModulus, e.Header.Modulus)
	}
	for i := n - 5; i < n; i++ {
		got, err := e.Read(ctx, 1, ids[i])
		if err != nil {
			t.Fatalf("surviving record %d unreadable after merges: %v", i, err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{'y'}, 40)) {
			t.Fatalf("surviving record %d has wrong data after merges", i)
		}
	}
}

func TestConfigureUpdatesOnlyGivenParameters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	origMinModulus := e.Header.MinModulus
	if err := e.Configure(ctx, 1, -1, 80, 20, -1); err != nil {
		t.Fatal(err)
	}
	if e.Header.MinModulus != origMinModulus {
		t.Fatalf("MinModulus changed despite -1, got %d want %d", e.Header.MinModulus, origMinModulus)
	}
	if e.Header.SplitLoadPct != 80 || e.Header.MergeLoadPct != 20 {
		t.Fatalf("load thresholds not applied: split=%d merge=%d", e.Header.SplitLoadPct, e.Header.MergeLoadPct)
	}

	if err := e.Configure(ctx, 1, 4, -1, -1, 512); err != nil {
		t.Fatal(err)
	}
	if e.Header.MinModulus != 4 {
		t.Fatalf("MinModulus = %d, want 4", e.Header.MinModulus)
	}
	if e.Header.SplitLoadPct != 80 || e.Header.MergeLoadPct != 20 {
		t.Fatalf("load thresholds clobbered by unrelated Configure call")
	}
	if e.Header.BigRecSize != 512 {
		t.Fatalf("BigRecSize = %d, want 512", e.Header.BigRecSize)
	}
}
