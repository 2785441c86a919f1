package scan

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/control"
	"github.com/dhstore/mvcore/dh"
	"github.com/dhstore/mvcore/subfile"
)

func newTestEngine(t *testing.T) (*control.Region, *dh.Engine, int32) {
	t.Helper()
	dir := t.TempDir()
	cache := subfile.NewFDCache(8)
	region := control.NewRegion(mvcore.DefaultConfiguration())
	fileID, err := region.OpenFile(context.Background(), "CUSTOMERS")
	if err != nil {
		t.Fatal(err)
	}
	e, err := dh.Open(region, cache, fileID, filepath.Join(dir, "DATA"), filepath.Join(dir, "OVER"), 1024)
	if err != nil {
		t.Fatal(err)
	}
	return region, e, fileID
}

func idsAsStrings(ids [][]byte) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	sort.Strings(out)
	return out
}

func TestScannerRunAccumulatesEveryID(t *testing.T) {
	region, e, fileID := newTestEngine(t)
	ctx := context.Background()

	want := []string{}
	for i := 0; i < 150; i++ {
		id := []byte{byte(i), byte(i >> 8), 'S'}
		if err := e.Write(ctx, 1, id, bytes.Repeat([]byte{'v'}, 20)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		want = append(want, string(id))
	}
	sort.Strings(want)

	s, err := NewScanner(ctx, region, e, fileID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Done() {
		t.Fatal("expected scan to be done after Run")
	}
	if s.Count() != 150 {
		t.Fatalf("expected 150 ids, got %d", s.Count())
	}
	got := idsAsStrings(s.Ids())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("id set mismatch at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestScannerStepIsResumableAcrossCalls(t *testing.T) {
	region, e, fileID := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		id := []byte{byte(i), 'R'}
		if err := e.Write(ctx, 1, id, []byte("x")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	s, err := NewScanner(ctx, region, e, fileID, 1)
	if err != nil {
		t.Fatal(err)
	}
	steps := 0
	for !s.Done() {
		if _, _, err := s.Step(ctx); err != nil {
			t.Fatal(err)
		}
		steps++
		if steps > 10000 {
			t.Fatal("scan did not terminate")
		}
	}
	if int(s.Count()) != 50 {
		t.Fatalf("expected 50 ids across stepped scan, got %d", s.Count())
	}
}

func TestScannerSelfCorrectsStatsWhenUninterrupted(t *testing.T) {
	region, e, fileID := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := []byte{byte(i), 'C'}
		if err := e.Write(ctx, 1, id, bytes.Repeat([]byte{'z'}, 30)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// Force the header's approximate counters to disagree with reality.
	e.Header.RecordCount = 999

	s, err := NewScanner(ctx, region, e, fileID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Header.RecordCount != 20 {
		t.Fatalf("expected self-corrected RecordCount 20, got %d", e.Header.RecordCount)
	}
}

func TestScannerLeavesStatsAloneWhenInterleavedUpdateOccurs(t *testing.T) {
	region, e, fileID := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := []byte{byte(i), 'I'}
		if err := e.Write(ctx, 1, id, []byte("v")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	e.Header.RecordCount = 999

	s, err := NewScanner(ctx, region, e, fileID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Step(ctx); err != nil {
		t.Fatal(err)
	}
	// An interleaved write lands between steps.
	if err := e.Write(ctx, 1, []byte("NEWIE"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Header.RecordCount != 999 {
		t.Fatalf("expected header stats untouched after interleaved update, got %d", e.Header.RecordCount)
	}
}

func TestScannerInhibitsCloseUntilFinished(t *testing.T) {
	region, e, fileID := newTestEngine(t)
	ctx := context.Background()
	if err := e.Write(ctx, 1, []byte("ONLY"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	s, err := NewScanner(ctx, region, e, fileID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := region.CloseFile(ctx, fileID); err != nil {
		t.Fatal(err)
	}
	// The entry must still exist: inhibited by the active select.
	if _, err := region.FileEntry(ctx, fileID); err != nil {
		t.Fatalf("expected file entry to survive close while select active: %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	// Now that the select finished, the earlier close should have taken effect.
	if _, err := region.FileEntry(ctx, fileID); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected file entry gone after select finished and close took effect, got %v", err)
	}
}

func TestScannerAbortReleasesInhibitWithoutTouchingStats(t *testing.T) {
	region, e, fileID := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := []byte{byte(i), 'A'}
		if err := e.Write(ctx, 1, id, []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	e.Header.RecordCount = 12345

	s, err := NewScanner(ctx, region, e, fileID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Header.RecordCount != 12345 {
		t.Fatalf("abort must not touch header stats, got %d", e.Header.RecordCount)
	}
	if err := region.CloseFile(ctx, fileID); err != nil {
		t.Fatal(err)
	}
	if _, err := region.FileEntry(ctx, fileID); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected file entry gone after abort + close, got %v", err)
	}
}
