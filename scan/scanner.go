// Package scan implements the select engine (C7): a resumable,
// group-by-group walk of a dh.Engine's primary groups that accumulates
// every record id it finds, per spec.md §4.7.
package scan

import (
	"context"

	"github.com/dhstore/mvcore/control"
	"github.com/dhstore/mvcore/dh"
)

// engine is the subset of *dh.Engine a Scanner needs, so tests can
// stand in a fake without wiring a full subfile pair.
type engine interface {
	Modulus() int32
	GroupIDs(ctx context.Context, owner int32, g int32) (ids [][]byte, bytes int64, err error)
	SetObservedStats(ctx context.Context, owner int32, recordCount int64, loadBytes int64) error
}

var _ engine = (*dh.Engine)(nil)

// Scanner walks one file's primary groups from 1 to modulus, one group
// per Step call, accumulating record ids and their observed byte
// footprint. It holds the file's inhibit count raised for its whole
// lifetime, so the file cannot be fully closed out from under it.
type Scanner struct {
	region *control.Region
	eng    engine
	fileID int32
	owner  int32

	nextGroup int32
	modulus   int32

	ids        [][]byte
	recordsSum int64
	bytesSum   int64

	startUpdate uint64
	active      bool
	done        bool
}

// NewScanner starts a select against fileID, raising its inhibit count
// so CloseFile won't retire the file-table entry while the scan is
// in flight, per spec.md §4.7.
func NewScanner(ctx context.Context, region *control.Region, eng *dh.Engine, fileID, owner int32) (*Scanner, error) {
	return newScanner(ctx, region, eng, fileID, owner)
}

func newScanner(ctx context.Context, region *control.Region, eng engine, fileID, owner int32) (*Scanner, error) {
	if err := region.BeginSelect(ctx, fileID); err != nil {
		return nil, err
	}
	entry, err := region.FileEntry(ctx, fileID)
	if err != nil {
		_ = region.EndSelect(ctx, fileID)
		return nil, err
	}
	return &Scanner{
		region:      region,
		eng:         eng,
		fileID:      fileID,
		owner:       owner,
		nextGroup:   1,
		modulus:     eng.Modulus(),
		startUpdate: entry.UpdateCounter,
		active:      true,
	}, nil
}

// Done reports whether every primary group has been scanned (or the
// scan was aborted).
func (s *Scanner) Done() bool { return s.done }

// Ids returns every record id accumulated so far.
func (s *Scanner) Ids() [][]byte { return s.ids }

// Count returns the number of ids accumulated so far.
func (s *Scanner) Count() int64 { return int64(len(s.ids)) }

// Step reads one more primary group's chain, appending its record ids
// to the accumulator, per spec.md §4.7's "resumable partial selects:
// the caller can step group-by-group between user operations." It
// returns the ids found in this group and whether the scan is now
// complete.
func (s *Scanner) Step(ctx context.Context) (ids [][]byte, done bool, err error) {
	if s.done {
		return nil, true, nil
	}
	if s.nextGroup > s.modulus {
		if err := s.finish(ctx); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	g := s.nextGroup
	ids, bytes, err := s.eng.GroupIDs(ctx, s.owner, g)
	if err != nil {
		return nil, false, err
	}
	s.ids = append(s.ids, ids...)
	s.recordsSum += int64(len(ids))
	s.bytesSum += bytes
	s.nextGroup++

	if err := s.region.BumpSelectStat(ctx, s.fileID, int64(len(ids))); err != nil {
		return nil, false, err
	}

	if s.nextGroup > s.modulus {
		if err := s.finish(ctx); err != nil {
			return nil, false, err
		}
		return ids, true, nil
	}
	return ids, false, nil
}

// Run steps the scanner to completion in one call, for callers that
// don't need to interleave other operations between groups.
func (s *Scanner) Run(ctx context.Context) error {
	for !s.done {
		if _, _, err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// finish compares the file's update counter against the value recorded
// at scan start; if nothing interleaved, the observed record count and
// byte load replace the header's approximate ones, per spec.md §4.7's
// self-correcting statistics. Either way it lowers the inhibit count.
func (s *Scanner) finish(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	s.active = false
	defer s.region.EndSelect(ctx, s.fileID)

	entry, err := s.region.FileEntry(ctx, s.fileID)
	if err != nil {
		return err
	}
	if entry.UpdateCounter == s.startUpdate {
		if err := s.eng.SetObservedStats(ctx, s.owner, s.recordsSum, s.bytesSum); err != nil {
			return err
		}
	}
	return nil
}

// Abort ends the select without touching the header's statistics,
// releasing the inhibit count it raised at NewScanner.
func (s *Scanner) Abort(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	s.active = false
	return s.region.EndSelect(ctx, s.fileID)
}
