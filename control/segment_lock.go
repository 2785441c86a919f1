//go:build linux || darwin

package control

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dhstore/mvcore"
)

// SegmentFile guards the cross-process "first process creates, later
// processes attach" contract for the control region, using flock(2)
// advisory locking on a small marker file, per spec.md §4.1.
type SegmentFile struct {
	f *os.File
}

// AttachOrCreate opens (creating if necessary) the segment marker file at
// path, takes an exclusive advisory lock so concurrent attaches don't race
// the one-time initialization, and checks the file's recorded revision
// stamp against RevisionStamp. created is true if this call initialized
// the marker file.
func AttachOrCreate(path string) (seg *SegmentFile, created bool, err error) {
	f, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if openErr != nil {
		return nil, false, mvcore.Wrap(mvcore.IoError, openErr, path)
	}
	seg = &SegmentFile{f: f}

	if flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX); flockErr != nil {
		f.Close()
		return nil, false, mvcore.Wrap(mvcore.IoError, flockErr, path)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	fi, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, false, mvcore.Wrap(mvcore.IoError, statErr, path)
	}

	if fi.Size() == 0 {
		stamp := [4]byte{
			byte(RevisionStamp), byte(RevisionStamp >> 8),
			byte(RevisionStamp >> 16), byte(RevisionStamp >> 24),
		}
		if _, werr := f.WriteAt(stamp[:], 0); werr != nil {
			f.Close()
			return nil, false, mvcore.Wrap(mvcore.IoError, werr, path)
		}
		return seg, true, nil
	}

	var buf [4]byte
	if _, rerr := f.ReadAt(buf[:], 0); rerr != nil {
		f.Close()
		return nil, false, mvcore.Wrap(mvcore.IoError, rerr, path)
	}
	stamp := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if stamp != RevisionStamp {
		f.Close()
		return nil, false, mvcore.Wrap(mvcore.Corrupt, nil, "control region revision stamp mismatch")
	}
	return seg, false, nil
}

// Close releases the segment marker file handle.
func (s *SegmentFile) Close() error {
	return s.f.Close()
}

// WithExclusive runs fn while holding an exclusive flock on the segment
// file, for operations that must run alone across every process sharing
// the region (e.g. initial table sizing).
func (s *SegmentFile) WithExclusive(ctx context.Context, fn func() error) error {
	if err := unix.Flock(int(s.f.Fd()), unix.LOCK_EX); err != nil {
		return mvcore.Wrap(mvcore.IoError, err, "flock")
	}
	defer unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
	return fn()
}
