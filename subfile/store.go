// Package subfile implements positioned block I/O over a file's numbered
// subfiles (C2): the primary, overflow, and up to 32 AK subfiles. Offsets
// are computed from the file's header size and group size for
// primary/overflow subfiles, or a fixed 4 KiB stride for AK subfiles.
package subfile

import (
	"io"
	"os"

	"github.com/dhstore/mvcore"
)

// AKBlockSize is the fixed node size of an AK subfile, per spec.md §3.
const AKBlockSize = 4096

// Store is positioned read/write access to one subfile. HeaderSize and
// BlockSize determine the addressing scheme: a group's base offset is
// HeaderSize + (group-1)*BlockSize for primary/overflow subfiles, or
// (group-1)*BlockSize with HeaderSize folded into the header subfile
// layout for AK subfiles (BlockSize == AKBlockSize, HeaderSize equal to
// one AK header node's worth of space).
type Store struct {
	Path       string
	HeaderSize int64
	BlockSize  int64

	cache *FDCache
}

// Open opens (or creates) the subfile at path through the shared fd
// cache. headerSize and blockSize determine block addressing; see Store.
func Open(cache *FDCache, path string, headerSize, blockSize int64) (*Store, error) {
	s := &Store{Path: path, HeaderSize: headerSize, BlockSize: blockSize, cache: cache}
	if _, err := s.cache.open(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) offset(group int32) int64 {
	return s.HeaderSize + int64(group-1)*s.BlockSize
}

// ReadGroup reads exactly one block's worth of bytes at the given group
// number.
func (s *Store) ReadGroup(group int32) ([]byte, error) {
	f, err := s.cache.open(s.Path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, s.BlockSize)
	n, err := f.ReadAt(buf, s.offset(group))
	if err != nil && err != io.EOF {
		return nil, mvcore.Wrap(mvcore.IoError, err, s.Path)
	}
	if n < len(buf) {
		// Short read past current EOF (e.g. a group never written yet):
		// zero-fill the remainder rather than surfacing a read error, so
		// callers see a well-formed empty block.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	s.cache.stamp(s.Path)
	return buf, nil
}

// WriteGroup writes data (which must be exactly BlockSize bytes) at the
// given group number.
func (s *Store) WriteGroup(group int32, data []byte) error {
	if int64(len(data)) != s.BlockSize {
		return mvcore.NewError(mvcore.Corrupt, "block size mismatch")
	}
	f, err := s.cache.open(s.Path)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, s.offset(group)); err != nil {
		return mvcore.Wrap(mvcore.IoError, err, s.Path)
	}
	s.cache.stamp(s.Path)
	return nil
}

// ReadAt/WriteAt expose raw positioned access for header reads/writes,
// which don't align to a group boundary.
func (s *Store) ReadAt(buf []byte, off int64) (int, error) {
	f, err := s.cache.open(s.Path)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, mvcore.Wrap(mvcore.IoError, err, s.Path)
	}
	s.cache.stamp(s.Path)
	return n, nil
}

func (s *Store) WriteAt(buf []byte, off int64) (int, error) {
	f, err := s.cache.open(s.Path)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(buf, off)
	if err != nil {
		return n, mvcore.Wrap(mvcore.IoError, err, s.Path)
	}
	s.cache.stamp(s.Path)
	return n, nil
}

// Fsync flushes the subfile to disk.
func (s *Store) Fsync() error {
	f, err := s.cache.open(s.Path)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return mvcore.Wrap(mvcore.IoError, err, s.Path)
	}
	return nil
}

// Size returns the current size in bytes of the subfile.
func (s *Store) Size() (int64, error) {
	f, err := s.cache.open(s.Path)
	if err != nil {
		return 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, mvcore.Wrap(mvcore.IoError, err, s.Path)
	}
	return fi.Size(), nil
}

func openOSFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, mvcore.Wrap(mvcore.IoError, err, path)
	}
	return f, nil
}
