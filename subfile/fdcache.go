package subfile

import (
	"math"
	"os"
	"sync"

	"github.com/dhstore/mvcore"
)

// FDCache is an LRU-bounded cache of open *os.File handles shared by every
// Store of a process, per spec.md §4.2. Every read/write stamps its
// descriptor with a monotonically increasing transfer sequence number;
// when full, the descriptor with the lowest sequence number is closed.
// If the sequence would overflow, every descriptor is renumbered
// downward to restart, matching original_source/gplsrc/dh_file.c's
// restart_tx_ref.
type FDCache struct {
	mu       sync.Mutex
	limit    int
	nextSeq  int64
	entries  map[string]*fdEntry
}

type fdEntry struct {
	file *os.File
	seq  int64
}

// NewFDCache returns a cache bounded to at most limit simultaneously open
// descriptors (spec.md §6's fds_limit knob).
func NewFDCache(limit int) *FDCache {
	if limit <= 0 {
		limit = 1
	}
	return &FDCache{limit: limit, entries: map[string]*fdEntry{}}
}

func (c *FDCache) open(path string) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[path]; ok {
		return e.file, nil
	}

	if len(c.entries) >= c.limit {
		c.evictOldestLocked()
	}

	f, err := openOSFile(path)
	if err != nil {
		return nil, err
	}
	c.entries[path] = &fdEntry{file: f, seq: c.nextSeqLocked()}
	return f, nil
}

// stamp records an access against path, making it the most-recently-used
// descriptor.
func (c *FDCache) stamp(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		e.seq = c.nextSeqLocked()
	}
}

func (c *FDCache) nextSeqLocked() int64 {
	if c.nextSeq == math.MaxInt64 {
		c.restartSequenceLocked()
	}
	c.nextSeq++
	return c.nextSeq
}

// restartSequenceLocked renumbers every open descriptor's sequence number
// downward, preserving relative LRU order, instead of letting the
// counter wrap. Mirrors dh_file.c's restart_tx_ref.
func (c *FDCache) restartSequenceLocked() {
	type kv struct {
		path string
		seq  int64
	}
	ordered := make([]kv, 0, len(c.entries))
	for p, e := range c.entries {
		ordered = append(ordered, kv{p, e.seq})
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].seq < ordered[i].seq {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for i, kv := range ordered {
		c.entries[kv.path].seq = int64(i + 1)
	}
	c.nextSeq = int64(len(ordered))
}

func (c *FDCache) evictOldestLocked() {
	var oldestPath string
	var oldestSeq int64 = math.MaxInt64
	for p, e := range c.entries {
		if e.seq < oldestSeq {
			oldestSeq = e.seq
			oldestPath = p
		}
	}
	if oldestPath == "" {
		return
	}
	c.entries[oldestPath].file.Close()
	delete(c.entries, oldestPath)
}

// CloseAll closes every cached descriptor, for shutdown.
func (c *FDCache) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for p, e := range c.entries {
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = mvcore.Wrap(mvcore.IoError, err, p)
		}
		delete(c.entries, p)
	}
	return firstErr
}

// Len reports how many descriptors are currently cached (test hook).
func (c *FDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
