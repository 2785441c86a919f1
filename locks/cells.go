// Package locks implements the group lock manager (C3) and record lock
// manager (C4): cyclic-hash tables of read/write and shared/update locks
// coordinating multi-process access to a file's groups and records.
package locks

import "github.com/dhstore/mvcore"

// GroupCell is one cell of the group-lock cyclic-hash table, keyed by
// (file_id, group). Grounded on original_source/gplsrc/locks.h's
// GLOCK_ENTRY.
type GroupCell struct {
	// Hash is the bucket index of the first cell in this cell's chain.
	// Zero means the cell is free.
	Hash     int32
	Count    int32 // unused: bucket occupancy is kept in GroupLockTable.headCounts
	Owner    int32 // owning user id
	FileID   int32
	Group    int32
	RWCount  int32 // +ve = reader count, -ve = write lock (-1)
}

func (c *GroupCell) free() bool { return c.Hash == 0 }

// RecordCell is one cell of the record-lock cyclic-hash table, keyed by
// (file_id, id_hash), with the full identifier kept for exact match under
// hash collisions. Grounded on locks.h's RLOCK_ENTRY.
type RecordCell struct {
	Hash    int32
	Count   int32
	Owner   int32
	Waiters int32
	Mode    LockMode
	FileID  int32
	IDHash  int32
	TxnID   mvcore.UUID
	ID      []byte
}

func (c *RecordCell) free() bool { return c.Hash == 0 }

// LockMode distinguishes record lock modes.
type LockMode int

const (
	// Shared allows other Shared holders to coexist.
	Shared LockMode = iota + 1
	// Update is exclusive.
	Update
)

// groupHash computes the cyclic-hash bucket for (fileID, group) over a
// table of the given size, per locks.h's GLockHash macro:
// ((file XOR group) mod num_glocks) + 1. Returned index is 0-based for Go
// slice addressing (the original is 1-based).
func groupHash(fileID, group int32, size int) int {
	return int(uint32(fileID^group)%uint32(size))
}

// recordHash computes the cyclic-hash bucket for (fileID, idHash) over a
// table of the given size, per locks.h's RLockHash macro.
func recordHash(fileID, idHash int32, size int) int {
	return int(uint32(fileID^idHash) % uint32(size))
}
