// Package control implements the shared control region (C1): process-wide
// state holding the file table, record-lock table, group-lock table, and
// user table, accessed under named semaphores.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/locks"
)

// RevisionStamp identifies the on-disk/in-memory layout version of the
// control region. A process that attaches a segment whose stamp differs
// from its own code's stamp refuses to run, per spec.md §4.1.
const RevisionStamp uint32 = 1

// FileTableEntry is one row of the file table: pathname, open reference
// count, exclusive-file-lock owner, AK-update counter, per-file stats.
//
// Lock is a signed owner/clearfile-in-progress field: a positive value is
// an owning user id; a negative value is -clearingUserID, meaning
// "clearfile in progress by this user". This is Open Question 1 from
// spec.md §9, resolved explicitly (see DESIGN.md).
type FileTableEntry struct {
	Pathname string
	RefCount int32
	Lock     int32
	AKUpdate uint64 // incremented on every AK write; drives cursor re-search
	// UpdateCounter increments on every primary-file write or delete; the
	// select engine (C7) records it at scan start and only trusts its
	// observed record count/byte load if it's unchanged at scan end.
	UpdateCounter uint64
	Stats         FileStats
	// InhibitCount counts active selects (C7) on this file; CloseFile
	// refuses to retire the entry while it's nonzero, per spec.md §4.7.
	InhibitCount int32
}

type FileStats struct {
	Reads, Writes, Deletes, Selects int64
}

// IsClearing reports whether a clearfile is in progress on this entry and,
// if so, by which user.
func (e *FileTableEntry) IsClearing() (bool, int32) {
	if e.Lock < 0 {
		return true, -e.Lock
	}
	return false, 0
}

// BeginClearFile transitions Lock to "clearfile in progress by user",
// refusing if another user already owns the file or a clearfile is
// already underway.
func (e *FileTableEntry) BeginClearFile(user int32) error {
	if e.Lock != 0 {
		return mvcore.NewError(mvcore.LockDenied, e.Lock)
	}
	e.Lock = -user
	return nil
}

// EndClearFile clears the in-progress marker, which must belong to user.
func (e *FileTableEntry) EndClearFile(user int32) error {
	clearing, owner := e.IsClearing()
	if !clearing || owner != user {
		return mvcore.NewError(mvcore.Corrupt, "EndClearFile called without a matching BeginClearFile")
	}
	e.Lock = 0
	return nil
}

// UserEntry is one row of the user table.
type UserEntry struct {
	ID        int32
	Token     mvcore.UUID
	PID       int
	OpenFiles map[int32]bool
}

// Region is the shared control region: the file table, record-lock table,
// group-lock table, user table, global stats, and policy parameters,
// sized from Configuration at construction time (fixed for the life of
// the segment).
type Region struct {
	Revision uint32
	Config   mvcore.Configuration

	mu         sync.Mutex
	fileTable  map[int32]*FileTableEntry
	nextFileID int32
	users      map[int32]*UserEntry

	GroupLocks  *locks.GroupLockManager
	RecordLocks *locks.RecordLockManager

	// Mirror is non-nil only when Config.RedisDistributedControlRegion is
	// set, mirroring group-lock grants to Redis for multi-host
	// coordination (the distributed mode of SPEC_FULL.md's DOMAIN STACK).
	Mirror *RedisMirror

	sems *semaphores
}

// NewRegion constructs a fresh, process-local control region sized from
// cfg. Cross-process attach semantics are layered on top by
// AttachOrCreate (segment_lock.go).
func NewRegion(cfg mvcore.Configuration) *Region {
	s := newSemaphores()
	r := &Region{
		Revision:    RevisionStamp,
		Config:      cfg,
		fileTable:   map[int32]*FileTableEntry{},
		users:       map[int32]*UserEntry{},
		GroupLocks:  locks.NewGroupLockManager(locks.NewGroupLockTable(cfg.NumGroupLocks, s.groupLockSem)),
		RecordLocks: locks.NewRecordLockManager(locks.NewRecordLockTable(cfg.NumLocks, s.recordLockSem)),
		sems:        s,
	}
	if cfg.RedisDistributedControlRegion && cfg.RedisAddress != "" {
		r.Mirror = NewRedisMirror(cfg.RedisAddress, 30*time.Second)
	}
	return r
}

// AcquireGroupWrite takes an exclusive (fileID, group) lock for owner
// in the in-process GroupLockManager, then, when r.Mirror is non-nil,
// confirms the same grant against the Redis mirror so a second host
// sharing this Redis instance can't also believe it holds the lock. On
// mirror denial it releases the local grant before returning the error,
// so a failed acquire never leaves a dangling local lock.
func (r *Region) AcquireGroupWrite(ctx context.Context, fileID, group, owner int32, noWait bool) error {
	if err := r.GroupLocks.AcquireWrite(ctx, fileID, group, owner, noWait); err != nil {
		return err
	}
	if r.Mirror != nil {
		ok, current, err := r.Mirror.TryGrant(ctx, fileID, group, owner)
		if err != nil {
			r.GroupLocks.Release(ctx, fileID, group)
			return err
		}
		if !ok {
			r.GroupLocks.Release(ctx, fileID, group)
			return mvcore.Wrap(mvcore.LockDenied, nil, fmt.Sprintf("group held by remote owner %d", current))
		}
	}
	return nil
}

// AcquireGroupRead takes a shared (fileID, group) lock for owner. Read
// locks are not mirrored: the mirror only arbitrates the single writer
// that is allowed to hold a group at once, not reader fan-out.
func (r *Region) AcquireGroupRead(ctx context.Context, fileID, group, owner int32, noWait bool) error {
	return r.GroupLocks.AcquireRead(ctx, fileID, group, owner, noWait)
}

// ReleaseGroup releases owner's local (fileID, group) lock and, when
// mirrored, its Redis-side grant.
func (r *Region) ReleaseGroup(ctx context.Context, fileID, group, owner int32) error {
	if r.Mirror != nil {
		if err := r.Mirror.Release(ctx, fileID, group, owner); err != nil {
			return err
		}
	}
	return r.GroupLocks.Release(ctx, fileID, group)
}

// OpenFile attaches (or creates) a file-table entry for pathname and
// increments its reference count, per spec.md §3's Lifecycle.
func (r *Region) OpenFile(ctx context.Context, pathname string) (int32, error) {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return 0, err
	}
	defer r.sems.fileTable.Release()

	for id, e := range r.fileTable {
		if e.Pathname == pathname {
			e.RefCount++
			return id, nil
		}
	}
	r.nextFileID++
	id := r.nextFileID
	r.fileTable[id] = &FileTableEntry{Pathname: pathname, RefCount: 1}
	return id, nil
}

// CloseFile decrements the reference count of fileID, removing the entry
// when it reaches zero.
func (r *Region) CloseFile(ctx context.Context, fileID int32) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()

	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	e.RefCount--
	if e.RefCount <= 0 && e.InhibitCount <= 0 {
		delete(r.fileTable, fileID)
	}
	return nil
}

// BeginSelect increments fileID's inhibit count, keeping the file-table
// entry alive across a CloseFile call until the select finishes or is
// aborted, per spec.md §4.7.
func (r *Region) BeginSelect(ctx context.Context, fileID int32) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()
	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	e.InhibitCount++
	return nil
}

// EndSelect decrements fileID's inhibit count, retiring the entry if a
// CloseFile already dropped its reference count to zero while the
// select was active.
func (r *Region) EndSelect(ctx context.Context, fileID int32) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()
	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	if e.InhibitCount > 0 {
		e.InhibitCount--
	}
	if e.RefCount <= 0 && e.InhibitCount <= 0 {
		delete(r.fileTable, fileID)
	}
	return nil
}

// FileEntry returns a snapshot of the file table entry for fileID.
func (r *Region) FileEntry(ctx context.Context, fileID int32) (FileTableEntry, error) {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return FileTableEntry{}, err
	}
	defer r.sems.fileTable.Release()

	e, ok := r.fileTable[fileID]
	if !ok {
		return FileTableEntry{}, mvcore.NewError(mvcore.NotFound, fileID)
	}
	return *e, nil
}

// BumpAKUpdate increments the AK-update counter for fileID, driving
// cursor re-search in the AK engine's scan path (spec.md §4.6).
func (r *Region) BumpAKUpdate(ctx context.Context, fileID int32) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()
	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	e.AKUpdate++
	return nil
}

// BumpUpdate increments fileID's general update counter, recorded by the
// select engine (C7) at scan start so it can tell at scan end whether any
// interleaved write/delete invalidates the observed statistics (spec.md
// §4.7's self-correcting statistics).
func (r *Region) BumpUpdate(ctx context.Context, fileID int32) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()
	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	e.UpdateCounter++
	return nil
}

// BumpSelectStat adds n to fileID's Selects stat, called by the select
// engine (C7) as records are emitted into its accumulator.
func (r *Region) BumpSelectStat(ctx context.Context, fileID int32, n int64) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()
	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	e.Stats.Selects += n
	return nil
}

// EndClearFile clears an in-progress clearfile marker on fileID, owned by
// user, used by the recovery path when the owning process died mid
// clearfile (spec.md §9 Open Question 1).
func (r *Region) EndClearFile(ctx context.Context, fileID int32, user int32) error {
	if err := r.sems.fileTable.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.fileTable.Release()
	e, ok := r.fileTable[fileID]
	if !ok {
		return mvcore.NewError(mvcore.NotFound, fileID)
	}
	return e.EndClearFile(user)
}

// RegisterUser adds a user-table entry for a newly connected process.
func (r *Region) RegisterUser(ctx context.Context, userID int32, pid int) error {
	if err := r.sems.shortCode.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.shortCode.Release()
	r.users[userID] = &UserEntry{ID: userID, Token: mvcore.NewUUID(), PID: pid, OpenFiles: map[int32]bool{}}
	return nil
}

// Users returns a snapshot of the user table, for recovery.go's cleanup
// walk.
func (r *Region) Users(ctx context.Context) (map[int32]*UserEntry, error) {
	if err := r.sems.shortCode.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.sems.shortCode.Release()
	out := make(map[int32]*UserEntry, len(r.users))
	for k, v := range r.users {
		out[k] = v
	}
	return out, nil
}

func (r *Region) removeUser(ctx context.Context, userID int32) error {
	if err := r.sems.shortCode.Acquire(ctx); err != nil {
		return err
	}
	defer r.sems.shortCode.Release()
	delete(r.users, userID)
	return nil
}
