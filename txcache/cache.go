// Package txcache implements the per-process transaction cache (C8):
// begin/commit/rollback against files that opt into transactions, per
// spec.md §4.8.
package txcache

import (
	"context"
	"sync"

	"github.com/dhstore/mvcore"
)

// FileEngine is the subset of a record store a buffered transactional
// operation eventually replays against — satisfied by *dh.Engine.
// Kept as a narrow interface, the same seam scan.Scanner uses, so
// Cache doesn't import dh and can be driven by a fake in tests.
type FileEngine interface {
	Read(ctx context.Context, owner int32, id []byte) ([]byte, error)
	Write(ctx context.Context, owner int32, id, data []byte) error
	Delete(ctx context.Context, owner int32, id []byte) error
}

type opKind int

const (
	opWrite opKind = iota
	opDelete
)

type bufferedOp struct {
	kind   opKind
	fileID int32
	id     []byte
	data   []byte
	eng    FileEngine
}

type bufKey struct {
	fileID int32
	id     string
}

// retainedFile is a file-var kept alive across a mid-transaction close,
// per spec.md §4.8's "file-var retention": CloseFile just marks it
// pending; ReopenFile (same transaction) clears the pending flag and
// hands the same engine back, so buffered references stay valid.
type retainedFile struct {
	eng          FileEngine
	closeFn      func(ctx context.Context) error
	pendingClose bool
}

// txState is one process's (owner's) in-flight transaction: the
// buffered op list (replay order), a point-lookup index over it (read-
// your-own-writes), the set of files that opted in, and retained
// file-vars.
type txState struct {
	id       mvcore.UUID
	optedIn  map[int32]bool
	ops      []*bufferedOp
	index    map[bufKey]*bufferedOp
	retained map[int32]*retainedFile
}

// Cache is the transaction cache: one txState per owner (process/user
// id), per spec.md §4.8's "the process marks itself as in a
// transaction".
type Cache struct {
	mu    sync.Mutex
	byOwn map[int32]*txState
}

// NewCache constructs an empty transaction cache.
func NewCache() *Cache {
	return &Cache{byOwn: map[int32]*txState{}}
}

// Begin marks owner as being in a transaction with a fresh transaction
// id, per spec.md §4.8.
func (c *Cache) Begin(owner int32) (mvcore.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byOwn[owner]; ok {
		return mvcore.NilUUID, mvcore.NewError(mvcore.LockDenied, "owner already has a transaction in progress")
	}
	tx := &txState{
		id:       mvcore.NewUUID(),
		optedIn:  map[int32]bool{},
		index:    map[bufKey]*bufferedOp{},
		retained: map[int32]*retainedFile{},
	}
	c.byOwn[owner] = tx
	return tx.id, nil
}

// HasBegun reports whether owner currently has an open transaction.
func (c *Cache) HasBegun(owner int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byOwn[owner]
	return ok
}

// OptIn marks fileID as participating in owner's current transaction:
// subsequent Write/Delete/Read/CloseFile calls against it buffer rather
// than hit the underlying engine immediately, per spec.md §4.8.
func (c *Cache) OptIn(owner, fileID int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.byOwn[owner]
	if !ok {
		return mvcore.NewError(mvcore.InvalidID, "no transaction in progress for owner")
	}
	tx.optedIn[fileID] = true
	return nil
}

// Read returns eng's current value for id, consulting owner's buffer
// first when fileID has opted in: a buffered write returns its data, a
// buffered delete returns NotFound, and the absence of either falls
// through to eng.Read, per spec.md §4.8.
func (c *Cache) Read(ctx context.Context, owner, fileID int32, eng FileEngine, id []byte) ([]byte, error) {
	c.mu.Lock()
	tx := c.byOwn[owner]
	if tx != nil && tx.optedIn[fileID] {
		if op, ok := tx.index[bufKey{fileID, string(id)}]; ok {
			c.mu.Unlock()
			if op.kind == opDelete {
				return nil, mvcore.NewError(mvcore.NotFound, id)
			}
			return op.data, nil
		}
	}
	c.mu.Unlock()
	return eng.Read(ctx, owner, id)
}

// Write buffers id/data against owner's transaction when fileID has
// opted in, otherwise writes straight through to eng.
func (c *Cache) Write(ctx context.Context, owner, fileID int32, eng FileEngine, id, data []byte) error {
	c.mu.Lock()
	tx := c.byOwn[owner]
	if tx == nil || !tx.optedIn[fileID] {
		c.mu.Unlock()
		return eng.Write(ctx, owner, id, data)
	}
	op := &bufferedOp{kind: opWrite, fileID: fileID, id: id, data: data, eng: eng}
	tx.ops = append(tx.ops, op)
	tx.index[bufKey{fileID, string(id)}] = op
	c.mu.Unlock()
	return nil
}

// Delete buffers id's removal against owner's transaction when fileID
// has opted in, otherwise deletes straight through via eng.
func (c *Cache) Delete(ctx context.Context, owner, fileID int32, eng FileEngine, id []byte) error {
	c.mu.Lock()
	tx := c.byOwn[owner]
	if tx == nil || !tx.optedIn[fileID] {
		c.mu.Unlock()
		return eng.Delete(ctx, owner, id)
	}
	op := &bufferedOp{kind: opDelete, fileID: fileID, id: id, eng: eng}
	tx.ops = append(tx.ops, op)
	tx.index[bufKey{fileID, string(id)}] = op
	c.mu.Unlock()
	return nil
}

// CloseFile retains eng under owner's transaction instead of letting
// the caller truly close it, when fileID has opted in; closeFn is the
// real close the caller would otherwise have performed, invoked later
// if the file is never reopened within this transaction, per spec.md
// §4.8's "files closed mid-transaction are not truly closed."
// Non-opted-in files, or callers with no open transaction, close
// immediately via closeFn.
func (c *Cache) CloseFile(ctx context.Context, owner, fileID int32, eng FileEngine, closeFn func(ctx context.Context) error) error {
	c.mu.Lock()
	tx := c.byOwn[owner]
	if tx == nil || !tx.optedIn[fileID] {
		c.mu.Unlock()
		return closeFn(ctx)
	}
	if rf, ok := tx.retained[fileID]; ok {
		rf.pendingClose = true
		c.mu.Unlock()
		return nil
	}
	tx.retained[fileID] = &retainedFile{eng: eng, closeFn: closeFn, pendingClose: true}
	c.mu.Unlock()
	return nil
}

// ReopenFile returns the retained engine for fileID if owner's
// transaction closed it earlier without the transaction ending,
// clearing its pending-close flag so buffered references keep working.
func (c *Cache) ReopenFile(owner, fileID int32) (FileEngine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.byOwn[owner]
	if tx == nil {
		return nil, false
	}
	rf, ok := tx.retained[fileID]
	if !ok {
		return nil, false
	}
	rf.pendingClose = false
	return rf.eng, true
}

// Commit replays owner's buffered operations against their underlying
// engines, in the order they were recorded, under the engines' normal
// record/group locks, then retires the transaction, per spec.md §4.8.
// A retained file-var that's still pending close when commit runs is
// closed for real.
func (c *Cache) Commit(ctx context.Context, owner int32) error {
	tx, err := c.takeOwner(owner)
	if err != nil {
		return err
	}
	for _, op := range tx.ops {
		switch op.kind {
		case opWrite:
			if err := op.eng.Write(ctx, owner, op.id, op.data); err != nil {
				return err
			}
		case opDelete:
			if err := op.eng.Delete(ctx, owner, op.id); err != nil {
				return err
			}
		}
	}
	return closeRetained(ctx, tx)
}

// Rollback discards owner's buffered operations without touching any
// underlying engine, then retires the transaction, per spec.md §4.8.
// Locks held under the transaction id are implicitly released: this
// implementation never acquires real record/group locks until an
// operation replays at Commit, so discarding the buffer is sufficient
// (see DESIGN.md).
func (c *Cache) Rollback(ctx context.Context, owner int32) error {
	tx, err := c.takeOwner(owner)
	if err != nil {
		return err
	}
	return closeRetained(ctx, tx)
}

func (c *Cache) takeOwner(owner int32) (*txState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.byOwn[owner]
	if !ok {
		return nil, mvcore.NewError(mvcore.InvalidID, "no transaction in progress for owner")
	}
	delete(c.byOwn, owner)
	return tx, nil
}

func closeRetained(ctx context.Context, tx *txState) error {
	for _, rf := range tx.retained {
		if rf.pendingClose {
			if err := rf.closeFn(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
