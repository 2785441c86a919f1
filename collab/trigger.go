// Package collab implements the external collaborator interfaces (C9):
// trigger dispatch, the directory-file fallback, and a net-file stub,
// per spec.md §4.9.
package collab

import "context"

// Action identifies the point in a record operation's lifecycle a
// Trigger is invoked at, per spec.md §4.9.
type Action int

const (
	PreWrite Action = iota
	PreDelete
	PostWrite
	PostDelete
	PreClear
	PostClear
	OnRead
)

// Verdict is a Trigger's return: Permit lets the core continue the
// operation, Veto aborts it. Non-zero return codes in the source map
// to Veto; zero maps to Permit.
type Verdict int

const (
	Permit Verdict = 0
	Veto   Verdict = 1
)

// Trigger is the host-supplied hook a file may name a subroutine for.
// Per REDESIGN FLAGS §9 ("trigger dispatch as a recursive re-entry
// into the interpreter"), this is a single method the core calls out
// to — it never re-enters its own record operations from inside a
// trigger callback.
type Trigger interface {
	// OnEvent is called for action on id (data is the record payload;
	// empty for delete/read events), errFlag reporting whether the
	// operation already failed by the time of a post-event call. A
	// Veto on a pre-event aborts the operation before it touches disk.
	OnEvent(ctx context.Context, action Action, id, data []byte, errFlag bool) (Verdict, error)
}

// NopTrigger permits every event, for files that name no subroutine.
type NopTrigger struct{}

func (NopTrigger) OnEvent(ctx context.Context, action Action, id, data []byte, errFlag bool) (Verdict, error) {
	return Permit, nil
}
