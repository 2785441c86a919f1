package ak

import (
	"bytes"
	"context"

	"github.com/dhstore/mvcore"
)

// Delete removes the (key, targetID) entry from the index, per spec.md
// §4.6.
func (t *Tree) Delete(ctx context.Context, owner int32, key, targetID []byte) error {
	releaseGroup, err := t.acquireWrite(ctx, owner)
	if err != nil {
		return err
	}
	defer releaseGroup()
	releaseKey, err := t.acquireKeyWrite(ctx, owner, key)
	if err != nil {
		return err
	}
	defer releaseKey()

	res, err := t.search(key)
	if err != nil {
		return err
	}

	entries := res.Term.Entries
	pos := -1
	for i := res.Index; i < len(entries) && t.Comparator(entries[i].Key, key) == 0; i++ {
		if bytes.Equal(entries[i].TargetID, targetID) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return mvcore.NewError(mvcore.NotFound, key)
	}

	wasRightmost := pos == len(entries)-1
	remaining := make([]entry, 0, len(entries)-1)
	remaining = append(remaining, entries[:pos]...)
	remaining = append(remaining, entries[pos+1:]...)

	isRoot := len(res.Path) == 0
	if wasRightmost && !isRoot && len(remaining) == 0 {
		if err := t.unlinkTerminal(res.TermNode, res.Term); err != nil {
			return err
		}
		if err := t.freeNode(res.TermNode); err != nil {
			return err
		}
		if err := t.updateInternalNode(ctx, owner, res.Path, nil); err != nil {
			return err
		}
	} else {
		node := &TerminalNode{Left: res.Term.Left, Right: res.Term.Right, Entries: remaining}
		if err := t.writeNode(res.TermNode, node); err != nil {
			return err
		}
		if wasRightmost && len(remaining) > 0 && len(res.Path) > 0 {
			if err := t.propagateMaxKeyOnly(ctx, owner, res.Path, remaining[len(remaining)-1].Key); err != nil {
				return err
			}
		}
	}

	t.Header.RecordCount--
	if err := t.flushHeader(); err != nil {
		return err
	}
	return t.Region.BumpAKUpdate(ctx, t.FileID)
}

// unlinkTerminal removes node's sibling pointers from its left and
// right neighbours before it is freed.
func (t *Tree) unlinkTerminal(node int32, term *TerminalNode) error {
	if term.Left != 0 {
		left, err := t.readTerminal(term.Left)
		if err != nil {
			return err
		}
		left.Right = term.Right
		if err := t.writeNode(term.Left, left); err != nil {
			return err
		}
	}
	if term.Right != 0 {
		right, err := t.readTerminal(term.Right)
		if err != nil {
			return err
		}
		right.Left = term.Left
		if err := t.writeNode(term.Right, right); err != nil {
			return err
		}
	}
	return nil
}
