package ak

import (
	"bytes"
	"context"
)

// Cursor implements spec.md §4.6's ordered scan: setleft/setright
// position at an edge, selectleft/selectright step one entry at a
// time, and a stale `ak_upd` re-searches for the last-known key before
// stepping (or, if that key is gone, proceeds from where it would sit).
type Cursor struct {
	t *Tree

	lastKey     []byte
	lastTarget  []byte
	haveLast    bool
	atLeftEdge  bool
	atRightEdge bool
	akUpd       uint64
	exhausted   bool
}

// NewCursor creates an unpositioned cursor over t.
func (t *Tree) NewCursor() *Cursor { return &Cursor{t: t} }

func (c *Cursor) currentAKUpd(ctx context.Context) uint64 {
	e, err := c.t.Region.FileEntry(ctx, c.t.FileID)
	if err != nil {
		return c.akUpd
	}
	return e.AKUpdate
}

// SetLeft positions the cursor before the leftmost entry of the index.
func (c *Cursor) SetLeft(ctx context.Context, owner int32) error {
	release, err := c.t.acquireRead(ctx, owner)
	if err != nil {
		return err
	}
	defer release()

	node := c.t.Header.Root
	for {
		v, err := c.t.readNode(node)
		if err != nil {
			return err
		}
		if in, ok := v.(*InternalNode); ok {
			node = in.Children[0].Node
			continue
		}
		break
	}
	c.haveLast = false
	c.atLeftEdge = true
	c.atRightEdge = false
	c.exhausted = false
	c.akUpd = c.currentAKUpd(ctx)
	return nil
}

// SetRight positions the cursor after the rightmost entry of the index.
func (c *Cursor) SetRight(ctx context.Context, owner int32) error {
	release, err := c.t.acquireRead(ctx, owner)
	if err != nil {
		return err
	}
	defer release()

	node := c.t.Header.Root
	for {
		v, err := c.t.readNode(node)
		if err != nil {
			return err
		}
		if in, ok := v.(*InternalNode); ok {
			node = in.Children[len(in.Children)-1].Node
			continue
		}
		break
	}
	c.haveLast = false
	c.atRightEdge = true
	c.atLeftEdge = false
	c.exhausted = false
	c.akUpd = c.currentAKUpd(ctx)
	return nil
}

// resync re-finds the cursor's remembered key after an interleaved AK
// write, per spec.md §4.6. It returns the terminal node/index of the
// last entry already returned, so the caller's next step lands on the
// following one. With no remembered key it repositions the cursor at
// its edge and returns ok=false.
func (c *Cursor) resync(ctx context.Context) (term *TerminalNode, idx int, ok bool, err error) {
	if c.haveLast {
		res, serr := c.t.search(c.lastKey)
		if serr != nil {
			return nil, 0, false, serr
		}
		if res.Found {
			// advance to the remembered pair or, if its targetID is gone,
			// to the last entry in this node with the remembered key.
			i := res.Index
			for i < len(res.Term.Entries) && c.t.Comparator(res.Term.Entries[i].Key, c.lastKey) == 0 {
				if bytes.Equal(res.Term.Entries[i].TargetID, c.lastTarget) {
					return res.Term, i, true, nil
				}
				i++
			}
			return res.Term, i - 1, true, nil
		}
		// the remembered key is gone: resume just before the insertion
		// point the search still gives us.
		return res.Term, res.Index - 1, true, nil
	}
	if c.atLeftEdge {
		if err := c.SetLeft(ctx, 0); err != nil {
			return nil, 0, false, err
		}
	} else if c.atRightEdge {
		if err := c.SetRight(ctx, 0); err != nil {
			return nil, 0, false, err
		}
	}
	return nil, 0, false, nil
}

// SelectRight advances one entry rightward and returns it, or ok=false
// once the scan runs off the right edge.
func (c *Cursor) SelectRight(ctx context.Context, owner int32) (key, targetID []byte, ok bool, err error) {
	if c.exhausted {
		return nil, nil, false, nil
	}
	release, err := c.t.acquireRead(ctx, owner)
	if err != nil {
		return nil, nil, false, err
	}
	defer release()

	stale := c.currentAKUpd(ctx) != c.akUpd
	var term *TerminalNode
	var idx int
	if stale && c.haveLast {
		term, idx, _, err = c.resync(ctx)
		if err != nil {
			return nil, nil, false, err
		}
		// resync lands ON the remembered pair (or the entry before
		// where it would sit); the step below moves past it. A stale
		// cursor at the left edge takes the fresh descent below.
	} else if c.atLeftEdge {
		node := c.t.Header.Root
		for {
			v, rerr := c.t.readNode(node)
			if rerr != nil {
				return nil, nil, false, rerr
			}
			if in, ok2 := v.(*InternalNode); ok2 {
				node = in.Children[0].Node
				continue
			}
			term = v.(*TerminalNode)
			break
		}
		idx = -1
	} else if c.haveLast {
		res, serr := c.t.search(c.lastKey)
		if serr != nil {
			return nil, nil, false, serr
		}
		term, idx = res.Term, res.Index
		if res.Found {
			for idx < len(term.Entries) && c.t.Comparator(term.Entries[idx].Key, c.lastKey) == 0 && !bytes.Equal(term.Entries[idx].TargetID, c.lastTarget) {
				idx++
			}
		}
	} else {
		c.exhausted = true
		return nil, nil, false, nil
	}

	idx++
	for {
		if term == nil {
			c.exhausted = true
			return nil, nil, false, nil
		}
		if idx < len(term.Entries) {
			break
		}
		if term.Right == 0 {
			c.exhausted = true
			c.atRightEdge = true
			c.haveLast = false
			return nil, nil, false, nil
		}
		next, terr := c.t.readTerminal(term.Right)
		if terr != nil {
			return nil, nil, false, terr
		}
		term, idx = next, 0
	}

	e := term.Entries[idx]
	c.lastKey, c.lastTarget = e.Key, e.TargetID
	c.haveLast = true
	c.atLeftEdge, c.atRightEdge = false, false
	c.akUpd = c.currentAKUpd(ctx)
	return e.Key, e.TargetID, true, nil
}

// SelectLeft advances one entry leftward and returns it, or ok=false
// once the scan runs off the left edge.
func (c *Cursor) SelectLeft(ctx context.Context, owner int32) (key, targetID []byte, ok bool, err error) {
	if c.exhausted {
		return nil, nil, false, nil
	}
	release, err := c.t.acquireRead(ctx, owner)
	if err != nil {
		return nil, nil, false, err
	}
	defer release()

	var term *TerminalNode
	var idx int
	switch {
	case c.atRightEdge:
		node := c.t.Header.Root
		for {
			v, rerr := c.t.readNode(node)
			if rerr != nil {
				return nil, nil, false, rerr
			}
			if in, ok2 := v.(*InternalNode); ok2 {
				node = in.Children[len(in.Children)-1].Node
				continue
			}
			term = v.(*TerminalNode)
			break
		}
		idx = len(term.Entries)
	case c.haveLast:
		res, serr := c.t.search(c.lastKey)
		if serr != nil {
			return nil, nil, false, serr
		}
		term, idx = res.Term, res.Index
		if res.Found {
			for idx < len(term.Entries) && c.t.Comparator(term.Entries[idx].Key, c.lastKey) == 0 && !bytes.Equal(term.Entries[idx].TargetID, c.lastTarget) {
				idx++
			}
		}
	default:
		c.exhausted = true
		return nil, nil, false, nil
	}

	idx--
	for {
		if term == nil {
			c.exhausted = true
			return nil, nil, false, nil
		}
		if idx >= 0 {
			break
		}
		if term.Left == 0 {
			c.exhausted = true
			c.atLeftEdge = true
			c.haveLast = false
			return nil, nil, false, nil
		}
		prev, terr := c.t.readTerminal(term.Left)
		if terr != nil {
			return nil, nil, false, terr
		}
		term = prev
		idx = len(term.Entries) - 1
	}

	e := term.Entries[idx]
	c.lastKey, c.lastTarget = e.Key, e.TargetID
	c.haveLast = true
	c.atLeftEdge, c.atRightEdge = false, false
	c.akUpd = c.currentAKUpd(ctx)
	return e.Key, e.TargetID, true, nil
}
