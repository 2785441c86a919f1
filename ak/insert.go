package ak

import (
	"bytes"
	"context"

	"github.com/dhstore/mvcore"
)

const maxInternalChildren = 200 // dh_fmt.h's DH_INT_NODE MAX_CHILD

func internalNodeSize(children []Child) int {
	size := nodeCommonHeaderSize
	for _, c := range children {
		size += 4 + 1 + len(c.MaxKey)
	}
	return size
}

func internalNodeFits(children []Child) bool {
	return len(children) <= maxInternalChildren && internalNodeSize(children) <= NodeSize
}

// packInternalChildren greedily distributes children across the fewest
// internal nodes that each fit NodeSize and MAX_CHILD, per spec.md
// §4.6's "split the internal node at its midpoint" generalised to an
// arbitrary overflow (the retrieved source only documents the 2-way
// midpoint case; packing handles the rare wider overflow the same way
// the terminal-node split already handles a 3-way spill).
func packInternalChildren(children []Child) [][]Child {
	var groups [][]Child
	var cur []Child
	size := nodeCommonHeaderSize
	for _, c := range children {
		add := 4 + 1 + len(c.MaxKey)
		if len(cur) > 0 && (size+add > NodeSize || len(cur) >= maxInternalChildren) {
			groups = append(groups, cur)
			cur = nil
			size = nodeCommonHeaderSize
		}
		cur = append(cur, c)
		size += add
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func terminalNodeSize(entries []entry) int {
	size := nodeCommonHeaderSize + 8
	for _, e := range entries {
		size += e.encodedSize()
	}
	return size
}

func terminalNodeFits(entries []entry) bool {
	return terminalNodeSize(entries) <= NodeSize
}

// packTerminalEntries greedily distributes entries across the fewest
// terminal nodes that each fit NodeSize, per spec.md §4.6's split:
// "allocate two fresh terminal nodes; a third if ... cannot be
// partitioned into two".
func packTerminalEntries(entries []entry) [][]entry {
	var groups [][]entry
	var cur []entry
	size := nodeCommonHeaderSize + 8
	for _, e := range entries {
		add := e.encodedSize()
		if len(cur) > 0 && size+add > NodeSize {
			groups = append(groups, cur)
			cur = nil
			size = nodeCommonHeaderSize + 8
		}
		cur = append(cur, e)
		size += add
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// updateInternalNode replaces the child at path's top entry with
// newChildren (1 when only a max-key changed or a collapse promotes a
// lone grandchild, 2 or more on a split), recursing upward as needed and
// promoting a fresh root when the root itself must split or collapses
// away, per spec.md §4.6.
func (t *Tree) updateInternalNode(ctx context.Context, owner int32, path []pathEntry, newChildren []Child) error {
	if len(path) == 0 {
		if len(newChildren) == 1 {
			t.Header.Root = newChildren[0].Node
			return t.flushHeader()
		}
		newRoot, err := t.allocNode()
		if err != nil {
			return err
		}
		if err := t.writeNode(newRoot, &InternalNode{Children: newChildren}); err != nil {
			return err
		}
		t.Header.Root = newRoot
		return t.flushHeader()
	}

	top := path[len(path)-1]
	parent, err := t.readInternal(top.Node)
	if err != nil {
		return err
	}
	wasLast := top.ChildIndex == len(parent.Children)-1

	children := make([]Child, 0, len(parent.Children)+len(newChildren))
	children = append(children, parent.Children[:top.ChildIndex]...)
	children = append(children, newChildren...)
	children = append(children, parent.Children[top.ChildIndex+1:]...)

	if len(children) == 0 {
		return mvcore.NewError(mvcore.Corrupt, "ak internal node emptied")
	}
	if len(children) == 1 {
		if err := t.freeNode(top.Node); err != nil {
			return err
		}
		return t.updateInternalNode(ctx, owner, path[:len(path)-1], children)
	}
	if internalNodeFits(children) {
		if err := t.writeNode(top.Node, &InternalNode{Children: children}); err != nil {
			return err
		}
		if wasLast && len(path) > 1 {
			return t.updateInternalNode(ctx, owner, path[:len(path)-1],
				[]Child{{Node: top.Node, MaxKey: children[len(children)-1].MaxKey}})
		}
		return nil
	}

	groups := packInternalChildren(children)
	promoted := make([]Child, 0, len(groups))
	for i, g := range groups {
		nodeNum := top.Node
		if i > 0 {
			nodeNum, err = t.allocNode()
			if err != nil {
				return err
			}
		}
		if err := t.writeNode(nodeNum, &InternalNode{Children: g}); err != nil {
			return err
		}
		promoted = append(promoted, Child{Node: nodeNum, MaxKey: g[len(g)-1].MaxKey})
	}
	return t.updateInternalNode(ctx, owner, path[:len(path)-1], promoted)
}

// Insert adds (key, targetID) to the index, per spec.md §4.6. A
// duplicate (key, targetID) pair already present is replaced in place;
// distinct records sharing a key occupy consecutive terminal entries,
// ordered by targetID.
func (t *Tree) Insert(ctx context.Context, owner int32, key, targetID []byte) error {
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

	entries := append([]entry(nil), res.Term.Entries...)
	at := res.Index
	for at < len(entries) && t.Comparator(entries[at].Key, key) == 0 && bytes.Compare(entries[at].TargetID, targetID) < 0 {
		at++
	}
	replacing := at < len(entries) && t.Comparator(entries[at].Key, key) == 0 && bytes.Equal(entries[at].TargetID, targetID)
	if replacing {
		entries[at] = entry{Key: key, TargetID: targetID}
	} else {
		entries = append(entries, entry{})
		copy(entries[at+1:], entries[at:])
		entries[at] = entry{Key: key, TargetID: targetID}
	}

	if terminalNodeFits(entries) {
		node := &TerminalNode{Left: res.Term.Left, Right: res.Term.Right, Entries: entries}
		if err := t.writeNode(res.TermNode, node); err != nil {
			return err
		}
		if !replacing {
			t.Header.RecordCount++
		}
		rightmostChanged := len(res.Path) > 0 && (len(res.Term.Entries) == 0 ||
			!bytes.Equal(entries[len(entries)-1].Key, res.Term.Entries[len(res.Term.Entries)-1].Key))
		if rightmostChanged {
			if err := t.propagateMaxKeyOnly(ctx, owner, res.Path, entries[len(entries)-1].Key); err != nil {
				return err
			}
		}
		if err := t.flushHeader(); err != nil {
			return err
		}
		return t.Region.BumpAKUpdate(ctx, t.FileID)
	}

	return t.splitTerminal(ctx, owner, res, entries, !replacing)
}

// propagateMaxKeyOnly updates ancestors' stored max-key for the child
// that led to termNode, stopping as soon as a level's own max-key is
// unaffected (i.e. the child updated was not that level's last child).
func (t *Tree) propagateMaxKeyOnly(ctx context.Context, owner int32, path []pathEntry, newKey []byte) error {
	for i := len(path) - 1; i >= 0; i-- {
		pe := path[i]
		parent, err := t.readInternal(pe.Node)
		if err != nil {
			return err
		}
		parent.Children[pe.ChildIndex].MaxKey = newKey
		if err := t.writeNode(pe.Node, parent); err != nil {
			return err
		}
		if pe.ChildIndex != len(parent.Children)-1 {
			return nil
		}
		newKey = parent.Children[len(parent.Children)-1].MaxKey
	}
	return nil
}

// splitTerminal carries out spec.md §4.6's terminal-node split: packing
// entries into fresh nodes, rewiring sibling links, and walking the
// path stack upward via updateInternalNode.
func (t *Tree) splitTerminal(ctx context.Context, owner int32, res *searchResult, entries []entry, isNew bool) error {
	groups := packTerminalEntries(entries)
	nodeNums := make([]int32, len(groups))
	for i := range groups {
		if i == 0 {
			nodeNums[i] = res.TermNode
			continue
		}
		n, err := t.allocNode()
		if err != nil {
			return err
		}
		nodeNums[i] = n
	}

	leftSibling, rightSibling := res.Term.Left, res.Term.Right
	for i, g := range groups {
		tn := &TerminalNode{Entries: g}
		if i == 0 {
			tn.Left = leftSibling
		} else {
			tn.Left = nodeNums[i-1]
		}
		if i == len(groups)-1 {
			tn.Right = rightSibling
		} else {
			tn.Right = nodeNums[i+1]
		}
		if err := t.writeNode(nodeNums[i], tn); err != nil {
			return err
		}
	}
	if leftSibling != 0 {
		left, err := t.readTerminal(leftSibling)
		if err != nil {
			return err
		}
		left.Right = nodeNums[0]
		if err := t.writeNode(leftSibling, left); err != nil {
			return err
		}
	}
	if rightSibling != 0 {
		right, err := t.readTerminal(rightSibling)
		if err != nil {
			return err
		}
		right.Left = nodeNums[len(nodeNums)-1]
		if err := t.writeNode(rightSibling, right); err != nil {
			return err
		}
	}

	newChildren := make([]Child, len(groups))
	for i, g := range groups {
		newChildren[i] = Child{Node: nodeNums[i], MaxKey: g[len(g)-1].Key}
	}
	if isNew {
		t.Header.RecordCount++
	}
	if err := t.updateInternalNode(ctx, owner, res.Path, newChildren); err != nil {
		return err
	}
	if err := t.flushHeader(); err != nil {
		return err
	}
	return t.Region.BumpAKUpdate(ctx, t.FileID)
}
