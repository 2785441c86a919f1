package ak

import (
	"context"
	"fmt"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/control"
	"github.com/dhstore/mvcore/locks"
	"github.com/dhstore/mvcore/subfile"
)

// Tree is one AK (alternate key) index: an ordered, duplicate-allowed
// B+tree persisted through a dedicated subfile, per spec.md §4.6.
type Tree struct {
	AKNo       int32
	FileID     int32
	Store      *subfile.Store
	Region     *control.Region
	Header     *Header
	Comparator Comparator
	Itype      *ItypeExpr // nil for a plain field index
}

// Open attaches to (or initializes) an AK subfile. fieldName names the
// bare record field this index projects; itypeExpr, if non-empty,
// overrides it with a computed CEL expression.
func Open(region *control.Region, cache *subfile.FDCache, fileID, akNo int32, path string, rightJustified, caseInsensitive bool, fieldName, itypeExpr string) (*Tree, error) {
	store, err := subfile.Open(cache, path, NodeSize, NodeSize)
	if err != nil {
		return nil, err
	}
	size, err := store.Size()
	if err != nil {
		return nil, err
	}

	t := &Tree{AKNo: akNo, FileID: fileID, Store: store, Region: region}
	if size == 0 {
		t.Header = &Header{
			Magic: MagicIndex, Root: 1, NextNode: 2,
			RightJustified: rightJustified, CaseInsensitive: caseInsensitive,
			FieldName: fieldName, ItypeExpr: itypeExpr,
		}
		if err := t.flushHeader(); err != nil {
			return nil, err
		}
		root := &TerminalNode{}
		if err := t.writeNode(1, root); err != nil {
			return nil, err
		}
	} else {
		buf := make([]byte, NodeSize)
		if _, err := store.ReadAt(buf, 0); err != nil {
			return nil, err
		}
		h, err := DecodeHeader(buf)
		if err != nil {
			return nil, err
		}
		t.Header = h
	}
	t.Comparator = NewComparator(t.Header.RightJustified, t.Header.CaseInsensitive)
	if t.Header.ItypeExpr != "" {
		expr, err := CompileItype(t.Header.ItypeExpr)
		if err != nil {
			return nil, err
		}
		t.Itype = expr
	}
	return t, nil
}

// KeyFor derives the indexed key bytes for one record: the projected
// field's value for a bare index, or the compiled i-type expression's
// result for a computed one.
func (t *Tree) KeyFor(id []byte, record map[string]any) ([]byte, error) {
	if t.Itype != nil {
		return t.Itype.Eval(string(id), record)
	}
	v, ok := record[t.Header.FieldName]
	if !ok {
		return nil, nil
	}
	switch s := v.(type) {
	case []byte:
		return s, nil
	case string:
		return []byte(s), nil
	default:
		return []byte(fmt.Sprintf("%v", s)), nil
	}
}

// flushHeader writes the header to the subfile. Unlike dh.Engine, whose
// groups are sharded by id hash and so need a distinct pseudo-group-0
// lock to guard header counters independently of any one data group,
// an AK's single write lock (AKGroupLock(t.AKNo), taken by acquireWrite
// for the whole of Insert/Delete) already covers the entire tree
// including its header. flushHeader is only ever called by callers that
// already hold that lock, so it does not acquire anything itself.
func (t *Tree) flushHeader() error {
	_, err := t.Store.WriteAt(t.Header.Encode(), 0)
	return err
}

func (t *Tree) readNode(n int32) (interface{}, error) {
	buf, err := t.Store.ReadGroup(n)
	if err != nil {
		return nil, err
	}
	switch decodeNodeType(buf) {
	case IntNode:
		return decodeInternalNode(buf)
	case TermNode:
		return decodeTerminalNode(buf)
	default:
		return nil, mvcore.NewError(mvcore.Corrupt, "unexpected ak node type")
	}
}

func (t *Tree) readTerminal(n int32) (*TerminalNode, error) {
	v, err := t.readNode(n)
	if err != nil {
		return nil, err
	}
	term, ok := v.(*TerminalNode)
	if !ok {
		return nil, mvcore.NewError(mvcore.Corrupt, "expected ak terminal node")
	}
	return term, nil
}

func (t *Tree) readInternal(n int32) (*InternalNode, error) {
	v, err := t.readNode(n)
	if err != nil {
		return nil, err
	}
	in, ok := v.(*InternalNode)
	if !ok {
		return nil, mvcore.NewError(mvcore.Corrupt, "expected ak internal node")
	}
	return in, nil
}

func (t *Tree) writeNode(n int32, v interface{}) error {
	return t.Store.WriteGroup(n, encodeNode(v))
}

// allocNode pops a node number off the free list, or extends the
// subfile by one node if the free list is empty.
func (t *Tree) allocNode() (int32, error) {
	if t.Header.FreeChain != 0 {
		n := t.Header.FreeChain
		buf, err := t.Store.ReadGroup(n)
		if err != nil {
			return 0, err
		}
		t.Header.FreeChain = int32(leUint32(buf[4:]))
		return n, nil
	}
	n := t.Header.NextNode
	t.Header.NextNode++
	return n, nil
}

// freeNode pushes n onto the free list.
func (t *Tree) freeNode(n int32) error {
	buf := make([]byte, NodeSize)
	buf[2] = byte(FreeNode)
	putLeUint32(buf[4:], uint32(t.Header.FreeChain))
	if err := t.Store.WriteGroup(n, buf); err != nil {
		return err
	}
	t.Header.FreeChain = n
	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// pathEntry remembers one internal node visited during a descent, and
// which child index was followed, for update_internal_node to rewrite
// on the way back up.
type pathEntry struct {
	Node       int32
	ChildIndex int
}

// searchResult is the outcome of descending to a terminal node.
type searchResult struct {
	Path      []pathEntry
	TermNode  int32
	Term      *TerminalNode
	Index     int // insertion point, or match index when Found
	Found     bool
	RightEdge bool // walked past the rightmost record of the rightmost terminal
	LeftEdge  bool // walked before the leftmost record of the leftmost terminal
}

// search implements spec.md §4.6's Search: descend from the root,
// linearly scanning child max-keys, to the terminal node that should
// hold key.
func (t *Tree) search(key []byte) (*searchResult, error) {
	var path []pathEntry
	node := t.Header.Root
	for {
		v, err := t.readNode(node)
		if err != nil {
			return nil, err
		}
		in, ok := v.(*InternalNode)
		if !ok {
			term := v.(*TerminalNode)
			return t.searchTerminal(path, node, term, key), nil
		}
		idx := len(in.Children) - 1
		for i, c := range in.Children {
			if t.Comparator(c.MaxKey, key) >= 0 {
				idx = i
				break
			}
		}
		path = append(path, pathEntry{Node: node, ChildIndex: idx})
		node = in.Children[idx].Node
	}
}

func (t *Tree) searchTerminal(path []pathEntry, termNode int32, term *TerminalNode, key []byte) *searchResult {
	for i, e := range term.Entries {
		c := t.Comparator(e.Key, key)
		if c == 0 {
			return &searchResult{Path: path, TermNode: termNode, Term: term, Index: i, Found: true}
		}
		if c > 0 {
			return &searchResult{Path: path, TermNode: termNode, Term: term, Index: i, LeftEdge: i == 0 && term.Left == 0}
		}
	}
	return &searchResult{Path: path, TermNode: termNode, Term: term, Index: len(term.Entries), RightEdge: true}
}

func (t *Tree) acquireRead(ctx context.Context, owner int32) (func(), error) {
	g := locks.AKGroupLock(t.AKNo)
	if err := t.Region.GroupLocks.AcquireRead(ctx, t.FileID, g, owner, false); err != nil {
		return nil, err
	}
	return func() { t.Region.GroupLocks.Release(ctx, t.FileID, g) }, nil
}

func (t *Tree) acquireWrite(ctx context.Context, owner int32) (func(), error) {
	g := locks.AKGroupLock(t.AKNo)
	if err := t.Region.GroupLocks.AcquireWrite(ctx, t.FileID, g, owner, false); err != nil {
		return nil, err
	}
	return func() { t.Region.GroupLocks.Release(ctx, t.FileID, g) }, nil
}

func (t *Tree) acquireKeyWrite(ctx context.Context, owner int32, key []byte) (func(), error) {
	g := locks.AKRecordLock(t.AKNo, key)
	if err := t.Region.GroupLocks.AcquireWrite(ctx, t.FileID, g, owner, false); err != nil {
		return nil, err
	}
	return func() { t.Region.GroupLocks.Release(ctx, t.FileID, g) }, nil
}

// Lookup returns every target record id stored under key, per spec.md
// §4.6's duplicate-allowed ordering: equal keys occupy consecutive
// terminal entries, so once positioned we scan forward while the key
// still compares equal.
func (t *Tree) Lookup(ctx context.Context, owner int32, key []byte) ([][]byte, error) {
	release, err := t.acquireRead(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := t.search(key)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, nil
	}
	var out [][]byte
	term, idx := res.Term, res.Index
	for {
		if idx >= len(term.Entries) || t.Comparator(term.Entries[idx].Key, key) != 0 {
			if term.Right == 0 {
				break
			}
			next, err := t.readTerminal(term.Right)
			if err != nil {
				return nil, err
			}
			term, idx = next, 0
			if len(term.Entries) == 0 || t.Comparator(term.Entries[0].Key, key) != 0 {
				break
			}
			continue
		}
		out = append(out, term.Entries[idx].TargetID)
		idx++
	}
	return out, nil
}
