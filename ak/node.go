// Package ak implements the AK (alternate key) index engine (C6): an
// ordered, duplicate-allowed B+tree per index, with fixed 4 KiB nodes
// persisted through an AK subfile, per spec.md §4.6.
package ak

import (
	"encoding/binary"

	"github.com/dhstore/mvcore"
)

// NodeSize is the fixed on-disk size of every AK node, per
// dh_fmt.h's DH_AK_NODE_SIZE.
const NodeSize = 4096

// NodeType tags which variant a node buffer holds, per dh_fmt.h's
// AK_FREE_NODE/AK_INT_NODE/AK_TERM_NODE/AK_ITYPE_NODE/AK_BIGREC_NODE.
type NodeType byte

const (
	FreeNode   NodeType = 0
	IntNode    NodeType = 1
	TermNode   NodeType = 2
	ItypeNode  NodeType = 3
	BigRecNode NodeType = 4
)

const nodeCommonHeaderSize = 2 + 1 + 1 // usedBytes, nodeType, spare/child_count reuse

// Child is one (pointer, maxKey) pair of an internal node.
type Child struct {
	Node   int32
	MaxKey []byte
}

// InternalNode mirrors DH_INT_NODE: a linear list of child node numbers
// each paired with the maximum key in its subtree.
type InternalNode struct {
	Children []Child
}

// entry is one key/target-id pair stored in a terminal node, packed as
// total size (2 bytes), key length (1 byte), target-id length (2
// bytes), key bytes, target-id bytes. This is its own packing, not
// dh.Record's: it has no flag byte and a 2-byte rather than 4-byte
// length for the second field.
type entry struct {
	Key      []byte
	TargetID []byte
}

func (e entry) encodedSize() int { return 2 + 1 + 2 + len(e.Key) + len(e.TargetID) }

func (e entry) encode() []byte {
	size := e.encodedSize()
	out := make([]byte, size)
	binary.LittleEndian.PutUint16(out[0:], uint16(size))
	out[2] = byte(len(e.Key))
	binary.LittleEndian.PutUint16(out[3:], uint16(len(e.TargetID)))
	copy(out[5:], e.Key)
	copy(out[5+len(e.Key):], e.TargetID)
	return out
}

func decodeEntryAt(buf []byte, off int) (entry, int, error) {
	if off+5 > len(buf) {
		return entry{}, 0, mvcore.NewError(mvcore.Corrupt, "ak entry header truncated")
	}
	size := int(binary.LittleEndian.Uint16(buf[off:]))
	keyLen := int(buf[off+2])
	targetLen := int(binary.LittleEndian.Uint16(buf[off+3:]))
	if off+size > len(buf) {
		return entry{}, 0, mvcore.NewError(mvcore.Corrupt, "ak entry body truncated")
	}
	keyStart := off + 5
	key := append([]byte(nil), buf[keyStart:keyStart+keyLen]...)
	targetStart := keyStart + keyLen
	target := append([]byte(nil), buf[targetStart:targetStart+targetLen]...)
	return entry{Key: key, TargetID: target}, size, nil
}

// TerminalNode mirrors DH_TERM_NODE: sibling links plus a packed,
// linearly-scanned list of key/target-id entries.
type TerminalNode struct {
	Left, Right int32
	Entries     []entry
}

func (t *TerminalNode) usedBytes() int {
	used := nodeCommonHeaderSize + 4 + 4
	for _, e := range t.Entries {
		used += e.encodedSize()
	}
	return used
}

func (t *TerminalNode) freeBytes() int { return NodeSize - t.usedBytes() }

// encodeNode serialises n (an *InternalNode or *TerminalNode) into a
// fixed NodeSize buffer.
func encodeNode(n interface{}) []byte {
	buf := make([]byte, NodeSize)
	switch v := n.(type) {
	case *InternalNode:
		buf[2] = byte(IntNode)
		buf[3] = byte(len(v.Children))
		off := nodeCommonHeaderSize
		childPtrOff := off
		off += 4 * len(v.Children)
		keyLenOff := off
		off += len(v.Children)
		keysOff := off
		for i, c := range v.Children {
			binary.LittleEndian.PutUint32(buf[childPtrOff+4*i:], uint32(c.Node))
			buf[keyLenOff+i] = byte(len(c.MaxKey))
			copy(buf[keysOff:], c.MaxKey)
			keysOff += len(c.MaxKey)
		}
		binary.LittleEndian.PutUint16(buf[0:], uint16(keysOff))
	case *TerminalNode:
		buf[2] = byte(TermNode)
		binary.LittleEndian.PutUint32(buf[4:], uint32(v.Left))
		binary.LittleEndian.PutUint32(buf[8:], uint32(v.Right))
		off := nodeCommonHeaderSize + 8
		for _, e := range v.Entries {
			enc := e.encode()
			copy(buf[off:], enc)
			off += len(enc)
		}
		binary.LittleEndian.PutUint16(buf[0:], uint16(off))
	}
	return buf
}

// decodeNodeType peeks at a node buffer's type tag without fully
// decoding it.
func decodeNodeType(buf []byte) NodeType {
	return NodeType(buf[2])
}

func decodeInternalNode(buf []byte) (*InternalNode, error) {
	used := int(binary.LittleEndian.Uint16(buf[0:]))
	count := int(buf[3])
	n := &InternalNode{}
	off := nodeCommonHeaderSize
	childPtrOff := off
	off += 4 * count
	keyLenOff := off
	off += count
	keysOff := off
	for i := 0; i < count; i++ {
		node := int32(binary.LittleEndian.Uint32(buf[childPtrOff+4*i:]))
		klen := int(buf[keyLenOff+i])
		if keysOff+klen > used || keysOff+klen > len(buf) {
			return nil, mvcore.NewError(mvcore.Corrupt, "ak internal node key truncated")
		}
		key := append([]byte(nil), buf[keysOff:keysOff+klen]...)
		keysOff += klen
		n.Children = append(n.Children, Child{Node: node, MaxKey: key})
	}
	return n, nil
}

func decodeTerminalNode(buf []byte) (*TerminalNode, error) {
	used := int(binary.LittleEndian.Uint16(buf[0:]))
	t := &TerminalNode{
		Left:  int32(binary.LittleEndian.Uint32(buf[4:])),
		Right: int32(binary.LittleEndian.Uint32(buf[8:])),
	}
	off := nodeCommonHeaderSize + 8
	for off < used {
		e, sz, err := decodeEntryAt(buf, off)
		if err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, e)
		off += sz
	}
	return t, nil
}
