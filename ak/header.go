package ak

import (
	"encoding/binary"

	"github.com/dhstore/mvcore"
)

// MagicIndex tags an AK subfile's header block, per dh_fmt.h's
// DH_AK_HEADER magic (0x209C).
const MagicIndex uint16 = 0x209C

// Header is an AK subfile's header: the root node number, the free-node
// list, the node allocation high-water mark, the index's comparator
// flags, and (for a computed index) the i-type expression source.
type Header struct {
	Magic           uint16
	Root            int32
	FreeChain       int32
	NextNode        int32
	RightJustified  bool
	CaseInsensitive bool
	// FieldName names the record field projected as the key for a bare
	// (non-computed) index; unused when ItypeExpr is set.
	FieldName   string
	ItypeExpr   string
	RecordCount int64
}

func (h *Header) Encode() []byte {
	buf := make([]byte, NodeSize)
	binary.LittleEndian.PutUint16(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[2:], uint32(h.Root))
	binary.LittleEndian.PutUint32(buf[6:], uint32(h.FreeChain))
	binary.LittleEndian.PutUint32(buf[10:], uint32(h.NextNode))
	if h.RightJustified {
		buf[14] = 1
	}
	if h.CaseInsensitive {
		buf[15] = 1
	}
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.RecordCount))
	expr := []byte(h.ItypeExpr)
	binary.LittleEndian.PutUint16(buf[24:], uint16(len(expr)))
	copy(buf[26:], expr)
	off := 26 + len(expr)
	field := []byte(h.FieldName)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(field)))
	copy(buf[off+2:], field)
	return buf
}

func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < 26 {
		return nil, mvcore.NewError(mvcore.Corrupt, "ak header truncated")
	}
	magic := binary.LittleEndian.Uint16(buf[0:])
	if magic != MagicIndex {
		return nil, mvcore.NewError(mvcore.Corrupt, "bad ak header magic")
	}
	h := &Header{
		Magic:           magic,
		Root:            int32(binary.LittleEndian.Uint32(buf[2:])),
		FreeChain:       int32(binary.LittleEndian.Uint32(buf[6:])),
		NextNode:        int32(binary.LittleEndian.Uint32(buf[10:])),
		RightJustified:  buf[14] != 0,
		CaseInsensitive: buf[15] != 0,
		RecordCount:     int64(binary.LittleEndian.Uint64(buf[16:])),
	}
	exprLen := int(binary.LittleEndian.Uint16(buf[24:]))
	if 26+exprLen+2 > len(buf) {
		return nil, mvcore.NewError(mvcore.Corrupt, "ak header itype expression truncated")
	}
	h.ItypeExpr = string(buf[26 : 26+exprLen])
	off := 26 + exprLen
	fieldLen := int(binary.LittleEndian.Uint16(buf[off:]))
	if off+2+fieldLen > len(buf) {
		return nil, mvcore.NewError(mvcore.Corrupt, "ak header field name truncated")
	}
	h.FieldName = string(buf[off+2 : off+2+fieldLen])
	return h, nil
}
