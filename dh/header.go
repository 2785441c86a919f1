// Package dh implements the dynamic-hash primary file engine (C5):
// group addressing, the primary/overflow subfile pair, split/merge, and
// the big-record overflow chain, per spec.md §4.5.
package dh

import (
	"encoding/binary"

	"github.com/dhstore/mvcore"
)

// Magic values identify a subfile's role, per original_source's
// DH_HEADER.magic (DH_PRIMARY/DH_OVERFLOW).
const (
	MagicPrimary  uint16 = 0x209A
	MagicOverflow uint16 = 0x209B
)

// Header is the primary subfile's control block: modulus/mod_value
// hashing state, split/merge thresholds, the load byte counter, and the
// free-overflow-block chain head. One Header is shared conceptually
// between the primary and overflow subfiles; only the primary's copy is
// authoritative and is written under the pseudo-group-0 write lock
// (spec.md §4.5 "Consistency").
type Header struct {
	Magic        uint16
	GroupSize    int64 // bytes per group, primary and overflow share this stride
	Modulus      int32 // current modulus: number of primary groups in use
	MinModulus   int32
	BigRecSize   int64 // payload size at/above which a record becomes a big-record chain
	SplitLoadPct int16
	MergeLoadPct int16
	ModValue     int32 // "imaginary file size" used for hashing, see groupFor
	LongestID    int16
	FreeChain    int64 // head of the free overflow block list, 0 = empty

	// LoadBytes is a 48-bit counter (Open Question 3, see DESIGN.md):
	// stored here as the full 64-bit value, masked to 48 bits on every
	// update via BumpLoadBytes. A file large enough to wrap it would
	// itself be implausible at this GroupSize scale, so the wrap is left
	// as a silent mod-2^48 rollover rather than recomputed from block
	// usage; Load()'s percentage is approximate in that regime.
	LoadBytes   uint64
	RecordCount int64

	// splitGroup is the next group scheduled to split (classic linear
	// hashing's split pointer). The retrieved original source did not
	// include the split/merge implementation, so this field and the
	// round-robin scheme driving it are this engine's own, documented
	// completion of spec.md §4.5's prose description (see DESIGN.md).
	// It is derived, not persisted: a restart conservatively resets it
	// to 1, costing a few extra no-op rehash passes, never correctness.
	splitGroup int32
}

const loadBytesMask = (uint64(1) << 48) - 1

// BumpLoadBytes adds delta (may be negative, encoded by the caller
// pre-adjusting) to the load byte counter, masking to 48 bits. A wrap
// past 2^48 is silent: no caller checks for it.
func (h *Header) BumpLoadBytes(delta int64) {
	h.LoadBytes = uint64(int64(h.LoadBytes)+delta) & loadBytesMask
}

// Load returns the percentage fill of the primary file: load_bytes as a
// fraction of group_size * mod_value, per dh_fmt.h's DHLoad macro.
func (h *Header) Load() int {
	denom := h.GroupSize * int64(h.ModValue)
	if denom == 0 {
		return 0
	}
	return int((h.LoadBytes * 100) / uint64(denom))
}

const headerEncodedSize = 2 + 8 + 4 + 4 + 8 + 2 + 2 + 4 + 2 + 8 + 8 + 8

// Encode writes the header into a GroupSize-length buffer (the rest
// zero-padded), mirroring DH_HEADER occupying the first bytes of the
// subfile's header block.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.GroupSize)
	if int64(len(buf)) < headerEncodedSize {
		buf = make([]byte, headerEncodedSize)
	}
	o := 0
	putU16(buf, &o, h.Magic)
	putI64(buf, &o, h.GroupSize)
	putI32(buf, &o, h.Modulus)
	putI32(buf, &o, h.MinModulus)
	putI64(buf, &o, h.BigRecSize)
	putI16(buf, &o, h.SplitLoadPct)
	putI16(buf, &o, h.MergeLoadPct)
	putI32(buf, &o, h.ModValue)
	putI16(buf, &o, h.LongestID)
	putI64(buf, &o, h.FreeChain)
	putU64(buf, &o, h.LoadBytes)
	putI64(buf, &o, h.RecordCount)
	return buf
}

// DecodeHeader parses a header block previously produced by Encode.
func DecodeHeader(buf []byte) (*Header, error) {
	if int64(len(buf)) < headerEncodedSize {
		return nil, mvcore.NewError(mvcore.Corrupt, "dh header block too short")
	}
	h := &Header{}
	o := 0
	h.Magic = getU16(buf, &o)
	h.GroupSize = getI64(buf, &o)
	h.Modulus = getI32(buf, &o)
	h.MinModulus = getI32(buf, &o)
	h.BigRecSize = getI64(buf, &o)
	h.SplitLoadPct = getI16(buf, &o)
	h.MergeLoadPct = getI16(buf, &o)
	h.ModValue = getI32(buf, &o)
	h.LongestID = getI16(buf, &o)
	h.FreeChain = getI64(buf, &o)
	h.LoadBytes = getU64(buf, &o)
	h.RecordCount = getI64(buf, &o)
	if h.Magic != MagicPrimary && h.Magic != MagicOverflow {
		return nil, mvcore.NewError(mvcore.Corrupt, "dh header bad magic")
	}
	return h, nil
}

func putU16(b []byte, o *int, v uint16) { binary.LittleEndian.PutUint16(b[*o:], v); *o += 2 }
func putI16(b []byte, o *int, v int16)  { putU16(b, o, uint16(v)) }
func putI32(b []byte, o *int, v int32)  { binary.LittleEndian.PutUint32(b[*o:], uint32(v)); *o += 4 }
func putI64(b []byte, o *int, v int64)  { binary.LittleEndian.PutUint64(b[*o:], uint64(v)); *o += 8 }
func putU64(b []byte, o *int, v uint64) { binary.LittleEndian.PutUint64(b[*o:], v); *o += 8 }

func getU16(b []byte, o *int) uint16 { v := binary.LittleEndian.Uint16(b[*o:]); *o += 2; return v }
func getI16(b []byte, o *int) int16  { return int16(getU16(b, o)) }
func getI32(b []byte, o *int) int32 {
	v := binary.LittleEndian.Uint32(b[*o:])
	*o += 4
	return int32(v)
}
func getI64(b []byte, o *int) int64 {
	v := binary.LittleEndian.Uint64(b[*o:])
	*o += 8
	return int64(v)
}
func getU64(b []byte, o *int) uint64 {
	v := binary.LittleEndian.Uint64(b[*o:])
	*o += 8
	return v
}

// groupFor computes the target primary group for an id's hash, per
// spec.md §4.5: group = (hash mod mod_value) + 1, wrapped back into
// [1, modulus] if it exceeds the current modulus.
func groupFor(hash uint32, modValue, modulus int32) int32 {
	g := int32(hash%uint32(modValue)) + 1
	if g > modulus {
		g -= modulus
	}
	return g
}

// idHash is the record-id hash feeding groupFor. The spec leaves the
// exact hash algorithm to the implementation; FNV-1a is used for its
// even bit distribution over short byte strings.
func idHash(id []byte) uint32 {
	var h uint32 = 2166136261
	for _, b := range id {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}
