package dh

import (
	"encoding/binary"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/subfile"
)

// bigRecHeaderSize is the fixed prefix of a big-record overflow block:
// next chain pointer, used-byte count, block type, pad, and (first
// block only) the total record length, per dh_fmt.h's DH_BIG_BLOCK.
const bigRecHeaderSize = blockHeaderSize + 4

// writeBigRec writes payload as a chain of overflow blocks starting at a
// freshly allocated group, returning that group's number. alloc is
// called once per block needed.
func writeBigRec(store *subfile.Store, payload []byte, alloc func() (int32, error)) (int32, error) {
	blockSize := int(store.BlockSize)
	capacity := blockSize - bigRecHeaderSize

	var (
		head    int32
		prevBuf []byte
		prevGrp int32
	)

	remaining := payload
	first := true
	for {
		grp, err := alloc()
		if err != nil {
			return 0, err
		}
		if first {
			head = grp
		}

		n := len(remaining)
		if n > capacity {
			n = capacity
		}
		chunk := remaining[:n]
		remaining = remaining[n:]

		buf := make([]byte, blockSize)
		hdr := BlockHeader{Next: 0, UsedBytes: int32(bigRecHeaderSize + len(chunk)), BlockType: blockTypeBigRec}
		encodeBlockHeader(buf, hdr)
		if first {
			binary.LittleEndian.PutUint32(buf[blockHeaderSize:], uint32(len(payload)))
		}
		copy(buf[bigRecHeaderSize:], chunk)

		if err := store.WriteGroup(grp, buf); err != nil {
			return 0, err
		}
		if prevBuf != nil {
			h := decodeBlockHeader(prevBuf)
			h.Next = grp
			encodeBlockHeader(prevBuf, h)
			if err := store.WriteGroup(prevGrp, prevBuf); err != nil {
				return 0, err
			}
		}
		prevBuf, prevGrp = buf, grp
		first = false

		if len(remaining) == 0 {
			break
		}
	}
	return head, nil
}

// readBigRec follows the chain starting at head and reassembles the
// payload.
func readBigRec(store *subfile.Store, head int32) ([]byte, error) {
	var out []byte
	var total int64 = -1
	grp := head
	for grp != 0 {
		buf, err := store.ReadGroup(grp)
		if err != nil {
			return nil, err
		}
		h := decodeBlockHeader(buf)
		if h.BlockType != blockTypeBigRec {
			return nil, mvcore.NewError(mvcore.Corrupt, "big record chain block has wrong type")
		}
		dataStart := bigRecHeaderSize
		if total < 0 {
			total = int64(binary.LittleEndian.Uint32(buf[blockHeaderSize:]))
		}
		used := int(h.UsedBytes)
		if used > len(buf) {
			return nil, mvcore.NewError(mvcore.Corrupt, "big record block used_bytes exceeds block size")
		}
		out = append(out, buf[dataStart:used]...)
		grp = h.Next
	}
	if total >= 0 && int64(len(out)) != total {
		return nil, mvcore.NewError(mvcore.Corrupt, "big record chain length mismatch")
	}
	return out, nil
}

// freeBigRec walks the chain starting at head, invoking free for every
// group so the caller can return them to the overflow free list.
func freeBigRec(store *subfile.Store, head int32, free func(int32) error) error {
	grp := head
	for grp != 0 {
		buf, err := store.ReadGroup(grp)
		if err != nil {
			return err
		}
		h := decodeBlockHeader(buf)
		next := h.Next
		if err := free(grp); err != nil {
			return err
		}
		grp = next
	}
	return nil
}
