package dh

import (
	"bytes"
	"encoding/binary"

	"github.com/dhstore/mvcore"
)

// blockHeaderSize is the fixed prefix of every primary/overflow block:
// a forward link to the next block in the chain (0 = end), the number
// of bytes in use (0 in a free block), and a block-type tag, per
// dh_fmt.h's DH_BLOCK.
const blockHeaderSize = 4 + 4 + 1 + 1 // next, usedBytes, blockType, pad

const (
	blockTypeData   byte = 0
	blockTypeBigRec byte = 1
)

// BlockHeader is the decoded fixed prefix of a group block.
type BlockHeader struct {
	Next      int32 // next group number in the overflow chain, 0 = end
	UsedBytes int32 // bytes in use including this header, 0 = free block
	BlockType byte
}

func encodeBlockHeader(buf []byte, h BlockHeader) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Next))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.UsedBytes))
	buf[8] = h.BlockType
	buf[9] = 0
}

func decodeBlockHeader(buf []byte) BlockHeader {
	return BlockHeader{
		Next:      int32(binary.LittleEndian.Uint32(buf[0:])),
		UsedBytes: int32(binary.LittleEndian.Uint32(buf[4:])),
		BlockType: buf[8],
	}
}

// recordHeaderSize is the fixed prefix of one DH_RECORD entry: total
// entry size (so callers can step to the next record without decoding
// its id/data lengths first), a flag byte (DH_BIG_REC), the id length,
// and either the data length or, for a big record, the group number of
// its overflow chain head.
const recordHeaderSize = 2 + 1 + 1 + 4

const recordFlagBigRec byte = 0x01

// Record is one decoded primary/overflow record entry.
type Record struct {
	ID         []byte
	Data       []byte // empty when IsBigRec
	IsBigRec   bool
	BigRecHead int32 // valid when IsBigRec
}

// encodedSize returns the total on-disk size of the record, data
// inclusive (or the 4-byte big-record head in place of Data).
func (r Record) encodedSize() int {
	if r.IsBigRec {
		return recordHeaderSize + len(r.ID) + 4
	}
	return recordHeaderSize + len(r.ID) + len(r.Data)
}

// encode returns the record's wire form in a new buffer.
func (r Record) encode() []byte {
	size := r.encodedSize()
	out := make([]byte, size)
	binary.LittleEndian.PutUint16(out[0:], uint16(size))
	if r.IsBigRec {
		out[2] = recordFlagBigRec
	}
	out[3] = byte(len(r.ID))
	if r.IsBigRec {
		binary.LittleEndian.PutUint32(out[4:], uint32(r.BigRecHead))
	} else {
		binary.LittleEndian.PutUint32(out[4:], uint32(len(r.Data)))
	}
	copy(out[recordHeaderSize:], r.ID)
	if !r.IsBigRec {
		copy(out[recordHeaderSize+len(r.ID):], r.Data)
	}
	return out
}

// decodeRecordAt decodes one record entry starting at buf[off:] and
// returns it along with the entry's total encoded size.
func decodeRecordAt(buf []byte, off int) (Record, int, error) {
	if off+recordHeaderSize > len(buf) {
		return Record{}, 0, mvcore.NewError(mvcore.Corrupt, "dh record header truncated")
	}
	size := int(binary.LittleEndian.Uint16(buf[off:]))
	flags := buf[off+2]
	idLen := int(buf[off+3])
	lenOrHead := int32(binary.LittleEndian.Uint32(buf[off+4:]))
	if off+size > len(buf) {
		return Record{}, 0, mvcore.NewError(mvcore.Corrupt, "dh record body truncated")
	}
	idStart := off + recordHeaderSize
	id := append([]byte(nil), buf[idStart:idStart+idLen]...)

	r := Record{ID: id}
	if flags&recordFlagBigRec != 0 {
		r.IsBigRec = true
		r.BigRecHead = lenOrHead
	} else {
		dataStart := idStart + idLen
		dataLen := int(lenOrHead)
		r.Data = append([]byte(nil), buf[dataStart:dataStart+dataLen]...)
	}
	return r, size, nil
}

// blockBody is the decoded payload area of a primary/overflow block:
// every record entry packed contiguously from blockHeaderSize up to
// UsedBytes.
type blockBody struct {
	header  BlockHeader
	records []Record
	size    int // total block size on disk (header.UsedBytes == occupied bytes)
}

// decodeBlock parses a whole block buffer.
func decodeBlock(buf []byte) (*blockBody, error) {
	if len(buf) < blockHeaderSize {
		return nil, mvcore.NewError(mvcore.Corrupt, "dh block shorter than header")
	}
	h := decodeBlockHeader(buf)
	b := &blockBody{header: h, size: len(buf)}
	off := blockHeaderSize
	for off < int(h.UsedBytes) {
		rec, sz, err := decodeRecordAt(buf, off)
		if err != nil {
			return nil, err
		}
		b.records = append(b.records, rec)
		off += sz
	}
	return b, nil
}

// encode serialises the block back into a fixed-size buffer of b.size
// bytes, zero-padding the unused tail.
func (b *blockBody) encode() []byte {
	out := make([]byte, b.size)
	off := blockHeaderSize
	for _, r := range b.records {
		enc := r.encode()
		copy(out[off:], enc)
		off += len(enc)
	}
	b.header.UsedBytes = int32(off)
	encodeBlockHeader(out, b.header)
	return out
}

// findByID linearly scans the block's records for an exact id match.
func (b *blockBody) findByID(id []byte) (int, bool) {
	for i, r := range b.records {
		if bytes.Equal(r.ID, id) {
			return i, true
		}
	}
	return -1, false
}

// freeBytes reports how much room is left in the block before it grows
// past its fixed on-disk size.
func (b *blockBody) freeBytes() int {
	used := blockHeaderSize
	for _, r := range b.records {
		used += r.encodedSize()
	}
	return b.size - used
}
