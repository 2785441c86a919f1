package dh

import (
	"context"

	"github.com/dhstore/mvcore"
	"github.com/dhstore/mvcore/control"
	"github.com/dhstore/mvcore/locks"
	"github.com/dhstore/mvcore/subfile"
)

// Engine is the dynamic-hash primary file engine for one data file:
// the primary/overflow subfile pair, the in-memory header (guarded by
// the pseudo-group-0 write lock for cross-process visibility), and the
// group lock manager it shares with every other component touching
// this file, per spec.md §4.5.
type Engine struct {
	FileID   int32
	Primary  *subfile.Store
	Overflow *subfile.Store
	Region   *control.Region
	Header   *Header
}

// Open attaches to (or initializes) a data file's primary/overflow
// subfile pair. groupSize is fixed for the life of the file.
func Open(region *control.Region, cache *subfile.FDCache, fileID int32, primaryPath, overflowPath string, groupSize int64) (*Engine, error) {
	primary, err := subfile.Open(cache, primaryPath, groupSize, groupSize)
	if err != nil {
		return nil, err
	}
	overflow, err := subfile.Open(cache, overflowPath, 0, groupSize)
	if err != nil {
		return nil, err
	}

	size, err := primary.Size()
	if err != nil {
		return nil, err
	}

	e := &Engine{FileID: fileID, Primary: primary, Overflow: overflow, Region: region}
	if size == 0 {
		e.Header = &Header{
			Magic: MagicPrimary, GroupSize: groupSize,
			Modulus: 1, MinModulus: 1, ModValue: 1,
			BigRecSize: int64(groupSize) - int64(bigRecHeaderSize) - 64,
			SplitLoadPct: 80, MergeLoadPct: 40,
		}
		if err := e.flushHeader(); err != nil {
			return nil, err
		}
		if err := e.Primary.WriteGroup(1, emptyBlock(groupSize)); err != nil {
			return nil, err
		}
		return e, nil
	}

	buf := make([]byte, groupSize)
	if _, err := primary.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	// splitGroup is tracked out of band from the on-disk header encoding
	// (see DESIGN.md): re-derive a safe starting point rather than
	// persist it, since a conservative restart (round 1) only costs a
	// few extra no-op rehashes, never correctness.
	h.splitGroup = 1
	e.Header = h
	return e, nil
}

func emptyBlock(size int64) []byte {
	buf := make([]byte, size)
	encodeBlockHeader(buf, BlockHeader{Next: 0, UsedBytes: blockHeaderSize, BlockType: blockTypeData})
	return buf
}

func (e *Engine) flushHeader() error {
	buf := e.Header.Encode()
	_, err := e.Primary.WriteAt(buf, 0)
	return err
}

// flushHeaderLocked writes the header under the pseudo-group-0 write
// lock, per spec.md §4.5: "Header counters ... are guarded by the
// pseudo-group-0 write lock."
func (e *Engine) flushHeaderLocked(ctx context.Context, owner int32) error {
	hg := locks.HeaderChainGroup()
	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, hg, owner, false); err != nil {
		return err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, hg, owner)
	return e.flushHeader()
}

// chainLink is one block of a primary group's chain: its store, group
// number, and decoded body.
type chainLink struct {
	store *subfile.Store
	group int32
	body  *blockBody
}

func (e *Engine) readChain(group int32) ([]chainLink, error) {
	buf, err := e.Primary.ReadGroup(group)
	if err != nil {
		return nil, err
	}
	body, err := decodeBlock(buf)
	if err != nil {
		return nil, err
	}
	chain := []chainLink{{store: e.Primary, group: group, body: body}}

	next := body.header.Next
	for next != 0 {
		buf, err := e.Overflow.ReadGroup(next)
		if err != nil {
			return nil, err
		}
		b, err := decodeBlock(buf)
		if err != nil {
			return nil, err
		}
		chain = append(chain, chainLink{store: e.Overflow, group: next, body: b})
		next = b.header.Next
	}
	return chain, nil
}

// Modulus returns the current primary-group count, the upper bound a
// full-file scan (C7) iterates group numbers 1..Modulus over.
func (e *Engine) Modulus() int32 {
	return e.Header.Modulus
}

// GroupIDs returns the record ids stored in primary group g and their
// total on-disk byte footprint, read under that group's read lock, for
// the select engine's (C7) group-by-group walk per spec.md §4.7.
func (e *Engine) GroupIDs(ctx context.Context, owner int32, g int32) (ids [][]byte, bytes int64, err error) {
	if err := e.Region.AcquireGroupRead(ctx, e.FileID, g, owner, false); err != nil {
		return nil, 0, err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, g, owner)

	chain, err := e.readChain(g)
	if err != nil {
		return nil, 0, err
	}
	for _, link := range chain {
		for _, rec := range link.body.records {
			ids = append(ids, rec.ID)
			bytes += int64(rec.encodedSize())
		}
	}
	return ids, bytes, nil
}

// SetObservedStats overwrites the header's approximate record count and
// byte load with values a select engine (C7) scan observed directly,
// under the header's pseudo-group-0 write lock. Callers only do this
// when the scan completed without an interleaved update (spec.md §4.7's
// self-correcting statistics).
func (e *Engine) SetObservedStats(ctx context.Context, owner int32, recordCount int64, loadBytes int64) error {
	hg := locks.HeaderChainGroup()
	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, hg, owner, false); err != nil {
		return err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, hg, owner)
	e.Header.RecordCount = recordCount
	e.Header.LoadBytes = uint64(loadBytes) & loadBytesMask
	return e.flushHeader()
}

// Configure changes split/merge load thresholds, minimum modulus, and
// the big-record size cutoff on an already-open file, without
// recreating it. A negative value leaves the corresponding parameter
// unchanged, mirroring the original's convention of using -1 as "no
// change" for each of dh_configure's four parameters.
func (e *Engine) Configure(ctx context.Context, owner int32, minModulus int32, splitLoadPct, mergeLoadPct int16, bigRecSize int64) error {
	hg := locks.HeaderChainGroup()
	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, hg, owner, false); err != nil {
		return err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, hg, owner)

	if minModulus >= 0 {
		e.Header.MinModulus = minModulus
	}
	if splitLoadPct >= 0 {
		e.Header.SplitLoadPct = splitLoadPct
	}
	if mergeLoadPct >= 0 {
		e.Header.MergeLoadPct = mergeLoadPct
	}
	if bigRecSize >= 0 {
		e.Header.BigRecSize = bigRecSize
	}
	return e.flushHeader()
}

// Read looks up id's record, following the big-record chain if needed.
func (e *Engine) Read(ctx context.Context, owner int32, id []byte) ([]byte, error) {
	g := groupFor(idHash(id), e.Header.ModValue, e.Header.Modulus)
	if err := e.Region.AcquireGroupRead(ctx, e.FileID, g, owner, false); err != nil {
		return nil, err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, g, owner)

	chain, err := e.readChain(g)
	if err != nil {
		return nil, err
	}
	for _, link := range chain {
		if i, ok := link.body.findByID(id); ok {
			rec := link.body.records[i]
			if rec.IsBigRec {
				return readBigRec(e.Overflow, rec.BigRecHead)
			}
			return rec.Data, nil
		}
	}
	return nil, mvcore.NewError(mvcore.NotFound, id)
}

// Write inserts or updates id's record, per spec.md §4.5. The group
// lock taken while writing is released before split is considered: the
// group split picks can be the very group Write just wrote to (always
// so while Modulus is 1 and every id hashes to group 1), and split
// acquires its own group locks rather than assuming the caller's are
// still held.
func (e *Engine) Write(ctx context.Context, owner int32, id, data []byte) error {
	needSplit, err := e.writeLocked(ctx, owner, id, data)
	if err != nil {
		return err
	}
	if needSplit {
		return e.split(ctx, owner)
	}
	return nil
}

func (e *Engine) writeLocked(ctx context.Context, owner int32, id, data []byte) (needSplit bool, err error) {
	g := groupFor(idHash(id), e.Header.ModValue, e.Header.Modulus)
	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, g, owner, false); err != nil {
		return false, err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, g, owner)

	chain, err := e.readChain(g)
	if err != nil {
		return false, err
	}

	var oldFootprint int
	foundLink, foundIdx := -1, -1
	for li, link := range chain {
		if i, ok := link.body.findByID(id); ok {
			foundLink, foundIdx = li, i
			oldFootprint = link.body.records[i].encodedSize()
			break
		}
	}

	rec, err := e.buildRecord(id, data)
	if err != nil {
		return false, err
	}
	inserted := foundLink < 0

	if foundLink >= 0 {
		old := chain[foundLink].body.records[foundIdx]
		if old.IsBigRec {
			_ = freeBigRec(e.Overflow, old.BigRecHead, e.freeOverflowGroup)
		}
		if rec.encodedSize() <= oldFootprint || chain[foundLink].body.freeBytes()+oldFootprint >= rec.encodedSize() {
			chain[foundLink].body.records[foundIdx] = rec
		} else {
			chain[foundLink].body.records = append(chain[foundLink].body.records[:foundIdx], chain[foundLink].body.records[foundIdx+1:]...)
			if err := e.appendToChain(&chain, rec); err != nil {
				return false, err
			}
		}
	} else {
		if err := e.appendToChain(&chain, rec); err != nil {
			return false, err
		}
	}

	if err := e.writeChain(chain); err != nil {
		return false, err
	}

	if inserted {
		e.Header.RecordCount++
		e.Header.BumpLoadBytes(int64(rec.encodedSize()))
	} else {
		e.Header.BumpLoadBytes(int64(rec.encodedSize() - oldFootprint))
	}
	if err := e.flushHeaderLocked(ctx, owner); err != nil {
		return false, err
	}
	if err := e.Region.BumpUpdate(ctx, e.FileID); err != nil {
		return false, err
	}
	return e.Header.Load() > int(e.Header.SplitLoadPct), nil
}

// buildRecord constructs the wire Record for (id, data), writing a
// big-record chain to overflow first if data exceeds the threshold.
func (e *Engine) buildRecord(id, data []byte) (Record, error) {
	if int64(len(data)) >= e.Header.BigRecSize {
		head, err := writeBigRec(e.Overflow, data, e.allocOverflowGroup)
		if err != nil {
			return Record{}, err
		}
		return Record{ID: id, IsBigRec: true, BigRecHead: head}, nil
	}
	return Record{ID: id, Data: data}, nil
}

// appendToChain places rec into the last block of chain, allocating a
// new overflow block if none of the existing blocks have room.
func (e *Engine) appendToChain(chain *[]chainLink, rec Record) error {
	last := &(*chain)[len(*chain)-1]
	if last.body.freeBytes() >= rec.encodedSize() {
		last.body.records = append(last.body.records, rec)
		return nil
	}
	grp, err := e.allocOverflowGroup()
	if err != nil {
		return err
	}
	last.body.header.Next = grp
	newBody := &blockBody{header: BlockHeader{BlockType: blockTypeData}, size: int(e.Header.GroupSize)}
	newBody.records = append(newBody.records, rec)
	*chain = append(*chain, chainLink{store: e.Overflow, group: grp, body: newBody})
	return nil
}

func (e *Engine) writeChain(chain []chainLink) error {
	for _, link := range chain {
		if err := link.store.WriteGroup(link.group, link.body.encode()); err != nil {
			return err
		}
	}
	return nil
}

// allocOverflowGroup pops a block from the header's free chain, or
// extends the overflow subfile by one block if the free chain is empty.
func (e *Engine) allocOverflowGroup() (int32, error) {
	if e.Header.FreeChain != 0 {
		grp := int32(e.Header.FreeChain)
		buf, err := e.Overflow.ReadGroup(grp)
		if err != nil {
			return 0, err
		}
		h := decodeBlockHeader(buf)
		e.Header.FreeChain = int64(h.Next)
		return grp, nil
	}
	size, err := e.Overflow.Size()
	if err != nil {
		return 0, err
	}
	grp := int32(size/e.Header.GroupSize) + 1
	if err := e.Overflow.WriteGroup(grp, emptyBlock(e.Header.GroupSize)); err != nil {
		return 0, err
	}
	return grp, nil
}

// freeOverflowGroup pushes grp onto the header's free chain.
func (e *Engine) freeOverflowGroup(grp int32) error {
	buf := make([]byte, e.Header.GroupSize)
	encodeBlockHeader(buf, BlockHeader{Next: int32(e.Header.FreeChain), UsedBytes: 0, BlockType: blockTypeData})
	if err := e.Overflow.WriteGroup(grp, buf); err != nil {
		return err
	}
	e.Header.FreeChain = int64(grp)
	return nil
}

// Delete removes id's record, per spec.md §4.5. As with Write, the
// group lock taken while deleting is released before merge is
// considered: merge acquires its own group locks on the last group and
// its split sibling, either of which may be the group Delete just
// emptied.
func (e *Engine) Delete(ctx context.Context, owner int32, id []byte) error {
	needMerge, err := e.deleteLocked(ctx, owner, id)
	if err != nil {
		return err
	}
	if needMerge {
		return e.merge(ctx, owner)
	}
	return nil
}

func (e *Engine) deleteLocked(ctx context.Context, owner int32, id []byte) (needMerge bool, err error) {
	g := groupFor(idHash(id), e.Header.ModValue, e.Header.Modulus)
	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, g, owner, false); err != nil {
		return false, err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, g, owner)

	chain, err := e.readChain(g)
	if err != nil {
		return false, err
	}

	for _, link := range chain {
		if i, ok := link.body.findByID(id); ok {
			rec := link.body.records[i]
			footprint := rec.encodedSize()
			if rec.IsBigRec {
				if err := freeBigRec(e.Overflow, rec.BigRecHead, e.freeOverflowGroup); err != nil {
					return false, err
				}
			}
			link.body.records = append(link.body.records[:i], link.body.records[i+1:]...)
			if err := e.writeChain(chain); err != nil {
				return false, err
			}
			e.Header.RecordCount--
			e.Header.BumpLoadBytes(-int64(footprint))
			if err := e.flushHeaderLocked(ctx, owner); err != nil {
				return false, err
			}
			if err := e.Region.BumpUpdate(ctx, e.FileID); err != nil {
				return false, err
			}
			return e.Header.Load() < int(e.Header.MergeLoadPct) && e.Header.Modulus > e.Header.MinModulus, nil
		}
	}
	return false, mvcore.NewError(mvcore.NotFound, id)
}

// split performs exactly one dynamic-hash split: rehashing the records
// of the next scheduled split group between that group and a freshly
// allocated group at modulus+1, per spec.md §4.5. Write calls split only
// after writeLocked has returned and released its group lock, so split
// is always free to acquire g's lock itself even when g is the group
// Write just wrote to (always the case while Modulus is 1, where every
// id hashes to group 1).
func (e *Engine) split(ctx context.Context, owner int32) error {
	g := e.Header.splitGroup
	if g < 1 || g > e.Header.Modulus {
		g = 1
	}
	newGroup := e.Header.Modulus + 1

	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, g, owner, false); err != nil {
		return err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, g, owner)

	chain, err := e.readChain(g)
	if err != nil {
		return err
	}

	var all []Record
	for _, link := range chain {
		all = append(all, link.body.records...)
	}
	for _, link := range chain[1:] {
		if err := e.freeOverflowGroup(link.group); err != nil {
			return err
		}
	}

	e.Header.Modulus++
	e.Header.splitGroup++
	if e.Header.splitGroup > e.Header.ModValue {
		e.Header.ModValue *= 2
		e.Header.splitGroup = 1
	}

	var keep, move []Record
	for _, r := range all {
		target := groupFor(idHash(r.ID), e.Header.ModValue, e.Header.Modulus)
		if target == g {
			keep = append(keep, r)
		} else {
			move = append(move, r)
		}
	}

	if err := e.rewriteGroup(g, keep); err != nil {
		return err
	}
	if err := e.rewriteGroup(newGroup, move); err != nil {
		return err
	}
	return e.flushHeaderLocked(ctx, owner)
}

// merge performs exactly one dynamic-hash merge: folding the last
// group's records into its split sibling and decrementing modulus, the
// inverse of split, per spec.md §4.5. Delete calls merge only after
// deleteLocked has returned and released its group lock, so merge is
// always free to acquire lastGroup's and sibling's locks itself even
// when one of them is the group Delete just emptied.
func (e *Engine) merge(ctx context.Context, owner int32) error {
	lastGroup := e.Header.Modulus

	e.Header.splitGroup--
	if e.Header.splitGroup < 1 {
		if e.Header.ModValue > e.Header.MinModulus {
			e.Header.ModValue /= 2
		}
		e.Header.splitGroup = e.Header.ModValue
	}
	sibling := e.Header.splitGroup

	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, lastGroup, owner, false); err != nil {
		return err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, lastGroup, owner)
	if err := e.Region.AcquireGroupWrite(ctx, e.FileID, sibling, owner, false); err != nil {
		return err
	}
	defer e.Region.ReleaseGroup(ctx, e.FileID, sibling, owner)

	lastChain, err := e.readChain(lastGroup)
	if err != nil {
		return err
	}
	siblingChain, err := e.readChain(sibling)
	if err != nil {
		return err
	}

	var all []Record
	for _, link := range siblingChain {
		all = append(all, link.body.records...)
	}
	for _, link := range lastChain {
		all = append(all, link.body.records...)
	}
	for _, link := range lastChain[1:] {
		if err := e.freeOverflowGroup(link.group); err != nil {
			return err
		}
	}
	for _, link := range siblingChain[1:] {
		if err := e.freeOverflowGroup(link.group); err != nil {
			return err
		}
	}

	e.Header.Modulus--

	if err := e.rewriteGroup(sibling, all); err != nil {
		return err
	}
	return e.flushHeaderLocked(ctx, owner)
}

// rewriteGroup replaces group's entire chain with records, allocating
// overflow blocks as needed and freeing none (callers have already
// freed the old overflow blocks).
func (e *Engine) rewriteGroup(group int32, records []Record) error {
	chain := []chainLink{{store: e.Primary, group: group, body: &blockBody{
		header: BlockHeader{BlockType: blockTypeData}, size: int(e.Header.GroupSize),
	}}}
	for _, r := range records {
		if err := e.appendToChain(&chain, r); err != nil {
			return err
		}
	}
	return e.writeChain(chain)
}
