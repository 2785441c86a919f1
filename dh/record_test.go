package dh

import "testing"

func TestRecordEncodeDecodeRoundTrips(t *testing.T) {
	r := Record{ID: []byte("ID01"), Data: []byte("hello world")}
	enc := r.encode()
	got, size, err := decodeRecordAt(enc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != len(enc) {
		t.Fatalf("decoded size %d != encoded length %d", size, len(enc))
	}
	if string(got.ID) != "ID01" || string(got.Data) != "hello world" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRecordEncodeDecodeBigRec(t *testing.T) {
	r := Record{ID: []byte("BIG"), IsBigRec: true, BigRecHead: 77}
	enc := r.encode()
	got, _, err := decodeRecordAt(enc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsBigRec || got.BigRecHead != 77 {
		t.Fatalf("expected big rec head 77, got %+v", got)
	}
}

func TestBlockBodyFindByIDAndFreeBytes(t *testing.T) {
	size := 256
	buf := make([]byte, size)
	encodeBlockHeader(buf, BlockHeader{BlockType: blockTypeData})
	b, err := decodeBlock(buf)
	if err != nil {
		t.Fatal(err)
	}
	b.size = size
	before := b.freeBytes()

	b.records = append(b.records, Record{ID: []byte("A"), Data: []byte("1")})
	b.records = append(b.records, Record{ID: []byte("B"), Data: []byte("22")})

	if _, ok := b.findByID([]byte("B")); !ok {
		t.Fatal("expected to find record B")
	}
	if _, ok := b.findByID([]byte("Z")); ok {
		t.Fatal("did not expect to find record Z")
	}
	if b.freeBytes() >= before {
		t.Fatal("expected freeBytes to shrink after adding records")
	}
}

func TestBlockEncodeDecodeRoundTrips(t *testing.T) {
	size := 256
	b := &blockBody{header: BlockHeader{BlockType: blockTypeData, Next: 5}, size: size}
	b.records = append(b.records, Record{ID: []byte("X"), Data: []byte("value")})

	enc := b.encode()
	if len(enc) != size {
		t.Fatalf("expected encoded block of size %d, got %d", size, len(enc))
	}
	got, err := decodeBlock(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.header.Next != 5 {
		t.Fatalf("expected Next=5, got %d", got.header.Next)
	}
	if len(got.records) != 1 || string(got.records[0].ID) != "X" {
		t.Fatalf("unexpected decoded records: %+v", got.records)
	}
}
