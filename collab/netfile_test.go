package collab

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/dhstore/mvcore"
)

// fakeNetFileServer is a minimal stand-in for the remote core a
// NetFile talks to: it understands exactly the wire frame NetFile
// produces and serves reads/writes/deletes out of an in-memory map.
func fakeNetFileServer(t *testing.T, ln net.Listener) {
	t.Helper()
	store := map[string][]byte{"EXISTING": []byte("pre-seeded")}
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		var lenBuf [4]byte
		if _, err := r.Read(lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, size)
		if _, err := r.Read(payload); err != nil {
			return
		}
		op := opCode(payload[0])
		idLen := binary.BigEndian.Uint16(payload[1:3])
		id := payload[3 : 3+idLen]
		rest := payload[3+idLen:]
		dataLen := binary.BigEndian.Uint32(rest[0:4])
		data := rest[4 : 4+dataLen]

		var status byte
		var body []byte
		switch op {
		case opRead:
			v, ok := store[string(id)]
			if !ok {
				status = byte(mvcore.NotFound)
			} else {
				body = v
			}
		case opWrite:
			store[string(id)] = append([]byte(nil), data...)
		case opDelete:
			if _, ok := store[string(id)]; !ok {
				status = byte(mvcore.NotFound)
			} else {
				delete(store, string(id))
			}
		}

		resp := append([]byte{status}, body...)
		var respLen [4]byte
		binary.BigEndian.PutUint32(respLen[:], uint32(len(resp)))
		w.Write(respLen[:])
		w.Write(resp)
		w.Flush()
	}
}

func newTestNetFile(t *testing.T) *NetFile {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go fakeNetFileServer(t, ln)
	t.Cleanup(func() { ln.Close() })

	nf, err := DialNetFile(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nf.Close() })
	return nf
}

func TestNetFileWriteThenReadRoundTrips(t *testing.T) {
	nf := newTestNetFile(t)
	ctx := context.Background()
	if err := nf.Write(ctx, []byte("K1"), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := nf.Read(ctx, []byte("K1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestNetFileReadMissingReturnsNotFound(t *testing.T) {
	nf := newTestNetFile(t)
	if _, err := nf.Read(context.Background(), []byte("NOPE")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestNetFileDeleteRemovesRecord(t *testing.T) {
	nf := newTestNetFile(t)
	ctx := context.Background()
	if err := nf.Write(ctx, []byte("K2"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := nf.Delete(ctx, []byte("K2")); err != nil {
		t.Fatal(err)
	}
	if _, err := nf.Read(ctx, []byte("K2")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestNetFileDeleteMissingReturnsNotFound(t *testing.T) {
	nf := newTestNetFile(t)
	if err := nf.Delete(context.Background(), []byte("GHOST")); mvcore.CodeOf(err) != mvcore.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
