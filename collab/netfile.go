package collab

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/dhstore/mvcore"
)

// opCode identifies a net-file request, mirroring
// original_source/gplsrc/netfiles.c's SrvrRead/SrvrWrite/SrvrDelete
// message-pair dispatch codes.
type opCode byte

const (
	opRead opCode = iota + 1
	opWrite
	opDelete
)

// NetFile is a thin client over a length-prefixed request/response
// protocol to a remote process running its own copy of this core, per
// spec.md §4.9. The wire protocol itself — framing beyond the 4-byte
// big-endian length prefix, authentication, the remote dispatch loop —
// is the external collaborator spec.md §1 scopes out; this type is the
// client-side stub that a real implementation of that protocol would
// plug into.
type NetFile struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// DialNetFile connects to a remote core's net-file listener.
func DialNetFile(ctx context.Context, addr string) (*NetFile, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mvcore.Wrap(mvcore.IoError, err, "net-file dial")
	}
	return &NetFile{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

// Close closes the underlying connection.
func (n *NetFile) Close() error { return n.conn.Close() }

// Read requests id's record from the remote core.
func (n *NetFile) Read(ctx context.Context, id []byte) ([]byte, error) {
	status, body, err := n.messagePair(ctx, opRead, id, nil)
	if err != nil {
		return nil, err
	}
	if status == mvcore.NotFound {
		return nil, mvcore.NewError(mvcore.NotFound, id)
	}
	return body, nil
}

// Write sends id/data to the remote core for storage.
func (n *NetFile) Write(ctx context.Context, id, data []byte) error {
	_, _, err := n.messagePair(ctx, opWrite, id, data)
	return err
}

// Delete asks the remote core to remove id's record.
func (n *NetFile) Delete(ctx context.Context, id []byte) error {
	status, _, err := n.messagePair(ctx, opDelete, id, nil)
	if err != nil {
		return err
	}
	if status == mvcore.NotFound {
		return mvcore.NewError(mvcore.NotFound, id)
	}
	return nil
}

// messagePair sends one request packet and waits for its reply, the
// Go analogue of netfiles.c's message_pair(): a request op code plus
// id (and data, for writes) out, a status code plus body back.
func (n *NetFile) messagePair(ctx context.Context, op opCode, id, data []byte) (mvcore.ErrorCode, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = n.conn.SetDeadline(dl)
	} else {
		_ = n.conn.SetDeadline(time.Time{})
	}

	if err := n.writeFrame(op, id, data); err != nil {
		return 0, nil, mvcore.Wrap(mvcore.IoError, err, "net-file request")
	}
	status, body, err := n.readFrame()
	if err != nil {
		return 0, nil, mvcore.Wrap(mvcore.IoError, err, "net-file response")
	}
	return status, body, nil
}

func (n *NetFile) writeFrame(op opCode, id, data []byte) error {
	payload := make([]byte, 0, 1+2+len(id)+4+len(data))
	payload = append(payload, byte(op))
	payload = appendUint16Prefixed(payload, id)
	payload = appendUint32Prefixed(payload, data)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := n.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := n.w.Write(payload); err != nil {
		return err
	}
	return n.w.Flush()
}

func (n *NetFile) readFrame() (mvcore.ErrorCode, []byte, error) {
	var lenBuf [4]byte
	if _, err := n.r.Read(lenBuf[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, size)
	if _, err := n.r.Read(buf); err != nil {
		return 0, nil, err
	}
	if len(buf) < 1 {
		return 0, nil, mvcore.NewError(mvcore.Corrupt, "net-file response frame too short")
	}
	status := mvcore.ErrorCode(buf[0])
	return status, buf[1:], nil
}

func appendUint16Prefixed(buf, v []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

func appendUint32Prefixed(buf, v []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}
