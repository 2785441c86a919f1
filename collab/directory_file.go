package collab

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/dhstore/mvcore"
)

// idSafe is the set of bytes that pass through an id-to-filename
// translation unescaped; everything else is percent-encoded, per
// spec.md §4.9's "restricted characters percent-encoded".
func idSafe(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.':
		return true
	}
	return false
}

// idToFilename percent-encodes id into a filesystem-legal filename.
func idToFilename(id []byte) string {
	var buf bytes.Buffer
	for _, b := range id {
		if idSafe(b) {
			buf.WriteByte(b)
		} else {
			fmt.Fprintf(&buf, "%%%02X", b)
		}
	}
	return buf.String()
}

// filenameToID reverses idToFilename, decoding %XX escapes.
func filenameToID(name string) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < len(name); i++ {
		if name[i] != '%' {
			buf.WriteByte(name[i])
			continue
		}
		if i+2 >= len(name) {
			return nil, mvcore.NewError(mvcore.InvalidID, "truncated percent-escape in filename")
		}
		var v byte
		if _, err := fmt.Sscanf(name[i+1:i+3], "%02X", &v); err != nil {
			return nil, mvcore.Wrap(mvcore.InvalidID, err, "bad percent-escape in filename")
		}
		buf.WriteByte(v)
		i += 2
	}
	return buf.Bytes(), nil
}

// DirectoryFile is the directory-file fallback (C9): a file whose
// on-disk form is a directory containing one file per record, per
// spec.md §4.9.
type DirectoryFile struct {
	Dir string
	// NewlineMode toggles field-mark-to-newline translation on
	// record bodies, per spec.md §4.9, independently of id encoding.
	NewlineMode bool
}

// Read returns the record stored at id, translating newlines back to
// field marks when NewlineMode is set.
func (d *DirectoryFile) Read(ctx context.Context, id []byte) ([]byte, error) {
	path := filepath.Join(d.Dir, idToFilename(id))
	var data []byte
	err := retryIO(ctx, func(context.Context) error {
		var e error
		data, e = os.ReadFile(path)
		return e
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mvcore.NewError(mvcore.NotFound, id)
		}
		return nil, mvcore.Wrap(mvcore.IoError, err, "directory file read")
	}
	if d.NewlineMode {
		data = bytes.ReplaceAll(data, []byte{'\n'}, []byte{mvcore.FieldMark})
	}
	return data, nil
}

// Write stores data at id, creating the directory on first use and
// translating field marks to newlines when NewlineMode is set.
func (d *DirectoryFile) Write(ctx context.Context, id, data []byte) error {
	if d.NewlineMode {
		data = bytes.ReplaceAll(data, []byte{mvcore.FieldMark}, []byte{'\n'})
	}
	path := filepath.Join(d.Dir, idToFilename(id))
	return retryIO(ctx, func(context.Context) error {
		if err := os.MkdirAll(d.Dir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	})
}

// Delete removes id's record file.
func (d *DirectoryFile) Delete(ctx context.Context, id []byte) error {
	path := filepath.Join(d.Dir, idToFilename(id))
	err := retryIO(ctx, func(context.Context) error { return os.Remove(path) })
	if err != nil {
		if os.IsNotExist(err) {
			return mvcore.NewError(mvcore.NotFound, id)
		}
		return mvcore.Wrap(mvcore.IoError, err, "directory file delete")
	}
	return nil
}

// retryIO retries task against short Fibonacci backoff, for the same
// class of transient filesystem hiccups (e.g. NFS) the teacher's
// fs.FileIO.retryIO guards against, minus its failover-error
// classification (no failover/replication concept in scope here).
// A not-exist error is permanent and returned immediately.
func retryIO(ctx context.Context, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(50 * time.Millisecond)
	return retry.Do(ctx, retry.WithMaxRetries(3, b), func(ctx context.Context) error {
		err := task(ctx)
		if err == nil || os.IsNotExist(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}
