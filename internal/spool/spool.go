// Package spool buffers upload content of unknown length so it can be
// measured and replayed. Small content stays in memory; the rest spills to
// a temporary file.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Buffer reads r to the end. Content up to limit bytes stays in memory.
// The returned cleanup must be called once the reader is no longer needed.
func Buffer(r io.Reader, limit int64) (io.ReadSeeker, int64, func(), error) {
	var buf bytes.Buffer

	n, err := io.CopyN(&buf, r, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, nil, fmt.Errorf("spool: reading content: %w", err)
	}

	if n <= limit {
		return bytes.NewReader(buf.Bytes()), n, func() {}, nil
	}

	f, err := os.CreateTemp("", "cloudsync-upload-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("spool: creating file: %w", err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	if _, err := buf.WriteTo(f); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool: writing file: %w", err)
	}

	rest, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool: writing file: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool: rewinding file: %w", err)
	}

	return f, n + rest, cleanup, nil
}

// Seekable returns r itself with its remaining length when r can seek, and
// a spooled copy otherwise.
func Seekable(r io.Reader, limit int64) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		cur, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := rs.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := rs.Seek(cur, io.SeekStart); err == nil {
					return rs, end - cur, func() {}, nil
				}
			}
		}
	}

	return Buffer(r, limit)
}
