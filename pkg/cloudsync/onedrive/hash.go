package onedrive

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/quickxorhash"
)

// verifyingReader hashes a download as it streams and fails the final read
// when the digest differs from the QuickXorHash Graph reported for the
// item. Callers that stop before EOF get no verification.
type verifyingReader struct {
	body io.ReadCloser
	h    hash.Hash
	want string
	path string
}

func newVerifyingReader(body io.ReadCloser, want, p string) io.ReadCloser {
	if want == "" {
		// Some accounts report only SHA1/CRC32 hashes.
		return body
	}

	return &verifyingReader{body: body, h: quickxorhash.New(), want: want, path: p}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.body.Read(p)
	v.h.Write(p[:n])

	if errors.Is(err, io.EOF) {
		if got := base64.StdEncoding.EncodeToString(v.h.Sum(nil)); got != v.want {
			return n, transport.InvalidResponse("download", v.path,
				fmt.Errorf("onedrive: content hash mismatch: got %s, want %s", got, v.want))
		}
	}

	return n, err
}

func (v *verifyingReader) Close() error {
	return v.body.Close()
}
