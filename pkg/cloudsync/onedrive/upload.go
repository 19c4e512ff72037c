package onedrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/cloudsync-go/internal/spool"
	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// chunkAlignment is the required alignment for upload chunk sizes (320 KiB).
// All chunks except the final one must be a multiple of this value.
const chunkAlignment = 320 * 1024

// defaultChunkSize is 10 aligned units, about 3.2 MiB per request.
const defaultChunkSize = 10 * chunkAlignment

// simpleUploadMaxSize is the maximum file size for simple (single-request) upload (4 MB).
// Files larger than this must use resumable upload sessions.
const simpleUploadMaxSize = 4 * 1024 * 1024

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

func conflictBehavior(opts cloudsync.UploadOptions) string {
	if opts.Create {
		return "fail"
	}

	return "replace"
}

// Upload implements cloudsync.Backend. Content up to simpleMax goes in one
// PUT; anything larger, or of unknown length that turns out larger, goes
// through a resumable upload session.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	size := opts.Size

	if size < 0 {
		spooled, n, cleanup, err := spool.Buffer(r, b.simpleMax)
		if err != nil {
			return cloudsync.Entry{}, err
		}
		defer cleanup()

		r, size = spooled, n
	}

	if size <= b.simpleMax {
		return b.simpleUpload(ctx, p, r, size, opts)
	}

	return b.sessionUpload(ctx, p, r, size, opts)
}

// simpleUpload uploads a file up to 4 MB using a single PUT request.
func (b *Backend) simpleUpload(ctx context.Context, p string, r io.Reader, size int64, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	b.logger.Debug("simple upload",
		slog.String("path", p),
		slog.Int64("size", size),
	)

	header := http.Header{}
	if opts.IfMatch != "" {
		header.Set("If-Match", opts.IfMatch)
	}

	if size == 0 {
		r = bytes.NewReader(nil)
	}

	var item driveItem

	err := b.client.DoJSON(ctx, transport.Request{
		Method:        http.MethodPut,
		Path:          b.itemPath(p) + "/content?@microsoft.graph.conflictBehavior=" + conflictBehavior(opts),
		Header:        header,
		Body:          r,
		ContentType:   "application/octet-stream",
		ContentLength: size,
	}, &item)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("upload", p, err, nil)
	}

	return item.toEntry(p, b.logger), nil
}

// sessionUpload creates an upload session and sends the content in
// aligned chunks. The session URL is pre-authenticated, so chunks carry no
// Authorization header.
func (b *Backend) sessionUpload(ctx context.Context, p string, r io.Reader, size int64, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	b.logger.Info("creating upload session",
		slog.String("path", p),
		slog.Int64("size", size),
	)

	body, err := transport.JSONBody(createUploadSessionRequest{
		Item: uploadSessionItem{ConflictBehavior: conflictBehavior(opts)},
	})
	if err != nil {
		return cloudsync.Entry{}, err
	}

	header := http.Header{}
	if opts.IfMatch != "" {
		header.Set("If-Match", opts.IfMatch)
	}

	var session uploadSessionResponse

	err = b.client.DoJSON(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        b.itemPath(p) + "/createUploadSession",
		Header:      header,
		Body:        body,
		ContentType: "application/json",
	}, &session)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("upload", p, err, nil)
	}

	if session.UploadURL == "" {
		return cloudsync.Entry{}, transport.InvalidResponse("upload", p, errors.New("onedrive: upload session has no uploadUrl"))
	}

	entry, err := b.uploadChunks(ctx, p, session.UploadURL, r, size)
	if err != nil {
		b.cancelSession(session.UploadURL)
		return cloudsync.Entry{}, err
	}

	return entry, nil
}

func (b *Backend) uploadChunks(ctx context.Context, p, uploadURL string, r io.Reader, size int64) (cloudsync.Entry, error) {
	buf := make([]byte, b.chunkSize)

	for offset := int64(0); offset < size; {
		n, err := io.ReadFull(r, buf[:min(b.chunkSize, size-offset)])
		if err != nil {
			return cloudsync.Entry{}, fmt.Errorf("onedrive: reading upload content at offset %d: %w", offset, err)
		}

		b.logger.Debug("uploading chunk",
			slog.Int64("offset", offset),
			slog.Int("length", n),
			slog.Int64("total", size),
		)

		resp, err := b.client.Do(ctx, transport.Request{
			Method: http.MethodPut,
			Path:   uploadURL,
			Header: http.Header{
				"Content-Range": {fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, size)},
			},
			Body:          bytes.NewReader(buf[:n]),
			ContentType:   "application/octet-stream",
			ContentLength: int64(n),
			NoAuth:        true,
		})
		if err != nil {
			return cloudsync.Entry{}, transport.Classify("upload", p, err, nil)
		}

		offset += int64(n)

		// 202 Accepted: intermediate chunk. 200/201: the upload is complete
		// and the body is the resulting item.
		if resp.StatusCode == http.StatusAccepted {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			continue
		}

		item, err := decodeItem(resp)
		if err != nil {
			return cloudsync.Entry{}, transport.InvalidResponse("upload", p, err)
		}

		return item.toEntry(p, b.logger), nil
	}

	return cloudsync.Entry{}, transport.InvalidResponse("upload", p, errors.New("onedrive: upload session never completed"))
}

// cancelSession deletes an abandoned upload session. Failures are only
// logged; the session expires on its own.
func (b *Backend) cancelSession(uploadURL string) {
	err := b.client.DoJSON(context.Background(), transport.Request{
		Method: http.MethodDelete,
		Path:   uploadURL,
		NoAuth: true,
	}, nil)
	if err != nil {
		b.logger.Warn("canceling upload session failed", slog.String("error", err.Error()))
	}
}
