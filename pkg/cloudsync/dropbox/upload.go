package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// simpleUploadMaxSize is the largest body files/upload accepts (150 MiB).
const simpleUploadMaxSize = 150 << 20

// defaultChunkSize is the upload session chunk size. Dropbox requires
// multiples of 4 MiB for all chunks but the last.
const defaultChunkSize = 8 << 20

// commitInfo describes where and how an upload lands. Create uses "add"
// without autorename so an existing file is a conflict; IfMatch uses
// "update" so a newer revision is a conflict; otherwise "overwrite".
func commitInfo(p string, opts cloudsync.UploadOptions) *files.CommitInfo {
	ci := files.NewCommitInfo(apiPath(p))
	ci.Autorename = false

	switch {
	case opts.Create:
		ci.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeAdd}}
	case opts.IfMatch != "":
		ci.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeUpdate}, Update: opts.IfMatch}
	default:
		ci.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeOverwrite}}
	}

	return ci
}

// Upload implements cloudsync.Backend. Known sizes up to simpleMax go in
// one request; everything else streams through an upload session.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	conditional := opts.IfMatch != ""
	ci := commitInfo(p, opts)

	if opts.Size >= 0 && opts.Size <= b.simpleMax {
		arg := files.NewUploadArg(ci.Path)
		arg.Mode = ci.Mode
		arg.Autorename = false

		md, err := b.api(ctx).Upload(arg, r)
		if err != nil {
			return cloudsync.Entry{}, classify("upload", p, err, conditional)
		}

		return fileEntry(md, p), nil
	}

	md, err := b.sessionUpload(ctx, p, r, ci)
	if err != nil {
		return cloudsync.Entry{}, classify("upload", p, err, conditional)
	}

	return fileEntry(md, p), nil
}

// sessionUpload sends r in chunks. It reads one chunk ahead so the last
// chunk goes with the finish call; the total length need not be known.
func (b *Backend) sessionUpload(ctx context.Context, p string, r io.Reader, ci *files.CommitInfo) (*files.FileMetadata, error) {
	api := b.api(ctx)
	buf := make([]byte, b.chunkSize)

	n, err := readChunk(r, buf)
	if err != nil {
		return nil, err
	}

	start, err := api.UploadSessionStart(files.NewUploadSessionStartArg(), bytes.NewReader(buf[:n]))
	if err != nil {
		return nil, err
	}

	b.logger.Info("started upload session", slog.String("path", p))

	var offset uint64

	for {
		offset += uint64(n) //nolint:gosec // n is non-negative

		n, err = readChunk(r, buf)
		if err != nil {
			return nil, err
		}

		cursor := files.NewUploadSessionCursor(start.SessionId, offset)

		if n < len(buf) {
			return api.UploadSessionFinish(files.NewUploadSessionFinishArg(cursor, ci), bytes.NewReader(buf[:n]))
		}

		if err := api.UploadSessionAppendV2(files.NewUploadSessionAppendArg(cursor), bytes.NewReader(buf[:n])); err != nil {
			return nil, err
		}

		b.logger.Debug("appended upload chunk", slog.String("path", p), slog.Uint64("offset", offset))
	}
}

// readChunk fills buf as far as r allows.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("dropbox: reading upload content: %w", err)
	}

	return n, nil
}

// Download implements cloudsync.Backend. The revision check uses the
// metadata Dropbox returns with the content.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	md, rc, err := b.api(ctx).Download(files.NewDownloadArg(apiPath(p)))
	if err != nil {
		return nil, classify("download", p, err, false)
	}

	if opts.IfMatch != "" && md != nil && md.Rev != opts.IfMatch {
		rc.Close()

		return nil, cloudsync.NewError(cloudsync.KindResourceHasChanged, "download", p,
			fmt.Errorf("dropbox: rev is %s, expected %s", md.Rev, opts.IfMatch))
	}

	return rc, nil
}
