package box

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/tonimelisma/cloudsync-go/internal/spool"
	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// spoolMemoryLimit bounds how much upload content of unknown length is
// buffered in memory before spilling to disk.
const spoolMemoryLimit = 8 << 20

type uploadResponse struct {
	Entries []item `json:"entries"`
}

// Upload implements cloudsync.Backend. New files are posted to the
// folder; existing files get a new version, sent with If-Match when the
// caller holds a revision.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	parent, err := b.resolveFolder(ctx, "upload", cloudsync.ParentPath(p))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	existing, err := b.child(ctx, "upload", p, parent.ID, cloudsync.BaseName(p))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	switch {
	case existing != nil && (opts.Create || existing.isFolder()):
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "upload", p, errors.New("box: name already in use"))
	case existing == nil && opts.IfMatch != "":
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindNoSuchResource, "upload", p, nil)
	case existing != nil && opts.IfMatch != "" && existing.ETag != opts.IfMatch:
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceHasChanged, "upload", p,
			fmt.Errorf("box: etag is %s, expected %s", existing.ETag, opts.IfMatch))
	}

	content, size, cleanup, err := spool.Seekable(r, spoolMemoryLimit)
	if err != nil {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindCommunicationError, "upload", p, err)
	}
	defer cleanup()

	attrs := uploadAttributes{Name: cloudsync.BaseName(p), Parent: &parentRef{ID: parent.ID}}
	reqPath := "/files/content?fields=" + itemFields
	header := http.Header{}

	if existing != nil {
		attrs = uploadAttributes{Name: cloudsync.BaseName(p)}
		reqPath = "/files/" + existing.ID + "/content?fields=" + itemFields

		if opts.IfMatch != "" {
			header.Set("If-Match", opts.IfMatch)
		}
	}

	body, contentType, length, err := multipartBody(attrs, content, size)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	var resp uploadResponse

	err = b.upload.DoJSON(ctx, transport.Request{
		Method:        http.MethodPost,
		Path:          reqPath,
		Header:        header,
		Body:          body,
		ContentType:   contentType,
		ContentLength: length,
	}, &resp)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("upload", p, err, nil)
	}

	if len(resp.Entries) == 0 {
		return cloudsync.Entry{}, transport.InvalidResponse("upload", p, errors.New("box: upload response has no entries"))
	}

	return resp.Entries[0].toEntry(p, b.logger), nil
}

// multipartBody frames content as the form Box expects: an "attributes"
// JSON field followed by the "file" part. The framing is built up front so
// the request carries an exact Content-Length.
func multipartBody(attrs uploadAttributes, content io.Reader, size int64) (io.Reader, string, int64, error) {
	meta, err := json.Marshal(attrs)
	if err != nil {
		return nil, "", 0, fmt.Errorf("box: encoding attributes: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("attributes", string(meta)); err != nil {
		return nil, "", 0, fmt.Errorf("box: framing upload: %w", err)
	}

	if _, err := mw.CreateFormFile("file", attrs.Name); err != nil {
		return nil, "", 0, fmt.Errorf("box: framing upload: %w", err)
	}

	head := bytes.Clone(buf.Bytes())
	buf.Reset()

	if err := mw.Close(); err != nil {
		return nil, "", 0, fmt.Errorf("box: framing upload: %w", err)
	}

	tail := bytes.Clone(buf.Bytes())
	body := io.MultiReader(bytes.NewReader(head), content, bytes.NewReader(tail))

	return body, mw.FormDataContentType(), int64(len(head)) + size + int64(len(tail)), nil
}

// Download implements cloudsync.Backend. The revision is checked against
// the file's metadata before the content request, which Box answers with a
// redirect to a short-lived download URL.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	it, err := b.resolve(ctx, "download", p)
	if err != nil {
		return nil, err
	}

	if it.isFolder() {
		return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, "download", p, errors.New("box: item is a folder"))
	}

	if opts.IfMatch != "" && it.ETag != opts.IfMatch {
		return nil, cloudsync.NewError(cloudsync.KindResourceHasChanged, "download", p,
			fmt.Errorf("box: etag is %s, expected %s", it.ETag, opts.IfMatch))
	}

	resp, err := b.api.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/files/" + it.ID + "/content"})
	if err != nil {
		return nil, transport.Classify("download", p, err, nil)
	}

	return resp.Body, nil
}
