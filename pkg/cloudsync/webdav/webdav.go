// Package webdav implements a cloudsync backend for RFC 4918 servers.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the WebDAV backend.
const ProviderID = "webdav"

const mimeXML = "application/xml; charset=utf-8"

// Backend talks to a WebDAV collection rooted at a base URL.
type Backend struct {
	client *transport.Client
	offset string // URL path of the root collection
	logger *slog.Logger
}

// New builds a backend rooted at cfg.Endpoint.
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	return NewAt(cfg, cfg.Endpoint)
}

// NewAt builds a backend rooted at baseURL, for providers that serve
// WebDAV below a fixed path of their own URL.
func NewAt(cfg cloudsync.BackendConfig, baseURL string) (*Backend, error) {
	if baseURL == "" {
		return nil, errors.New("webdav: endpoint URL is required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("webdav: invalid endpoint %q: %w", baseURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webdav: endpoint %q must be http or https", baseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var auth transport.Authorizer
	if cfg.Credentials != nil {
		auth = transport.SessionAuthorizer(cfg.Credentials)
	}

	return &Backend{
		client: transport.NewClient(baseURL, cfg.HTTPClient, auth, logger, cfg.Setting("user_agent", "")),
		offset: strings.TrimSuffix(u.Path, "/"),
		logger: logger,
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

// Client exposes the underlying HTTP client to wrapping providers.
func (b *Backend) Client() *transport.Client {
	return b.client
}

// requestPath escapes each segment of p for use in a URL path.
func requestPath(p string) string {
	segs := cloudsync.SplitPath(p)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	out := "/" + strings.Join(segs, "/")

	return out
}

func (b *Backend) propfind(ctx context.Context, op, p, depth string) ([]cloudsync.Entry, error) {
	reqPath := requestPath(p)
	if depth == "1" && p != cloudsync.RootPath {
		reqPath += "/"
	}

	resp, err := b.client.Do(ctx, transport.Request{
		Method:      "PROPFIND",
		Path:        reqPath,
		Header:      http.Header{"Depth": {depth}, "Accept": {mimeXML}},
		Body:        strings.NewReader(propfindBody),
		ContentType: mimeXML,
	})
	if err != nil {
		return nil, transport.Classify(op, p, err, nil)
	}
	defer resp.Body.Close()

	entries, err := parseMultistatus(resp.Body, b.offset)
	if err != nil {
		return nil, transport.InvalidResponse(op, p, err)
	}

	return entries, nil
}

// Verify implements cloudsync.Backend.
func (b *Backend) Verify(ctx context.Context) error {
	_, err := b.Stat(ctx, cloudsync.RootPath)
	return err
}

// Stat implements cloudsync.Backend.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	entries, err := b.propfind(ctx, "stat", p, "0")
	if err != nil {
		return cloudsync.Entry{}, err
	}

	for _, e := range entries {
		if e.Path == p {
			return e, nil
		}
	}

	if len(entries) == 1 {
		e := entries[0]
		e.Path = p

		return e, nil
	}

	return cloudsync.Entry{}, transport.InvalidResponse("stat", p,
		fmt.Errorf("expected one resource description, got %d", len(entries)))
}

// List implements cloudsync.Backend. WebDAV returns a collection in one
// response, so there is never a next page.
func (b *Backend) List(ctx context.Context, p, _ string) (cloudsync.Page, error) {
	entries, err := b.propfind(ctx, "list", p, "1")
	if err != nil {
		return cloudsync.Page{}, err
	}

	page := cloudsync.Page{Entries: make([]cloudsync.Entry, 0, len(entries))}

	for _, e := range entries {
		if e.Path == p {
			if e.Type != cloudsync.TypeDirectory {
				return cloudsync.Page{}, cloudsync.NewError(cloudsync.KindNoSuchResource, "list", p, errors.New("not a collection"))
			}

			continue
		}

		page.Entries = append(page.Entries, e)
	}

	return page, nil
}

// Mkdir implements cloudsync.Backend.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	resp, err := b.client.Do(ctx, transport.Request{Method: "MKCOL", Path: requestPath(p)})
	if err != nil {
		// 405: something already lives here. 409: the parent is missing.
		return cloudsync.Entry{}, transport.Classify("mkdir", p, err, transport.Overrides{
			http.StatusMethodNotAllowed: cloudsync.KindResourceConflict,
			http.StatusConflict:         cloudsync.KindNoSuchResource,
		})
	}
	resp.Body.Close()

	return b.Stat(ctx, p)
}

// Upload implements cloudsync.Backend.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	header := http.Header{}
	overrides := transport.Overrides{http.StatusConflict: cloudsync.KindNoSuchResource}

	switch {
	case opts.Create:
		// Not every server honors If-None-Match, so look first.
		if _, err := b.Stat(ctx, p); err == nil {
			return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "upload", p, errors.New("already exists"))
		} else if !cloudsync.IsKind(err, cloudsync.KindNoSuchResource) {
			return cloudsync.Entry{}, err
		}

		header.Set("If-None-Match", "*")
		overrides[http.StatusPreconditionFailed] = cloudsync.KindResourceConflict
	case opts.IfMatch != "":
		header.Set("If-Match", opts.IfMatch)
	}

	req := transport.Request{
		Method:      http.MethodPut,
		Path:        requestPath(p),
		Header:      header,
		Body:        r,
		ContentType: "application/octet-stream",
	}

	if opts.Size > 0 {
		req.ContentLength = opts.Size
	}

	resp, err := b.client.Do(ctx, req)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("upload", p, err, overrides)
	}
	resp.Body.Close()

	b.logger.Debug("uploaded file", slog.String("path", p), slog.String("etag", resp.Header.Get("ETag")))

	return b.Stat(ctx, p)
}

// Download implements cloudsync.Backend.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	header := http.Header{}
	if opts.IfMatch != "" {
		header.Set("If-Match", opts.IfMatch)
	}

	resp, err := b.client.Do(ctx, transport.Request{Method: http.MethodGet, Path: requestPath(p), Header: header})
	if err != nil {
		return nil, transport.Classify("download", p, err, nil)
	}

	return resp.Body, nil
}

// Remove implements cloudsync.Backend.
func (b *Backend) Remove(ctx context.Context, p string) error {
	resp, err := b.client.Do(ctx, transport.Request{Method: http.MethodDelete, Path: requestPath(p)})
	if err != nil {
		return transport.Classify("remove", p, err, nil)
	}
	resp.Body.Close()

	return nil
}

// Move implements cloudsync.Backend.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	resp, err := b.client.Do(ctx, transport.Request{
		Method: "MOVE",
		Path:   requestPath(from),
		Header: http.Header{
			"Destination": {b.client.URL(requestPath(to))},
			"Overwrite":   {"F"},
		},
	})
	if err != nil {
		// 412: the destination exists. 409: its parent does not.
		return cloudsync.Entry{}, transport.Classify("move", from, err, transport.Overrides{
			http.StatusPreconditionFailed: cloudsync.KindResourceConflict,
			http.StatusConflict:           cloudsync.KindNoSuchResource,
		})
	}
	resp.Body.Close()

	return b.Stat(ctx, to)
}
