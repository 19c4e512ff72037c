// Package dropbox implements a cloudsync backend on the Dropbox v2 API
// through the dropbox-sdk-go-unofficial SDK.
package dropbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the Dropbox backend.
const ProviderID = "dropbox"

// listPageSize bounds entries per list_folder page.
const listPageSize = 500

// Backend talks to one Dropbox account. Every call builds a short-lived SDK
// client bound to the caller's context, since the SDK itself takes none.
type Backend struct {
	httpClient *http.Client
	creds      func() cloudsync.Credentials
	endpoint   string
	logger     *slog.Logger

	// simpleMax and chunkSize bound single-request uploads and upload
	// session chunks. Tests shrink them.
	simpleMax int64
	chunkSize int64
}

// New builds a backend. cfg.Endpoint, when set, replaces both API hosts
// and is used against test servers.
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("dropbox: invalid endpoint %q", cfg.Endpoint)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	creds := cfg.Credentials
	if creds == nil {
		creds = func() cloudsync.Credentials { return nil }
	}

	return &Backend{
		httpClient: hc,
		creds:      creds,
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		logger:     logger,
		simpleMax:  simpleUploadMaxSize,
		chunkSize:  defaultChunkSize,
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

// OAuth2Endpoint implements cloudsync.OAuth2Backend.
func (b *Backend) OAuth2Endpoint() oauth2.Endpoint {
	return dropbox.OAuthEndpoint("")
}

// ctxTransport binds every request to one context.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func (b *Backend) config(ctx context.Context) dropbox.Config {
	base := b.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	cfg := dropbox.Config{
		LogLevel: dropbox.LogOff,
		Client: &http.Client{
			Transport: ctxTransport{
				ctx:  ctx,
				base: &cloudsync.AuthTransport{Base: base, Credentials: b.creds},
			},
			Timeout: b.httpClient.Timeout,
		},
	}

	if b.endpoint != "" {
		endpoint := b.endpoint
		cfg.URLGenerator = func(_, namespace, route string) string {
			return fmt.Sprintf("%s/2/%s/%s", endpoint, namespace, route)
		}
	}

	return cfg
}

func (b *Backend) api(ctx context.Context) files.Client {
	return files.New(b.config(ctx))
}

// apiPath converts a cloudsync path to Dropbox's form, where the root is
// the empty string.
func apiPath(p string) string {
	if p == cloudsync.RootPath {
		return ""
	}

	return p
}

var rootEntry = cloudsync.Entry{Type: cloudsync.TypeDirectory, Path: cloudsync.RootPath, ID: cloudsync.RootPath}

// Verify implements cloudsync.Backend.
func (b *Backend) Verify(ctx context.Context) error {
	_, err := users.New(b.config(ctx)).GetCurrentAccount()
	return classify("verify", "", err, false)
}

// DisplayName implements cloudsync.AccountInfo.
func (b *Backend) DisplayName(ctx context.Context) (string, error) {
	acct, err := users.New(b.config(ctx)).GetCurrentAccount()
	if err != nil {
		return "", classify("whoami", "", err, false)
	}

	if acct.Name != nil && acct.Name.DisplayName != "" {
		return acct.Name.DisplayName, nil
	}

	return acct.Email, nil
}

// Logout implements cloudsync.LogoutBackend by revoking the access token.
func (b *Backend) Logout(ctx context.Context) error {
	return classify("logout", "", auth.New(b.config(ctx)).TokenRevoke(), false)
}

// Stat implements cloudsync.Backend. Dropbox has no metadata for the root
// folder, so it is synthesized.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	if p == cloudsync.RootPath {
		return rootEntry, nil
	}

	md, err := b.api(ctx).GetMetadata(files.NewGetMetadataArg(apiPath(p)))
	if err != nil {
		return cloudsync.Entry{}, classify("stat", p, err, false)
	}

	e, ok := toEntry(md, p)
	if !ok {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindNoSuchResource, "stat", p, errors.New("dropbox: deleted"))
	}

	return e, nil
}

// List implements cloudsync.Backend. The cursor is Dropbox's own
// list_folder cursor.
func (b *Backend) List(ctx context.Context, p, cursor string) (cloudsync.Page, error) {
	var (
		res *files.ListFolderResult
		err error
	)

	if cursor == "" {
		arg := files.NewListFolderArg(apiPath(p))
		arg.Limit = listPageSize
		res, err = b.api(ctx).ListFolder(arg)
	} else {
		res, err = b.api(ctx).ListFolderContinue(files.NewListFolderContinueArg(cursor))
	}

	if err != nil {
		return cloudsync.Page{}, classify("list", p, err, false)
	}

	page := cloudsync.Page{Entries: make([]cloudsync.Entry, 0, len(res.Entries))}

	for _, md := range res.Entries {
		name := metadataName(md)

		child, err := cloudsync.JoinPath(p, name)
		if err != nil {
			b.logger.Warn("skipping child with unusable name", slog.String("parent", p), slog.String("name", name))
			continue
		}

		if e, ok := toEntry(md, child); ok {
			page.Entries = append(page.Entries, e)
		}
	}

	if res.HasMore {
		page.Next = res.Cursor
	}

	return page, nil
}

// Mkdir implements cloudsync.Backend.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	res, err := b.api(ctx).CreateFolderV2(files.NewCreateFolderArg(apiPath(p)))
	if err != nil {
		return cloudsync.Entry{}, classify("mkdir", p, err, false)
	}

	e := cloudsync.Entry{Type: cloudsync.TypeDirectory, Path: p, ID: p}
	if res.Metadata != nil && res.Metadata.Id != "" {
		e.ID = res.Metadata.Id
	}

	return e, nil
}

// Remove implements cloudsync.Backend.
func (b *Backend) Remove(ctx context.Context, p string) error {
	_, err := b.api(ctx).DeleteV2(files.NewDeleteArg(apiPath(p)))
	return classify("remove", p, err, false)
}

// Move implements cloudsync.Backend.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	res, err := b.api(ctx).MoveV2(files.NewRelocationArg(apiPath(from), apiPath(to)))
	if err != nil {
		return cloudsync.Entry{}, classify("move", from, err, false)
	}

	e, ok := toEntry(res.Metadata, to)
	if !ok {
		return b.Stat(ctx, to)
	}

	return e, nil
}

func metadataName(md files.IsMetadata) string {
	switch m := md.(type) {
	case *files.FileMetadata:
		return m.Name
	case *files.FolderMetadata:
		return m.Name
	case *files.DeletedMetadata:
		return m.Name
	default:
		return ""
	}
}

// toEntry converts SDK metadata found at p. Deleted entries report false.
func toEntry(md files.IsMetadata, p string) (cloudsync.Entry, bool) {
	switch m := md.(type) {
	case *files.FileMetadata:
		return fileEntry(m, p), true
	case *files.FolderMetadata:
		return cloudsync.Entry{Type: cloudsync.TypeDirectory, Path: p, ID: m.Id}, true
	default:
		return cloudsync.Entry{}, false
	}
}

func fileEntry(m *files.FileMetadata, p string) cloudsync.Entry {
	return cloudsync.Entry{
		Type:     cloudsync.TypeFile,
		Path:     p,
		ID:       m.Id,
		Size:     int64(m.Size), //nolint:gosec // sizes fit in int64
		Revision: m.Rev,
		ModTime:  m.ServerModified,
	}
}

// classify maps SDK failures onto error kinds. Route errors carry an
// error_summary such as "path/not_found/.." that names the cause. A
// conflict on a revision-conditioned write means the file changed.
func classify(op, p string, err error, conditional bool) error {
	if err == nil {
		return nil
	}

	var ce *cloudsync.Error
	if errors.As(err, &ce) {
		return err
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return cloudsync.NewError(cloudsync.KindCommunicationError, op, p, err)
	}

	summary := err.Error()
	kind := cloudsync.KindCommunicationError

	switch {
	case containsAny(summary, "invalid_access_token", "expired_access_token", "user_suspended", "invalid_select_user"):
		kind = cloudsync.KindAuthorizationFailed
	case containsAny(summary, "not_found", "not_file", "not_folder"):
		kind = cloudsync.KindNoSuchResource
	case strings.Contains(summary, "conflict") && conditional:
		kind = cloudsync.KindResourceHasChanged
	case strings.Contains(summary, "conflict"):
		kind = cloudsync.KindResourceConflict
	case containsAny(summary, "no_write_permission", "missing_scope", "access_denied", "restricted_content", "cant_move_into_vault"):
		kind = cloudsync.KindPermissionDenied
	}

	return cloudsync.NewError(kind, op, p, fmt.Errorf("dropbox: %w", err))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}
