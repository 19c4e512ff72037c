package cloudsync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// EntryType distinguishes directories from files in provider metadata.
type EntryType int

// Entry types.
const (
	TypeDirectory EntryType = iota + 1
	TypeFile
)

func (t EntryType) String() string {
	switch t {
	case TypeDirectory:
		return "directory"
	case TypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Entry is the provider-neutral metadata a Backend reports for one object.
type Entry struct {
	Type     EntryType
	Path     string // cleaned absolute path
	ID       string // provider identifier, may equal Path
	Size     int64
	Revision string // ETag, rev or content hash; empty when unknown
	ModTime  time.Time
}

// Page is one page of a directory listing. Next is the opaque cursor for
// the following page; empty means the listing is complete.
type Page struct {
	Entries []Entry
	Next    string
}

// UploadOptions control how Backend.Upload treats an existing object.
type UploadOptions struct {
	// Create requires that no object exists at the path yet.
	Create bool
	// IfMatch, when set, requires the existing object to carry this revision.
	IfMatch string
	// Size is the content length when known, -1 otherwise.
	Size int64
}

// DownloadOptions control conditional downloads.
type DownloadOptions struct {
	// IfMatch, when set, requires the object to carry this revision.
	IfMatch string
}

// Backend is implemented by each storage provider. All methods receive
// cleaned absolute paths and report failures as *Error values; anything
// else is treated as a communication failure by the session.
type Backend interface {
	// Verify performs a cheap authenticated request to prove the
	// session's credentials are accepted.
	Verify(ctx context.Context) error
	// Stat returns metadata for path, KindNoSuchResource when absent and
	// KindResourceConflict when the path is ambiguous.
	Stat(ctx context.Context, path string) (Entry, error)
	// List returns the page of children of the directory at path that
	// starts at cursor. The empty cursor requests the first page.
	List(ctx context.Context, path, cursor string) (Page, error)
	// Mkdir creates one directory. Parents are never created.
	Mkdir(ctx context.Context, path string) (Entry, error)
	// Upload writes r to path under the constraints in opts.
	Upload(ctx context.Context, path string, r io.Reader, opts UploadOptions) (Entry, error)
	// Download opens the content of the file at path.
	Download(ctx context.Context, path string, opts DownloadOptions) (io.ReadCloser, error)
	// Remove deletes the object at path, recursively for directories.
	Remove(ctx context.Context, path string) error
	// Move renames from to to, failing with KindResourceConflict when to
	// is already occupied.
	Move(ctx context.Context, from, to string) (Entry, error)
}

// AccountInfo is implemented by backends that can name the signed-in user.
type AccountInfo interface {
	DisplayName(ctx context.Context) (string, error)
}

// LogoutBackend is implemented by backends that can revoke the session's
// credentials on the server.
type LogoutBackend interface {
	Logout(ctx context.Context) error
}

// OAuth2Backend is implemented by providers that authenticate with OAuth2.
// The endpoint is bound into OAuth2Credentials that lack one.
type OAuth2Backend interface {
	OAuth2Endpoint() oauth2.Endpoint
}

// BackendConfig is passed to a Constructor when a session is created.
type BackendConfig struct {
	// Endpoint overrides the provider's default base URL.
	Endpoint string
	// Settings holds provider-specific keys such as "bucket" or "drive".
	Settings map[string]string
	// HTTPClient is the client every request must go through.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Credentials returns the session's current credentials. It is a
	// function because Authenticate may swap them after construction.
	Credentials func() Credentials
}

// Setting returns the named setting or def when unset.
func (c BackendConfig) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}

	return def
}

// Constructor builds a Backend for one session.
type Constructor func(cfg BackendConfig) (Backend, error)

// Authorize decorates req with creds: HTTP basic auth for
// BasicCredentials, a bearer token for OAuth2Credentials.
func Authorize(ctx context.Context, req *http.Request, creds Credentials) error {
	switch c := creds.(type) {
	case *BasicCredentials:
		req.SetBasicAuth(c.Username, c.password)
		return nil
	case *OAuth2Credentials:
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return err
		}

		req.Header.Set("Authorization", "Bearer "+tok)

		return nil
	case nil:
		return NewError(KindAuthorizationFailed, "authorize", "", ErrNotAuthenticated)
	default:
		return NewError(KindAuthorizationFailed, "authorize", "", ErrNotSupported)
	}
}

// AuthTransport is an http.RoundTripper that authorizes every request with
// the credentials returned by Credentials. Providers built on third-party
// SDKs install it underneath the SDK's client.
type AuthTransport struct {
	Base        http.RoundTripper
	Credentials func() Credentials
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if err := Authorize(req.Context(), clone, t.Credentials()); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}

		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(clone)
}
