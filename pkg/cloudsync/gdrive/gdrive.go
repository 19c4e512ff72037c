// Package gdrive implements a cloudsync backend on the Google Drive v3 API.
//
// Drive addresses files by ID and allows several files with the same name
// in one folder. Paths are resolved one segment at a time; a segment that
// matches more than one file is reported as KindResourceConflict.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the Google Drive backend.
const ProviderID = "gdrive"

const (
	folderMime = "application/vnd.google-apps.folder"
	fileFields = "id,name,mimeType,size,modifiedTime,version,parents"
	listFields = "nextPageToken,files(" + fileFields + ")"

	listPageSize = 200
)

// Backend talks to one Drive, rooted at the "root" setting (default: the
// user's My Drive).
type Backend struct {
	svc    *drive.Service
	rootID string
	logger *slog.Logger
}

// New builds a backend. cfg.Endpoint overrides the API base path, e.g.
// "https://www.googleapis.com/drive/v3/".
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	creds := cfg.Credentials
	if creds == nil {
		creds = func() cloudsync.Credentials { return nil }
	}

	authed := &http.Client{
		Transport:     &cloudsync.AuthTransport{Base: hc.Transport, Credentials: creds},
		Timeout:       hc.Timeout,
		CheckRedirect: hc.CheckRedirect,
		Jar:           hc.Jar,
	}

	opts := []option.ClientOption{option.WithHTTPClient(authed)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	if ua := cfg.Setting("user_agent", ""); ua != "" {
		opts = append(opts, option.WithUserAgent(ua))
	}

	svc, err := drive.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating service: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		svc:    svc,
		rootID: cfg.Setting("root", "root"),
		logger: logger,
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

// OAuth2Endpoint implements cloudsync.OAuth2Backend.
func (b *Backend) OAuth2Endpoint() oauth2.Endpoint {
	return google.Endpoint
}

// Verify implements cloudsync.Backend.
func (b *Backend) Verify(ctx context.Context) error {
	_, err := b.svc.About.Get().Fields("user").Context(ctx).Do()
	return classify("verify", "", err)
}

// DisplayName implements cloudsync.AccountInfo.
func (b *Backend) DisplayName(ctx context.Context) (string, error) {
	about, err := b.svc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return "", classify("whoami", "", err)
	}

	if about.User == nil {
		return "", cloudsync.NewError(cloudsync.KindInvalidResponse, "whoami", "", errors.New("gdrive: about has no user"))
	}

	if about.User.DisplayName != "" {
		return about.User.DisplayName, nil
	}

	return about.User.EmailAddress, nil
}

// quote escapes s for a single-quoted string in a Drive query.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, `'`, `\'`) + "'"
}

func (b *Backend) root() *drive.File {
	return &drive.File{Id: b.rootID, MimeType: folderMime}
}

// lookup finds the single child of parentID called name.
func (b *Backend) lookup(ctx context.Context, op, p, parentID, name string) (*drive.File, error) {
	q := fmt.Sprintf("%s in parents and name = %s and trashed = false", quote(parentID), quote(name))

	list, err := b.svc.Files.List().Q(q).Fields(listFields).PageSize(2).Context(ctx).Do()
	if err != nil {
		return nil, classify(op, p, err)
	}

	switch len(list.Files) {
	case 0:
		return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, fmt.Errorf("gdrive: no %q in folder", name))
	case 1:
		return list.Files[0], nil
	default:
		return nil, cloudsync.NewError(cloudsync.KindResourceConflict, op, p,
			fmt.Errorf("gdrive: %d files named %q in one folder", len(list.Files), name))
	}
}

// resolve walks p from the root, one lookup per segment.
func (b *Backend) resolve(ctx context.Context, op, p string) (*drive.File, error) {
	cur := b.root()

	for _, seg := range cloudsync.SplitPath(p) {
		if cur.MimeType != folderMime {
			return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, fmt.Errorf("gdrive: %q is not a folder", cur.Name))
		}

		next, err := b.lookup(ctx, op, p, cur.Id, seg)
		if err != nil {
			return nil, err
		}

		cur = next
	}

	return cur, nil
}

// resolveFolder resolves p and requires a folder.
func (b *Backend) resolveFolder(ctx context.Context, op, p string) (*drive.File, error) {
	f, err := b.resolve(ctx, op, p)
	if err != nil {
		return nil, err
	}

	if f.MimeType != folderMime {
		return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, errors.New("gdrive: not a folder"))
	}

	return f, nil
}

// Stat implements cloudsync.Backend.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	f, err := b.resolve(ctx, "stat", p)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	return b.toEntry(f, p), nil
}

// List implements cloudsync.Backend. The cursor is Drive's page token.
func (b *Backend) List(ctx context.Context, p, cursor string) (cloudsync.Page, error) {
	dir, err := b.resolveFolder(ctx, "list", p)
	if err != nil {
		return cloudsync.Page{}, err
	}

	call := b.svc.Files.List().
		Q(quote(dir.Id) + " in parents and trashed = false").
		Fields(listFields).
		OrderBy("name").
		PageSize(listPageSize)

	if cursor != "" {
		call = call.PageToken(cursor)
	}

	list, err := call.Context(ctx).Do()
	if err != nil {
		return cloudsync.Page{}, classify("list", p, err)
	}

	page := cloudsync.Page{
		Entries: make([]cloudsync.Entry, 0, len(list.Files)),
		Next:    list.NextPageToken,
	}

	for _, f := range list.Files {
		child, err := cloudsync.JoinPath(p, f.Name)
		if err != nil {
			b.logger.Warn("skipping child with unusable name", slog.String("parent", p), slog.String("file_id", f.Id))
			continue
		}

		page.Entries = append(page.Entries, b.toEntry(f, child))
	}

	return page, nil
}

// Mkdir implements cloudsync.Backend.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	parent, err := b.resolveFolder(ctx, "mkdir", cloudsync.ParentPath(p))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if err := b.vacant(ctx, "mkdir", p, parent.Id); err != nil {
		return cloudsync.Entry{}, err
	}

	f, err := b.svc.Files.Create(&drive.File{
		Name:     cloudsync.BaseName(p),
		MimeType: folderMime,
		Parents:  []string{parent.Id},
	}).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return cloudsync.Entry{}, classify("mkdir", p, err)
	}

	return b.toEntry(f, p), nil
}

// vacant fails with KindResourceConflict when parentID already holds a
// file named like p.
func (b *Backend) vacant(ctx context.Context, op, p, parentID string) error {
	_, err := b.lookup(ctx, op, p, parentID, cloudsync.BaseName(p))

	switch {
	case err == nil:
		return cloudsync.NewError(cloudsync.KindResourceConflict, op, p, errors.New("gdrive: name already taken"))
	case cloudsync.IsKind(err, cloudsync.KindNoSuchResource):
		return nil
	default:
		return err
	}
}

// Upload implements cloudsync.Backend. Drive has no conditional writes,
// so the revision is compared just before the content is replaced.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	parent, err := b.resolveFolder(ctx, "upload", cloudsync.ParentPath(p))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	existing, err := b.lookup(ctx, "upload", p, parent.Id, cloudsync.BaseName(p))

	switch {
	case err != nil && !cloudsync.IsKind(err, cloudsync.KindNoSuchResource):
		return cloudsync.Entry{}, err
	case err != nil && opts.IfMatch != "":
		return cloudsync.Entry{}, err
	case err == nil && opts.Create:
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "upload", p, errors.New("gdrive: already exists"))
	case err == nil && existing.MimeType == folderMime:
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "upload", p, errors.New("gdrive: a folder has that name"))
	case err == nil && opts.IfMatch != "" && revision(existing) != opts.IfMatch:
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceHasChanged, "upload", p,
			fmt.Errorf("gdrive: version is %s, expected %s", revision(existing), opts.IfMatch))
	}

	var f *drive.File

	if existing == nil {
		f, err = b.svc.Files.Create(&drive.File{
			Name:    cloudsync.BaseName(p),
			Parents: []string{parent.Id},
		}).Media(r).Fields(fileFields).Context(ctx).Do()
	} else {
		f, err = b.svc.Files.Update(existing.Id, &drive.File{}).Media(r).Fields(fileFields).Context(ctx).Do()
	}

	if err != nil {
		return cloudsync.Entry{}, classify("upload", p, err)
	}

	b.logger.Debug("uploaded file", slog.String("path", p), slog.String("file_id", f.Id))

	return b.toEntry(f, p), nil
}

// Download implements cloudsync.Backend.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	f, err := b.resolve(ctx, "download", p)
	if err != nil {
		return nil, err
	}

	if f.MimeType == folderMime {
		return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, "download", p, errors.New("gdrive: is a folder"))
	}

	if opts.IfMatch != "" && revision(f) != opts.IfMatch {
		return nil, cloudsync.NewError(cloudsync.KindResourceHasChanged, "download", p,
			fmt.Errorf("gdrive: version is %s, expected %s", revision(f), opts.IfMatch))
	}

	resp, err := b.svc.Files.Get(f.Id).Context(ctx).Download()
	if err != nil {
		return nil, classify("download", p, err)
	}

	return resp.Body, nil
}

// Remove implements cloudsync.Backend. Files are deleted, not trashed.
func (b *Backend) Remove(ctx context.Context, p string) error {
	f, err := b.resolve(ctx, "remove", p)
	if err != nil {
		return err
	}

	return classify("remove", p, b.svc.Files.Delete(f.Id).Context(ctx).Do())
}

// Move implements cloudsync.Backend.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	f, err := b.resolve(ctx, "move", from)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	oldParent, err := b.resolveFolder(ctx, "move", cloudsync.ParentPath(from))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	newParent, err := b.resolveFolder(ctx, "move", cloudsync.ParentPath(to))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if err := b.vacant(ctx, "move", to, newParent.Id); err != nil {
		return cloudsync.Entry{}, err
	}

	call := b.svc.Files.Update(f.Id, &drive.File{Name: cloudsync.BaseName(to)}).Fields(fileFields)
	if oldParent.Id != newParent.Id {
		call = call.AddParents(newParent.Id).RemoveParents(oldParent.Id)
	}

	moved, err := call.Context(ctx).Do()
	if err != nil {
		return cloudsync.Entry{}, classify("move", from, err)
	}

	return b.toEntry(moved, to), nil
}

// revision identifies a file's content. Drive bumps version on every
// change to the file.
func revision(f *drive.File) string {
	return strconv.FormatInt(f.Version, 10)
}

func (b *Backend) toEntry(f *drive.File, p string) cloudsync.Entry {
	e := cloudsync.Entry{Type: cloudsync.TypeFile, Path: p, ID: f.Id}

	if f.MimeType == folderMime {
		e.Type = cloudsync.TypeDirectory
	} else {
		e.Size = f.Size
		e.Revision = revision(f)
	}

	if f.ModifiedTime != "" {
		t, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			b.logger.Warn("invalid modifiedTime", slog.String("file_id", f.Id), slog.String("raw", f.ModifiedTime))
		} else {
			e.ModTime = t
		}
	}

	return e
}

// classify maps Drive API failures onto error kinds. 403 is a permission
// problem unless Drive says it is rate limiting.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}

	var ce *cloudsync.Error
	if errors.As(err, &ce) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return cloudsync.NewError(cloudsync.KindCommunicationError, op, p, err)
	}

	kind := cloudsync.KindCommunicationError

	switch gerr.Code {
	case http.StatusUnauthorized:
		kind = cloudsync.KindAuthorizationFailed
	case http.StatusForbidden:
		kind = cloudsync.KindPermissionDenied

		for _, item := range gerr.Errors {
			if strings.Contains(item.Reason, "RateLimitExceeded") || item.Reason == "rateLimitExceeded" {
				kind = cloudsync.KindCommunicationError
			}
		}
	case http.StatusNotFound:
		kind = cloudsync.KindNoSuchResource
	case http.StatusConflict:
		kind = cloudsync.KindResourceConflict
	case http.StatusPreconditionFailed:
		kind = cloudsync.KindResourceHasChanged
	}

	return cloudsync.NewError(kind, op, p, fmt.Errorf("gdrive: %w", err))
}
