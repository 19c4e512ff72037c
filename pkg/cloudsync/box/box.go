// Package box implements a cloudsync backend for Box through the Box
// Content API v2.0. Box addresses items by id, so paths are resolved by
// walking folder listings from the root.
package box

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the Box backend.
const ProviderID = "box"

// Default API endpoints.
const (
	DefaultBaseURL   = "https://api.box.com/2.0"
	DefaultUploadURL = "https://upload.box.com/api/2.0"
)

// Endpoint is the Box OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://account.box.com/api/oauth2/authorize",
	TokenURL: "https://api.box.com/oauth2/token",
}

// Backend talks to one Box account.
type Backend struct {
	api    *transport.Client
	upload *transport.Client
	logger *slog.Logger
	limit  int
}

// New builds a backend from cfg. Settings: "upload_endpoint" overrides the
// upload host (it defaults to the API endpoint when that is overridden),
// "page_size" the folder listing page size.
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	base := cfg.Endpoint
	if base == "" {
		base = DefaultBaseURL
	}

	uploadDefault := DefaultUploadURL
	if cfg.Endpoint != "" {
		uploadDefault = cfg.Endpoint
	}

	limit, err := strconv.Atoi(cfg.Setting("page_size", strconv.Itoa(maxListLimit)))
	if err != nil || limit < 1 || limit > maxListLimit {
		return nil, fmt.Errorf("box: page_size must be between 1 and %d", maxListLimit)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var auth transport.Authorizer
	if cfg.Credentials != nil {
		auth = transport.SessionAuthorizer(cfg.Credentials)
	}

	ua := cfg.Setting("user_agent", "")

	return &Backend{
		api:    transport.NewClient(base, cfg.HTTPClient, auth, logger, ua),
		upload: transport.NewClient(cfg.Setting("upload_endpoint", uploadDefault), cfg.HTTPClient, auth, logger, ua),
		logger: logger,
		limit:  limit,
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

// OAuth2Endpoint implements cloudsync.OAuth2Backend.
func (b *Backend) OAuth2Endpoint() oauth2.Endpoint {
	return Endpoint
}

// Verify implements cloudsync.Backend.
func (b *Backend) Verify(ctx context.Context) error {
	var root item

	err := b.api.DoJSON(ctx, transport.Request{Method: http.MethodGet, Path: "/folders/" + rootFolderID + "?fields=id"}, &root)

	return transport.Classify("verify", cloudsync.RootPath, err, nil)
}

// DisplayName implements cloudsync.AccountInfo.
func (b *Backend) DisplayName(ctx context.Context) (string, error) {
	var user userResponse
	if err := b.api.DoJSON(ctx, transport.Request{Method: http.MethodGet, Path: "/users/me?fields=name,login"}, &user); err != nil {
		return "", transport.Classify("whoami", "", err, nil)
	}

	if user.Name != "" {
		return user.Name, nil
	}

	return user.Login, nil
}

func itemsPath(folderID string, limit int, marker string) string {
	q := url.Values{}
	q.Set("fields", itemFields)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("usemarker", "true")

	if marker != "" {
		q.Set("marker", marker)
	}

	return "/folders/" + url.PathEscape(folderID) + "/items?" + q.Encode()
}

func (b *Backend) page(ctx context.Context, op, p, folderID, marker string) (*itemCollection, error) {
	var coll itemCollection
	if err := b.api.DoJSON(ctx, transport.Request{Method: http.MethodGet, Path: itemsPath(folderID, b.limit, marker)}, &coll); err != nil {
		return nil, transport.Classify(op, p, err, nil)
	}

	return &coll, nil
}

// child finds name in folder folderID, paging through the listing. A
// missing name returns nil without error.
func (b *Backend) child(ctx context.Context, op, p, folderID, name string) (*item, error) {
	marker := ""

	for {
		coll, err := b.page(ctx, op, p, folderID, marker)
		if err != nil {
			return nil, err
		}

		for i := range coll.Entries {
			if coll.Entries[i].Name == name {
				return &coll.Entries[i], nil
			}
		}

		if coll.NextMarker == "" {
			return nil, nil
		}

		marker = coll.NextMarker
	}
}

// resolve walks p from the root folder.
func (b *Backend) resolve(ctx context.Context, op, p string) (*item, error) {
	cur := rootItem()

	for _, name := range cloudsync.SplitPath(p) {
		if !cur.isFolder() {
			return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, errors.New("box: path crosses a file"))
		}

		next, err := b.child(ctx, op, p, cur.ID, name)
		if err != nil {
			return nil, err
		}

		if next == nil {
			return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, nil)
		}

		cur = next
	}

	return cur, nil
}

func (b *Backend) resolveFolder(ctx context.Context, op, p string) (*item, error) {
	it, err := b.resolve(ctx, op, p)
	if err != nil {
		return nil, err
	}

	if !it.isFolder() {
		return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, errors.New("box: not a folder"))
	}

	return it, nil
}

// Stat implements cloudsync.Backend.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	it, err := b.resolve(ctx, "stat", p)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	return it.toEntry(p, b.logger), nil
}

// List implements cloudsync.Backend. The cursor is Box's next_marker.
func (b *Backend) List(ctx context.Context, p, cursor string) (cloudsync.Page, error) {
	dir, err := b.resolveFolder(ctx, "list", p)
	if err != nil {
		return cloudsync.Page{}, err
	}

	coll, err := b.page(ctx, "list", p, dir.ID, cursor)
	if err != nil {
		return cloudsync.Page{}, err
	}

	page := cloudsync.Page{Entries: make([]cloudsync.Entry, 0, len(coll.Entries)), Next: coll.NextMarker}

	for i := range coll.Entries {
		it := &coll.Entries[i]
		if it.Type != typeFile && it.Type != typeFolder {
			// Web links have no content to sync.
			continue
		}

		child, err := cloudsync.JoinPath(p, it.Name)
		if err != nil {
			b.logger.Warn("skipping child with unusable name", slog.String("parent", p), slog.String("item_id", it.ID))
			continue
		}

		page.Entries = append(page.Entries, it.toEntry(child, b.logger))
	}

	return page, nil
}

// Mkdir implements cloudsync.Backend. Box answers 409 when the name is
// taken.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	parent, err := b.resolveFolder(ctx, "mkdir", cloudsync.ParentPath(p))
	if err != nil {
		return cloudsync.Entry{}, err
	}

	body, err := transport.JSONBody(createFolderRequest{Name: cloudsync.BaseName(p), Parent: parentRef{ID: parent.ID}})
	if err != nil {
		return cloudsync.Entry{}, err
	}

	var created item

	err = b.api.DoJSON(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/folders?fields=" + itemFields,
		Body:        body,
		ContentType: "application/json",
	}, &created)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("mkdir", p, err, nil)
	}

	return created.toEntry(p, b.logger), nil
}

func itemPath(it *item) string {
	if it.isFolder() {
		return "/folders/" + url.PathEscape(it.ID)
	}

	return "/files/" + url.PathEscape(it.ID)
}

// Remove implements cloudsync.Backend. Folders are deleted recursively.
func (b *Backend) Remove(ctx context.Context, p string) error {
	it, err := b.resolve(ctx, "remove", p)
	if err != nil {
		return err
	}

	reqPath := itemPath(it)
	if it.isFolder() {
		reqPath += "?recursive=true"
	}

	err = b.api.DoJSON(ctx, transport.Request{Method: http.MethodDelete, Path: reqPath}, nil)

	return transport.Classify("remove", p, err, nil)
}

// Move implements cloudsync.Backend by updating the item's name and, when
// the folder changes, its parent.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	it, err := b.resolve(ctx, "move", from)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	req := updateRequest{Name: cloudsync.BaseName(to)}

	if cloudsync.ParentPath(from) != cloudsync.ParentPath(to) {
		parent, err := b.resolveFolder(ctx, "move", cloudsync.ParentPath(to))
		if err != nil {
			return cloudsync.Entry{}, err
		}

		req.Parent = &parentRef{ID: parent.ID}
	}

	body, err := transport.JSONBody(req)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	var moved item

	err = b.api.DoJSON(ctx, transport.Request{
		Method:      http.MethodPut,
		Path:        itemPath(it) + "?fields=" + itemFields,
		Body:        body,
		ContentType: "application/json",
	}, &moved)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("move", from, err, nil)
	}

	return moved.toEntry(to, b.logger), nil
}
