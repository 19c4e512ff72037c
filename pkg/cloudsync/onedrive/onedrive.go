// Package onedrive implements a cloudsync backend for OneDrive and
// SharePoint document libraries through the Microsoft Graph API.
package onedrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the OneDrive backend.
const ProviderID = "onedrive"

// DefaultBaseURL is the Microsoft Graph API v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// defaultDrive addresses the signed-in user's default drive.
const defaultDrive = "me/drive"

// Backend talks to one drive through the Graph API. Paths are addressed
// relative to the drive root.
type Backend struct {
	client *transport.Client
	drive  string
	tenant string
	logger *slog.Logger

	// simpleMax and chunkSize bound single-request uploads and upload
	// session chunks. Tests shrink them.
	simpleMax int64
	chunkSize int64
}

// New builds a backend from cfg. Settings: "drive" selects the drive
// ("me/drive", "drives/{id}", "sites/{id}/drive"), "tenant" the Azure AD
// tenant used for token refresh.
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	base := cfg.Endpoint
	if base == "" {
		base = DefaultBaseURL
	}

	drive := strings.Trim(cfg.Setting("drive", defaultDrive), "/")
	if drive == "" {
		return nil, errors.New("onedrive: drive setting is empty")
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
		client:    transport.NewClient(base, cfg.HTTPClient, auth, logger, cfg.Setting("user_agent", "")),
		drive:     drive,
		tenant:    cfg.Setting("tenant", "common"),
		logger:    logger,
		simpleMax: simpleUploadMaxSize,
		chunkSize: defaultChunkSize,
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

// OAuth2Endpoint implements cloudsync.OAuth2Backend.
func (b *Backend) OAuth2Endpoint() oauth2.Endpoint {
	return microsoft.AzureADEndpoint(b.tenant)
}

// itemPath returns the API path addressing the item at p.
func (b *Backend) itemPath(p string) string {
	if p == cloudsync.RootPath {
		return "/" + b.drive + "/root"
	}

	return fmt.Sprintf("/%s/root:/%s:", b.drive, encodePathSegments(p))
}

func (b *Backend) childrenPath(p string) string {
	if p == cloudsync.RootPath {
		return "/" + b.drive + "/root/children"
	}

	return b.itemPath(p) + "/children"
}

func (b *Backend) getItem(ctx context.Context, op, p string) (*driveItem, error) {
	var item driveItem
	if err := b.client.DoJSON(ctx, transport.Request{Method: http.MethodGet, Path: b.itemPath(p)}, &item); err != nil {
		return nil, transport.Classify(op, p, err, nil)
	}

	return &item, nil
}

// Verify implements cloudsync.Backend.
func (b *Backend) Verify(ctx context.Context) error {
	_, err := b.getItem(ctx, "verify", cloudsync.RootPath)
	return err
}

// Stat implements cloudsync.Backend.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	item, err := b.getItem(ctx, "stat", p)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	return item.toEntry(p, b.logger), nil
}

// List implements cloudsync.Backend. The cursor is the @odata.nextLink of
// the previous page.
func (b *Backend) List(ctx context.Context, p, cursor string) (cloudsync.Page, error) {
	reqPath := fmt.Sprintf("%s?$top=%d", b.childrenPath(p), listChildrenPageSize)

	if cursor != "" {
		// The link carries the caller's bearer token; refuse to follow it
		// anywhere but the API itself.
		if !strings.HasPrefix(cursor, b.client.BaseURL()+"/") {
			return cloudsync.Page{}, transport.InvalidResponse("list", p,
				fmt.Errorf("onedrive: nextLink %q does not match base URL %q", cursor, b.client.BaseURL()))
		}

		reqPath = cursor
	}

	var lcr listChildrenResponse
	if err := b.client.DoJSON(ctx, transport.Request{Method: http.MethodGet, Path: reqPath}, &lcr); err != nil {
		return cloudsync.Page{}, transport.Classify("list", p, err, nil)
	}

	page := cloudsync.Page{
		Entries: make([]cloudsync.Entry, 0, len(lcr.Value)),
		Next:    lcr.NextLink,
	}

	for i := range lcr.Value {
		child, err := cloudsync.JoinPath(p, lcr.Value[i].Name)
		if err != nil {
			b.logger.Warn("skipping child with unusable name",
				slog.String("parent", p),
				slog.String("item_id", lcr.Value[i].ID),
			)

			continue
		}

		page.Entries = append(page.Entries, lcr.Value[i].toEntry(child, b.logger))
	}

	b.logger.Debug("fetched children page",
		slog.String("path", p),
		slog.Int("count", len(page.Entries)),
		slog.Bool("more", page.Next != ""),
	)

	return page, nil
}

// Mkdir implements cloudsync.Backend. Uses conflictBehavior "fail" so a
// name collision surfaces as 409.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	body, err := transport.JSONBody(createFolderRequest{
		Name:             cloudsync.BaseName(p),
		Folder:           folderFacet{},
		ConflictBehavior: "fail",
	})
	if err != nil {
		return cloudsync.Entry{}, err
	}

	var item driveItem

	err = b.client.DoJSON(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        b.childrenPath(cloudsync.ParentPath(p)),
		Body:        body,
		ContentType: "application/json",
	}, &item)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("mkdir", p, err, nil)
	}

	return item.toEntry(p, b.logger), nil
}

// Remove implements cloudsync.Backend.
func (b *Backend) Remove(ctx context.Context, p string) error {
	err := b.client.DoJSON(ctx, transport.Request{Method: http.MethodDelete, Path: b.itemPath(p)}, nil)
	if err != nil {
		return transport.Classify("remove", p, err, nil)
	}

	return nil
}

// Move implements cloudsync.Backend. The item is patched with a new name
// and, when the directory changes, a new parent reference.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	req := moveItemRequest{Name: cloudsync.BaseName(to)}

	if cloudsync.ParentPath(from) != cloudsync.ParentPath(to) {
		parent, err := b.getItem(ctx, "move", cloudsync.ParentPath(to))
		if err != nil {
			return cloudsync.Entry{}, err
		}

		req.ParentReference = &parentRef{ID: parent.ID}
	}

	body, err := transport.JSONBody(req)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	var item driveItem

	err = b.client.DoJSON(ctx, transport.Request{
		Method:      http.MethodPatch,
		Path:        b.itemPath(from),
		Body:        body,
		ContentType: "application/json",
	}, &item)
	if err != nil {
		return cloudsync.Entry{}, transport.Classify("move", from, err, nil)
	}

	return item.toEntry(to, b.logger), nil
}

// DisplayName implements cloudsync.AccountInfo.
func (b *Backend) DisplayName(ctx context.Context) (string, error) {
	var user userResponse
	if err := b.client.DoJSON(ctx, transport.Request{Method: http.MethodGet, Path: "/me"}, &user); err != nil {
		return "", transport.Classify("whoami", "", err, nil)
	}

	if user.DisplayName != "" {
		return user.DisplayName, nil
	}

	return user.UserPrincipalName, nil
}
