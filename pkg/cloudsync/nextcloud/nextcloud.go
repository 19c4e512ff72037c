// Package nextcloud implements a cloudsync backend for Nextcloud and
// ownCloud servers: WebDAV for files plus the OCS API for account
// information and app-password revocation.
package nextcloud

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/webdav"
)

// ProviderID is the registry id of the Nextcloud backend.
const ProviderID = "nextcloud"

// davPath is where Nextcloud serves the user's files over WebDAV.
const davPath = "/remote.php/webdav"

// Backend is a WebDAV backend with Nextcloud account extensions.
type Backend struct {
	*webdav.Backend

	ocs *transport.Client
}

// New builds a backend for the server at cfg.Endpoint, e.g.
// "https://cloud.example.com".
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("nextcloud: server URL is required")
	}

	base := strings.TrimSuffix(cfg.Endpoint, "/")

	dav, err := webdav.NewAt(cfg, base+davPath)
	if err != nil {
		return nil, fmt.Errorf("nextcloud: %w", err)
	}

	var auth transport.Authorizer
	if cfg.Credentials != nil {
		auth = transport.SessionAuthorizer(cfg.Credentials)
	}

	return &Backend{
		Backend: dav,
		ocs:     transport.NewClient(base, cfg.HTTPClient, auth, cfg.Logger, cfg.Setting("user_agent", "")),
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

var ocsHeader = http.Header{
	"OCS-APIRequest": {"true"},
	"Accept":         {"application/xml"},
}

type ocsUser struct {
	XMLName xml.Name `xml:"ocs"`
	Data    struct {
		ID          string `xml:"id"`
		DisplayName string `xml:"display-name"`
	} `xml:"data"`
}

// DisplayName implements cloudsync.AccountInfo.
func (b *Backend) DisplayName(ctx context.Context) (string, error) {
	resp, err := b.ocs.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/ocs/v1.php/cloud/user",
		Header: ocsHeader.Clone(),
	})
	if err != nil {
		return "", transport.Classify("whoami", "", err, nil)
	}
	defer resp.Body.Close()

	var user ocsUser
	if err := xml.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", transport.InvalidResponse("whoami", "", fmt.Errorf("nextcloud: parsing user: %w", err))
	}

	if user.Data.DisplayName != "" {
		return user.Data.DisplayName, nil
	}

	return user.Data.ID, nil
}

// Logout implements cloudsync.LogoutBackend by deleting the app password
// the session authenticates with.
func (b *Backend) Logout(ctx context.Context) error {
	resp, err := b.ocs.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "/ocs/v2.php/core/apppassword",
		Header: ocsHeader.Clone(),
	})
	if err != nil {
		return transport.Classify("logout", "", err, nil)
	}
	resp.Body.Close()

	return nil
}
