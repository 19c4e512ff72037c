// Package providers assembles a registry holding every built-in backend.
package providers

import (
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/box"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/dropbox"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/gdrive"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/memory"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/nextcloud"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/onedrive"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/s3"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/webdav"
)

// builtins lists the provider ids and constructors NewRegistry installs.
var builtins = []struct {
	id   string
	ctor cloudsync.Constructor
}{
	{box.ProviderID, box.Constructor},
	{dropbox.ProviderID, dropbox.Constructor},
	{gdrive.ProviderID, gdrive.Constructor},
	{memory.ProviderID, memory.NewConstructor},
	{nextcloud.ProviderID, nextcloud.Constructor},
	{onedrive.ProviderID, onedrive.Constructor},
	{s3.ProviderID, s3.Constructor},
	{webdav.ProviderID, webdav.Constructor},
}

// NewRegistry returns a registry with all built-in providers registered.
func NewRegistry() *cloudsync.Registry {
	reg := cloudsync.NewRegistry()

	for _, b := range builtins {
		if err := reg.Register(b.id, b.ctor); err != nil {
			// Built-in ids are distinct constants.
			panic(err)
		}
	}

	return reg
}

// UsesOAuth2 reports whether the provider authenticates with OAuth2 tokens
// rather than a username and password.
func UsesOAuth2(id string) bool {
	switch id {
	case box.ProviderID, dropbox.ProviderID, gdrive.ProviderID, onedrive.ProviderID:
		return true
	default:
		return false
	}
}
