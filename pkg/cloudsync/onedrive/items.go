package onedrive

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// listChildrenPageSize is the $top value for children requests.
// 200 is the maximum allowed by the Graph API for drive item collections.
const listChildrenPageSize = 200

// Timestamp validation bounds. Timestamps outside this range are dropped
// and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into Graph API URLs.
func encodePathSegments(p string) string {
	segments := cloudsync.SplitPath(p)
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// driveItem mirrors the Graph API driveItem JSON.
type driveItem struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 int64        `json:"size"`
	ETag                 string       `json:"eTag"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	File                 *fileFacet   `json:"file"`
	Folder               *folderFacet `json:"folder"`
	Root                 *struct{}    `json:"root"`
	DownloadURL          string       `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // Graph API annotation key
}

type fileFacet struct {
	MimeType string       `json:"mimeType"`
	Hashes   *hashesFacet `json:"hashes"`
}

type hashesFacet struct {
	QuickXorHash string `json:"quickXorHash"`
}

// quickXorHash returns the item's base64 QuickXorHash, or "".
func (it *driveItem) quickXorHash() string {
	if it.File == nil || it.File.Hashes == nil {
		return ""
	}

	return it.File.Hashes.QuickXorHash
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type listChildrenResponse struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type moveItemRequest struct {
	ParentReference *parentRef `json:"parentReference,omitempty"`
	Name            string     `json:"name,omitempty"`
}

type parentRef struct {
	ID string `json:"id"`
}

type userResponse struct {
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// toEntry normalizes a driveItem found at p.
func (d *driveItem) toEntry(p string, logger *slog.Logger) cloudsync.Entry {
	e := cloudsync.Entry{
		Type: cloudsync.TypeFile,
		Path: p,
		ID:   d.ID,
		Size: d.Size,
	}

	if d.Folder != nil || d.Root != nil {
		e.Type = cloudsync.TypeDirectory
		e.Size = 0
	} else {
		e.Revision = d.ETag
	}

	e.ModTime = parseTimestamp(d.LastModifiedDateTime, d.ID, logger)

	return e
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
// Invalid or out-of-range timestamps yield the zero time.
func parseTimestamp(raw, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, ignoring",
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Time{}
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, ignoring",
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Time{}
	}

	return t
}
