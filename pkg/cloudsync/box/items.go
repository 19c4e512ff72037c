package box

import (
	"log/slog"
	"time"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// Item types reported in the "type" field.
const (
	typeFile   = "file"
	typeFolder = "folder"
)

// rootFolderID addresses the user's All Files folder.
const rootFolderID = "0"

// itemFields limits responses to what toEntry reads.
const itemFields = "type,id,etag,name,size,modified_at"

// maxListLimit is the largest page Box serves for folder items.
const maxListLimit = 1000

// item mirrors the Box file and folder JSON.
type item struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ETag       string `json:"etag"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

func (it *item) isFolder() bool {
	return it.Type == typeFolder
}

type itemCollection struct {
	Entries    []item `json:"entries"`
	NextMarker string `json:"next_marker"`
}

type parentRef struct {
	ID string `json:"id"`
}

type createFolderRequest struct {
	Name   string    `json:"name"`
	Parent parentRef `json:"parent"`
}

// updateRequest renames and optionally reparents a file or folder.
type updateRequest struct {
	Name   string     `json:"name"`
	Parent *parentRef `json:"parent,omitempty"`
}

type uploadAttributes struct {
	Name   string     `json:"name"`
	Parent *parentRef `json:"parent,omitempty"`
}

type userResponse struct {
	Name  string `json:"name"`
	Login string `json:"login"`
}

func rootItem() *item {
	return &item{Type: typeFolder, ID: rootFolderID}
}

func (it *item) toEntry(p string, logger *slog.Logger) cloudsync.Entry {
	e := cloudsync.Entry{
		Type: cloudsync.TypeFile,
		Path: p,
		ID:   it.ID,
	}

	if it.ModifiedAt != "" {
		t, err := time.Parse(time.RFC3339, it.ModifiedAt)
		if err != nil {
			logger.Warn("ignoring unparseable modified_at",
				slog.String("item_id", it.ID), slog.String("value", it.ModifiedAt))
		} else {
			e.ModTime = t.UTC()
		}
	}

	if it.isFolder() {
		e.Type = cloudsync.TypeDirectory
		return e
	}

	e.Size = it.Size
	e.Revision = it.ETag

	return e
}
