package webdav

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:prop>
    <d:getlastmodified />
    <d:getetag />
    <d:getcontenttype />
    <d:resourcetype />
    <d:getcontentlength />
    <oc:fileid />
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	ETag          string       `xml:"DAV: getetag"`
	ContentLength string       `xml:"DAV: getcontentlength"`
	LastModified  string       `xml:"DAV: getlastmodified"`
	FileID        string       `xml:"http://owncloud.org/ns fileid"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// parseMultistatus decodes a PROPFIND response into entries. offset is the
// URL path of the collection the cloud's root maps to; it is stripped from
// every href.
func parseMultistatus(r io.Reader, offset string) ([]cloudsync.Entry, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, fmt.Errorf("webdav: parsing multistatus: %w", err)
	}

	entries := make([]cloudsync.Entry, 0, len(ms.Responses))

	for _, resp := range ms.Responses {
		p, err := hrefToPath(resp.Href, offset)
		if err != nil {
			return nil, err
		}

		e := cloudsync.Entry{Type: cloudsync.TypeFile, Path: p}

		for _, ps := range resp.Propstats {
			if !okStatus(ps.Status) {
				continue
			}

			if ps.Prop.ResourceType.Collection != nil {
				e.Type = cloudsync.TypeDirectory
			}

			if ps.Prop.ETag != "" {
				e.Revision = ps.Prop.ETag
			}

			if ps.Prop.FileID != "" {
				e.ID = ps.Prop.FileID
			}

			if n, err := strconv.ParseInt(strings.TrimSpace(ps.Prop.ContentLength), 10, 64); err == nil {
				e.Size = n
			}

			if t, err := http.ParseTime(ps.Prop.LastModified); err == nil {
				e.ModTime = t
			}
		}

		if e.Type == cloudsync.TypeDirectory {
			e.Size = 0
			e.Revision = ""
		}

		entries = append(entries, e)
	}

	return entries, nil
}

// okStatus accepts a missing status line or a 2xx one.
func okStatus(status string) bool {
	if status == "" {
		return true
	}

	fields := strings.Fields(status)
	if len(fields) < 2 {
		return false
	}

	return strings.HasPrefix(fields[1], "2")
}

func hrefToPath(href, offset string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("webdav: invalid href %q: %w", href, err)
	}

	p := strings.TrimPrefix(u.Path, strings.TrimSuffix(offset, "/"))

	clean, err := cloudsync.CleanPath(p)
	if err != nil {
		return "", fmt.Errorf("webdav: href %q: %w", href, err)
	}

	return clean, nil
}
