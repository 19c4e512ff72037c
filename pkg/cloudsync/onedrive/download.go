package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/cloudsync-go/internal/transport"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// Download implements cloudsync.Backend. It fetches the item metadata to
// check the revision and obtain the pre-authenticated download URL, then
// streams the content from that URL without an Authorization header. The
// URL is never logged because it embeds a credential. The content is
// checked against the item's QuickXorHash when the stream is read to EOF.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	item, err := b.getItem(ctx, "download", p)
	if err != nil {
		return nil, err
	}

	if item.Folder != nil || item.Root != nil {
		return nil, cloudsync.NewError(cloudsync.KindNoSuchResource, "download", p, errors.New("onedrive: item is a folder"))
	}

	if opts.IfMatch != "" && item.ETag != opts.IfMatch {
		return nil, cloudsync.NewError(cloudsync.KindResourceHasChanged, "download", p,
			fmt.Errorf("onedrive: eTag is %s, expected %s", item.ETag, opts.IfMatch))
	}

	if item.DownloadURL == "" {
		if item.Size == 0 {
			return io.NopCloser(strings.NewReader("")), nil
		}

		b.logger.Warn("item has no download URL", slog.String("path", p), slog.String("item_id", item.ID))

		return nil, transport.InvalidResponse("download", p, errors.New("onedrive: item has no download URL"))
	}

	resp, err := b.client.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   item.DownloadURL,
		NoAuth: true,
	})
	if err != nil {
		return nil, transport.Classify("download", p, err, nil)
	}

	return newVerifyingReader(resp.Body, item.quickXorHash(), p), nil
}

func decodeItem(resp *http.Response) (*driveItem, error) {
	defer resp.Body.Close()

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("onedrive: decoding item: %w", err)
	}

	return &item, nil
}
