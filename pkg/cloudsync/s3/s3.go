// Package s3 implements a cloudsync backend on an S3 bucket through
// aws-sdk-go-v2. It works against AWS and S3-compatible services.
//
// Object stores have no directories. A directory is any key prefix ending
// in "/" that has objects under it; Mkdir writes an empty "dir/" marker
// object so empty directories survive.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tonimelisma/cloudsync-go/internal/spool"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the S3 backend.
const ProviderID = "s3"

const (
	defaultRegion = "us-east-1"
	delimiter     = "/"

	// spoolLimit is how much non-seekable upload content is buffered in
	// memory before it spills to disk.
	spoolLimit = 8 << 20

	// deleteBatch is the most keys one DeleteObjects call accepts.
	deleteBatch = 1000
)

// Backend talks to one bucket, optionally below a key prefix. Basic
// credentials carry the access key id as username and the secret access
// key as password.
type Backend struct {
	bucket    string
	prefix    string
	region    string
	endpoint  string
	pathStyle bool
	hc        *http.Client
	creds     func() cloudsync.Credentials
	logger    *slog.Logger

	mu     sync.Mutex
	client *s3.Client
	keyFor *cloudsync.BasicCredentials
}

// New builds a backend. Settings: bucket (required), region, prefix and
// path_style. cfg.Endpoint selects an S3-compatible service.
func New(cfg cloudsync.BackendConfig) (*Backend, error) {
	bucket := cfg.Setting("bucket", "")
	if bucket == "" {
		return nil, errors.New("s3: the bucket setting is required")
	}

	pathStyle, err := strconv.ParseBool(cfg.Setting("path_style", "false"))
	if err != nil {
		return nil, fmt.Errorf("s3: invalid path_style: %w", err)
	}

	prefix := strings.Trim(cfg.Setting("prefix", ""), "/")
	if prefix != "" {
		prefix += delimiter
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	creds := cfg.Credentials
	if creds == nil {
		creds = func() cloudsync.Credentials { return nil }
	}

	return &Backend{
		bucket:    bucket,
		prefix:    prefix,
		region:    cfg.Setting("region", defaultRegion),
		endpoint:  cfg.Endpoint,
		pathStyle: pathStyle,
		hc:        hc,
		creds:     creds,
		logger:    logger,
	}, nil
}

// Constructor adapts New to cloudsync.Constructor.
func Constructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return New(cfg)
}

// api returns a client signing with the session's current key pair. The
// client is rebuilt when the session's credentials are replaced.
func (b *Backend) api(ctx context.Context, op string) (*s3.Client, error) {
	basic, ok := b.creds().(*cloudsync.BasicCredentials)
	if !ok || !basic.Valid() {
		return nil, cloudsync.NewError(cloudsync.KindAuthorizationFailed, op, "",
			errors.New("s3: an access key id and secret access key are required"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.keyFor == basic {
		return b.client, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(b.region),
		awsconfig.WithHTTPClient(b.hc),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(basic.Username, basic.Password(), "")),
	)
	if err != nil {
		return nil, cloudsync.NewError(cloudsync.KindCommunicationError, op, "", fmt.Errorf("s3: loading config: %w", err))
	}

	b.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if b.endpoint != "" {
			o.BaseEndpoint = aws.String(b.endpoint)
		}

		o.UsePathStyle = b.pathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	b.keyFor = basic

	return b.client, nil
}

// key maps a file path to its object key.
func (b *Backend) key(p string) string {
	return b.prefix + strings.TrimPrefix(p, "/")
}

// dirKey maps a directory path to the prefix its children share.
func (b *Backend) dirKey(p string) string {
	if p == cloudsync.RootPath {
		return b.prefix
	}

	return b.key(p) + delimiter
}

// pathOf maps an object key back to a path.
func (b *Backend) pathOf(key string) string {
	return "/" + strings.TrimSuffix(strings.TrimPrefix(key, b.prefix), delimiter)
}

// Verify implements cloudsync.Backend by listing at most one key.
func (b *Backend) Verify(ctx context.Context) error {
	api, err := b.api(ctx, "verify")
	if err != nil {
		return err
	}

	_, err = api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.prefix),
		MaxKeys: aws.Int32(1),
	})

	return classify("verify", "", err, false)
}

func dirEntry(p string) cloudsync.Entry {
	return cloudsync.Entry{Type: cloudsync.TypeDirectory, Path: p, ID: p}
}

// Stat implements cloudsync.Backend. An object at the key wins over a
// directory of the same name.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	if p == cloudsync.RootPath {
		return dirEntry(p), nil
	}

	api, err := b.api(ctx, "stat")
	if err != nil {
		return cloudsync.Entry{}, err
	}

	head, err := api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(p))})
	if err == nil {
		return cloudsync.Entry{
			Type:     cloudsync.TypeFile,
			Path:     p,
			ID:       b.key(p),
			Size:     aws.ToInt64(head.ContentLength),
			Revision: aws.ToString(head.ETag),
			ModTime:  aws.ToTime(head.LastModified),
		}, nil
	}

	if err := classify("stat", p, err, false); !cloudsync.IsKind(err, cloudsync.KindNoSuchResource) {
		return cloudsync.Entry{}, err
	}

	isDir, err := b.isDir(ctx, api, "stat", p)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if !isDir {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindNoSuchResource, "stat", p, errors.New("s3: no such key"))
	}

	return dirEntry(p), nil
}

// isDir reports whether any key lives under p's prefix.
func (b *Backend) isDir(ctx context.Context, api *s3.Client, op, p string) (bool, error) {
	if p == cloudsync.RootPath {
		return true, nil
	}

	out, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, classify(op, p, err, false)
	}

	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// requireDir fails with KindNoSuchResource unless p is a directory.
func (b *Backend) requireDir(ctx context.Context, api *s3.Client, op, p string) error {
	ok, err := b.isDir(ctx, api, op, p)
	if err != nil {
		return err
	}

	if !ok {
		return cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, errors.New("s3: no such directory"))
	}

	return nil
}

// List implements cloudsync.Backend. The cursor is the continuation token.
func (b *Backend) List(ctx context.Context, p, cursor string) (cloudsync.Page, error) {
	api, err := b.api(ctx, "list")
	if err != nil {
		return cloudsync.Page{}, err
	}

	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(b.dirKey(p)),
		Delimiter: aws.String(delimiter),
	}

	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}

	out, err := api.ListObjectsV2(ctx, in)
	if err != nil {
		return cloudsync.Page{}, classify("list", p, err, false)
	}

	if cursor == "" && p != cloudsync.RootPath && len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return cloudsync.Page{}, cloudsync.NewError(cloudsync.KindNoSuchResource, "list", p, errors.New("s3: no such directory"))
	}

	page := cloudsync.Page{Entries: make([]cloudsync.Entry, 0, len(out.CommonPrefixes)+len(out.Contents))}

	for _, cp := range out.CommonPrefixes {
		page.Entries = append(page.Entries, dirEntry(b.pathOf(aws.ToString(cp.Prefix))))
	}

	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == b.dirKey(p) {
			continue
		}

		page.Entries = append(page.Entries, b.objectEntry(obj))
	}

	if aws.ToBool(out.IsTruncated) {
		page.Next = aws.ToString(out.NextContinuationToken)
	}

	return page, nil
}

func (b *Backend) objectEntry(obj types.Object) cloudsync.Entry {
	key := aws.ToString(obj.Key)

	return cloudsync.Entry{
		Type:     cloudsync.TypeFile,
		Path:     b.pathOf(key),
		ID:       key,
		Size:     aws.ToInt64(obj.Size),
		Revision: aws.ToString(obj.ETag),
		ModTime:  aws.ToTime(obj.LastModified),
	}
}

// Mkdir implements cloudsync.Backend by writing a directory marker.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	api, err := b.api(ctx, "mkdir")
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if err := b.requireDir(ctx, api, "mkdir", cloudsync.ParentPath(p)); err != nil {
		return cloudsync.Entry{}, err
	}

	if err := b.vacant(ctx, "mkdir", p); err != nil {
		return cloudsync.Entry{}, err
	}

	_, err = api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return cloudsync.Entry{}, classify("mkdir", p, err, false)
	}

	return dirEntry(p), nil
}

// vacant fails with KindResourceConflict when p names a file or directory.
func (b *Backend) vacant(ctx context.Context, op, p string) error {
	_, err := b.Stat(ctx, p)

	switch {
	case err == nil:
		return cloudsync.NewError(cloudsync.KindResourceConflict, op, p, errors.New("s3: already exists"))
	case cloudsync.IsKind(err, cloudsync.KindNoSuchResource):
		return nil
	default:
		return err
	}
}

// Upload implements cloudsync.Backend. Create and IfMatch map onto S3's
// conditional writes (If-None-Match: * and If-Match).
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	api, err := b.api(ctx, "upload")
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if err := b.requireDir(ctx, api, "upload", cloudsync.ParentPath(p)); err != nil {
		return cloudsync.Entry{}, err
	}

	isDir, err := b.isDir(ctx, api, "upload", p)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if isDir {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "upload", p, errors.New("s3: a directory has that name"))
	}

	body, size, cleanup, err := spool.Seekable(r, spoolLimit)
	if err != nil {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindCommunicationError, "upload", p, err)
	}
	defer cleanup()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(p)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}

	switch {
	case opts.Create:
		in.IfNoneMatch = aws.String("*")
	case opts.IfMatch != "":
		in.IfMatch = aws.String(opts.IfMatch)
	}

	out, err := api.PutObject(ctx, in)
	if err != nil {
		return cloudsync.Entry{}, classify("upload", p, err, opts.Create)
	}

	b.logger.Debug("uploaded object", slog.String("key", b.key(p)), slog.Int64("size", size))

	return cloudsync.Entry{
		Type:     cloudsync.TypeFile,
		Path:     p,
		ID:       b.key(p),
		Size:     size,
		Revision: aws.ToString(out.ETag),
		ModTime:  time.Now().UTC(),
	}, nil
}

// Download implements cloudsync.Backend.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	api, err := b.api(ctx, "download")
	if err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(p))}
	if opts.IfMatch != "" {
		in.IfMatch = aws.String(opts.IfMatch)
	}

	out, err := api.GetObject(ctx, in)
	if err != nil {
		return nil, classify("download", p, err, false)
	}

	return out.Body, nil
}

// keysUnder returns every key below the directory p, marker included.
func (b *Backend) keysUnder(ctx context.Context, api *s3.Client, op, p string) ([]string, error) {
	var keys []string

	pages := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.dirKey(p)),
	})

	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify(op, p, err, false)
		}

		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

// Remove implements cloudsync.Backend. Directories are removed with
// everything under them.
func (b *Backend) Remove(ctx context.Context, p string) error {
	e, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}

	api, err := b.api(ctx, "remove")
	if err != nil {
		return err
	}

	if e.Type == cloudsync.TypeFile {
		_, err := api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(p))})
		return classify("remove", p, err, false)
	}

	keys, err := b.keysUnder(ctx, api, "remove", p)
	if err != nil {
		return err
	}

	_, err = b.deleteKeys(ctx, api, "remove", p, keys)

	return err
}

// deleteKeys removes keys in batches. On failure it also returns how many
// leading keys may already be gone.
func (b *Backend) deleteKeys(ctx context.Context, api *s3.Client, op, p string, keys []string) (int, error) {
	for start := 0; start < len(keys); start += deleteBatch {
		batch := keys[start:min(start+deleteBatch, len(keys))]

		ids := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		out, err := api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return start + len(batch), classify(op, p, err, false)
		}

		if len(out.Errors) > 0 {
			first := out.Errors[0]

			return start + len(batch), cloudsync.NewError(cloudsync.KindCommunicationError, op, p,
				fmt.Errorf("s3: deleting %s: %s", aws.ToString(first.Key), aws.ToString(first.Message)))
		}
	}

	return len(keys), nil
}

// Move implements cloudsync.Backend as copy then delete, key by key.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	e, err := b.Stat(ctx, from)
	if err != nil {
		return cloudsync.Entry{}, err
	}

	api, err := b.api(ctx, "move")
	if err != nil {
		return cloudsync.Entry{}, err
	}

	if err := b.requireDir(ctx, api, "move", cloudsync.ParentPath(to)); err != nil {
		return cloudsync.Entry{}, err
	}

	var srcKeys, dstKeys []string

	if e.Type == cloudsync.TypeFile {
		srcKeys, dstKeys = []string{b.key(from)}, []string{b.key(to)}
	} else {
		srcKeys, err = b.keysUnder(ctx, api, "move", from)
		if err != nil {
			return cloudsync.Entry{}, err
		}

		src, dst := b.dirKey(from), b.dirKey(to)
		for _, k := range srcKeys {
			dstKeys = append(dstKeys, dst+strings.TrimPrefix(k, src))
		}
	}

	for i := range srcKeys {
		if err := b.copyKey(ctx, api, from, srcKeys[i], dstKeys[i]); err != nil {
			b.rollback(ctx, api, from, dstKeys[:i])
			return cloudsync.Entry{}, err
		}
	}

	if gone, err := b.deleteKeys(ctx, api, "move", from, srcKeys); err != nil {
		b.undoMove(ctx, api, from, srcKeys, dstKeys, gone)
		return cloudsync.Entry{}, err
	}

	if e.Type == cloudsync.TypeFile {
		return b.Stat(ctx, to)
	}

	b.logger.Info("moved directory", slog.String("from", from), slog.String("to", to), slog.Int("objects", len(srcKeys)))

	return dirEntry(to), nil
}

// rollback removes the copies a failed move already made. Failures are
// only logged; the original error is what the caller sees.
func (b *Backend) rollback(ctx context.Context, api *s3.Client, p string, copied []string) {
	if len(copied) == 0 {
		return
	}

	if _, err := b.deleteKeys(ctx, api, "move", p, copied); err != nil {
		b.logger.Warn("rolling back move failed",
			slog.String("path", p), slog.Int("objects", len(copied)), slog.String("error", err.Error()))
	}
}

// undoMove restores the source of a move whose delete step failed. The
// first gone source keys are copied back from their destinations, then the
// destinations are removed. A destination whose source could not be
// restored is kept, so every object still exists somewhere.
func (b *Backend) undoMove(ctx context.Context, api *s3.Client, p string, srcKeys, dstKeys []string, gone int) {
	keep := make(map[string]bool)

	for i := range gone {
		if err := b.copyKey(ctx, api, p, dstKeys[i], srcKeys[i]); err != nil {
			keep[dstKeys[i]] = true

			b.logger.Warn("restoring moved object failed",
				slog.String("key", srcKeys[i]), slog.String("kept", dstKeys[i]), slog.String("error", err.Error()))
		}
	}

	copied := make([]string, 0, len(dstKeys))
	for _, k := range dstKeys {
		if !keep[k] {
			copied = append(copied, k)
		}
	}

	b.rollback(ctx, api, p, copied)
}

func (b *Backend) copyKey(ctx context.Context, api *s3.Client, p, src, dst string) error {
	source := (&url.URL{Path: b.bucket + "/" + src}).EscapedPath()

	_, err := api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(source),
	})

	return classify("move", p, err, false)
}
