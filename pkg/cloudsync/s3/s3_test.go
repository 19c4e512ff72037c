package s3

import (
	"context"
	"crypto/md5" //nolint:gosec // S3 ETags are MD5 digests
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

const (
	testBucket = "photos"
	goodKeyID  = "AKIDGOOD"
)

var fakeModTime = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

// fakeS3 is a path-style, single-bucket object store.
type fakeS3 struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	copies   int

	// denyDelete names a key DeleteObjects reports as AccessDenied.
	denyDelete string
}

func newFakeS3(t *testing.T) *fakeS3 {
	t.Helper()

	s := &fakeS3{t: t, objects: map[string][]byte{}, pageSize: 2}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)

	return s
}

func (s *fakeS3) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}

	slices.Sort(out)

	return out
}

func etag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data)) //nolint:gosec // S3 ETags are MD5 digests
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>fake</Message></Error>`, code)
}

func (s *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strings.Contains(r.Header.Get("Authorization"), "Credential="+goodKeyID+"/") {
		s3Error(w, http.StatusForbidden, "InvalidAccessKeyId")
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != testBucket {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	q := r.URL.Query()

	switch {
	case key == "" && r.Method == http.MethodGet && q.Get("list-type") == "2":
		s.serveList(w, q)
	case key == "" && r.Method == http.MethodPost && q.Has("delete"):
		s.serveDeleteObjects(w, r)
	case key != "" && r.Method == http.MethodHead:
		data, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("ETag", etag(data))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", fakeModTime.Format(http.TimeFormat))
	case key != "" && r.Method == http.MethodGet:
		data, ok := s.objects[key]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}

		if m := r.Header.Get("If-Match"); m != "" && m != etag(data) {
			s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}

		w.Header().Set("ETag", etag(data))
		_, _ = w.Write(data)
	case key != "" && r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		s.serveCopy(w, r, key)
	case key != "" && r.Method == http.MethodPut:
		s.servePut(w, r, key)
	case key != "" && r.Method == http.MethodDelete:
		delete(s.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		s3Error(w, http.StatusBadRequest, "InvalidRequest")
	}
}

func (s *fakeS3) servePut(w http.ResponseWriter, r *http.Request, key string) {
	existing, exists := s.objects[key]

	if r.Header.Get("If-None-Match") == "*" && exists {
		s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
		return
	}

	if m := r.Header.Get("If-Match"); m != "" {
		if !exists {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}

		if m != etag(existing) {
			s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
	}

	data, err := io.ReadAll(r.Body)
	assert.NoError(s.t, err)

	s.objects[key] = data
	w.Header().Set("ETag", etag(data))
}

func (s *fakeS3) serveCopy(w http.ResponseWriter, r *http.Request, key string) {
	source, err := url.PathUnescape(r.Header.Get("X-Amz-Copy-Source"))
	assert.NoError(s.t, err)

	bucket, src, _ := strings.Cut(strings.TrimPrefix(source, "/"), "/")
	assert.Equal(s.t, testBucket, bucket)

	data, ok := s.objects[src]
	if !ok {
		s3Error(w, http.StatusNotFound, "NoSuchKey")
		return
	}

	s.objects[key] = slices.Clone(data)
	s.copies++

	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprintf(w, `<CopyObjectResult><ETag>%s</ETag><LastModified>%s</LastModified></CopyObjectResult>`,
		etag(data), fakeModTime.Format(time.RFC3339))
}

type listObject struct {
	Key          string
	LastModified string
	ETag         string
	Size         int
	StorageClass string
}

type commonPrefix struct {
	Prefix string
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Name                  string
	Prefix                string
	Delimiter             string `xml:",omitempty"`
	KeyCount              int
	MaxKeys               int
	IsTruncated           bool
	NextContinuationToken string         `xml:",omitempty"`
	Contents              []listObject   `xml:"Contents"`
	CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
}

func (s *fakeS3) serveList(w http.ResponseWriter, q url.Values) {
	prefix, delim := q.Get("prefix"), q.Get("delimiter")

	var entries []string

	prefixes := map[string]bool{}

	for k := range s.objects {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}

		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			cp := prefix + rest[:i+1]
			if !prefixes[cp] {
				prefixes[cp] = true
				entries = append(entries, cp)
			}

			continue
		}

		entries = append(entries, k)
	}

	slices.Sort(entries)

	size := s.pageSize
	if mk, err := strconv.Atoi(q.Get("max-keys")); err == nil && mk < size {
		size = mk
	}

	start, _ := strconv.Atoi(q.Get("continuation-token"))
	end := min(start+size, len(entries))

	res := listResult{Name: testBucket, Prefix: prefix, Delimiter: delim, MaxKeys: size}

	for _, e := range entries[start:end] {
		if prefixes[e] {
			res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: e})
			continue
		}

		res.Contents = append(res.Contents, listObject{
			Key:          e,
			LastModified: fakeModTime.Format("2006-01-02T15:04:05.000Z"),
			ETag:         etag(s.objects[e]),
			Size:         len(s.objects[e]),
			StorageClass: "STANDARD",
		})
	}

	res.KeyCount = len(res.Contents) + len(res.CommonPrefixes)

	if end < len(entries) {
		res.IsTruncated = true
		res.NextContinuationToken = strconv.Itoa(end)
	}

	w.Header().Set("Content-Type", "application/xml")
	assert.NoError(s.t, xml.NewEncoder(w).Encode(res))
}

func (s *fakeS3) serveDeleteObjects(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objects []struct {
			Key string
		} `xml:"Object"`
	}

	assert.NoError(s.t, xml.NewDecoder(r.Body).Decode(&req))

	var denied strings.Builder

	for _, o := range req.Objects {
		if o.Key == s.denyDelete {
			fmt.Fprintf(&denied, `<Error><Key>%s</Key><Code>AccessDenied</Code><Message>denied</Message></Error>`, o.Key)
			continue
		}

		delete(s.objects, o.Key)
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprintf(w, `<DeleteResult>%s</DeleteResult>`, denied.String())
}

func newS3Session(t *testing.T, s *fakeS3, keyID string, settings ...string) (*cloudsync.Cloud, error) {
	t.Helper()

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register(ProviderID, Constructor))

	opts := []cloudsync.Option{
		cloudsync.WithEndpoint(s.srv.URL),
		cloudsync.WithSetting("bucket", testBucket),
		cloudsync.WithSetting("path_style", "true"),
		cloudsync.WithLogger(slog.New(slog.DiscardHandler)),
	}

	for i := 0; i+1 < len(settings); i += 2 {
		opts = append(opts, cloudsync.WithSetting(settings[i], settings[i+1]))
	}

	c, err := reg.Create(ProviderID, cloudsync.NewBasicCredentials(keyID, "secret"), opts...)
	require.NoError(t, err)

	return c, c.Authenticate(context.Background(), nil)
}

func authedRoot(t *testing.T, s *fakeS3, settings ...string) (*cloudsync.Cloud, *cloudsync.Directory) {
	t.Helper()

	c, err := newS3Session(t, s, goodKeyID, settings...)
	require.NoError(t, err)

	root, err := c.Root()
	require.NoError(t, err)

	return c, root
}

func TestS3_AuthenticateRejected(t *testing.T) {
	s := newFakeS3(t)

	c, err := newS3Session(t, s, "AKIDBAD")
	require.ErrorIs(t, err, cloudsync.ErrAuthorizationFailed)
	assert.Equal(t, cloudsync.StateUnauthenticated, c.State())
}

func TestS3_TreeOperations(t *testing.T) {
	s := newFakeS3(t)
	c, root := authedRoot(t, s)
	ctx := context.Background()

	docs, err := root.CreateDirectory(ctx, "Documents")
	require.NoError(t, err)

	_, err = root.CreateDirectory(ctx, "Documents")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	for _, name := range []string{"a.txt", "b c.txt", "d+e.txt"} {
		_, err := docs.Upload(ctx, name, strings.NewReader("content of "+name))
		require.NoError(t, err)
	}

	_, err = docs.Upload(ctx, "a.txt", strings.NewReader("dup"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	_, err = root.Upload(ctx, "Documents", strings.NewReader("shadow"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	children, err := docs.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "/Documents/a.txt", children[0].Path())
	assert.Equal(t, "/Documents/b c.txt", children[1].Path())

	f, err := docs.File(ctx, "b c.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("content of b c.txt")), f.Size())
	assert.True(t, fakeModTime.Equal(f.LastModified()))

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "content of b c.txt", string(data))

	_, err = root.CreateDirectory(ctx, "Archive")
	require.NoError(t, err)

	moved, err := f.Rename(ctx, "/Archive/renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, "/Archive/renamed.txt", moved.Path())
	assert.NotContains(t, s.keys(), "Documents/b c.txt")

	require.NoError(t, docs.Remove(ctx))
	assert.Equal(t, []string{"Archive/", "Archive/renamed.txt"}, s.keys())

	_, err = c.Resolve(ctx, "/Documents/a.txt")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	_, err = c.Resolve(ctx, "/Documents")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

func TestS3_UploadNeedsParentDirectory(t *testing.T) {
	s := newFakeS3(t)
	c, _ := authedRoot(t, s)

	_, err := c.Backend().Upload(context.Background(), "/missing/file.txt", strings.NewReader("x"), cloudsync.UploadOptions{Size: 1})
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
	assert.Empty(t, s.keys())
}

func TestS3_ConditionalWrite(t *testing.T) {
	s := newFakeS3(t)
	c, root := authedRoot(t, s)
	ctx := context.Background()

	f, err := root.Upload(ctx, "notes.md", strings.NewReader("v1"))
	require.NoError(t, err)

	r, err := c.Resolve(ctx, "/notes.md")
	require.NoError(t, err)

	other, ok := r.(*cloudsync.File)
	require.True(t, ok)
	require.NoError(t, other.Write(ctx, strings.NewReader("v2")))
	assert.NotEqual(t, f.Revision(), other.Revision())

	err = f.Write(ctx, strings.NewReader("lost update"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	_, err = f.Read(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	data, err := other.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = c.Backend().Upload(ctx, "/gone.md", strings.NewReader("x"), cloudsync.UploadOptions{IfMatch: etag([]byte("x")), Size: 1})
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

func TestS3_ListIsPaged(t *testing.T) {
	s := newFakeS3(t)
	c, root := authedRoot(t, s)

	s.mu.Lock()
	for i := range 5 {
		s.objects[fmt.Sprintf("file%d", i)] = []byte("x")
	}
	s.objects["sub/deep/file"] = []byte("y")
	s.mu.Unlock()

	page, err := c.Backend().List(context.Background(), "/", "")
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.NotEmpty(t, page.Next)

	all, err := root.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 6)

	_, isDir := all[5].(*cloudsync.Directory)
	assert.True(t, isDir)
	assert.Equal(t, "/sub", all[5].Path())

	_, err = c.Backend().List(context.Background(), "/nowhere", "")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

func TestS3_MoveDirectory(t *testing.T) {
	s := newFakeS3(t)
	c, _ := authedRoot(t, s)

	s.mu.Lock()
	s.objects["a/"] = nil
	s.objects["a/b/c.txt"] = []byte("c")
	s.objects["a/d.txt"] = []byte("d")
	s.mu.Unlock()

	e, err := c.Backend().Move(context.Background(), "/a", "/z")
	require.NoError(t, err)
	assert.Equal(t, cloudsync.TypeDirectory, e.Type)
	assert.Equal(t, []string{"z/", "z/b/c.txt", "z/d.txt"}, s.keys())
	assert.Equal(t, 3, s.copies)
}

func TestS3_MoveDirectoryRollsBackFailedDelete(t *testing.T) {
	s := newFakeS3(t)
	c, _ := authedRoot(t, s)

	s.mu.Lock()
	s.objects["a/"] = nil
	s.objects["a/b/c.txt"] = []byte("c")
	s.objects["a/d.txt"] = []byte("d")
	s.denyDelete = "a/d.txt"
	s.mu.Unlock()

	_, err := c.Backend().Move(context.Background(), "/a", "/z")
	require.Error(t, err)
	assert.True(t, cloudsync.IsKind(err, cloudsync.KindCommunicationError))

	assert.Equal(t, []string{"a/", "a/b/c.txt", "a/d.txt"}, s.keys())

	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Equal(t, "c", string(s.objects["a/b/c.txt"]))
	assert.Equal(t, "d", string(s.objects["a/d.txt"]))
}

func TestS3_MoveFileRollsBackFailedDelete(t *testing.T) {
	s := newFakeS3(t)
	c, _ := authedRoot(t, s)

	s.mu.Lock()
	s.objects["f.txt"] = []byte("data")
	s.denyDelete = "f.txt"
	s.mu.Unlock()

	_, err := c.Backend().Move(context.Background(), "/f.txt", "/g.txt")
	require.Error(t, err)
	assert.Equal(t, []string{"f.txt"}, s.keys())
}

func TestS3_Prefix(t *testing.T) {
	s := newFakeS3(t)
	_, root := authedRoot(t, s, "prefix", "/team/")
	ctx := context.Background()

	s.mu.Lock()
	s.objects["team/"] = nil
	s.objects["other.txt"] = []byte("outside")
	s.mu.Unlock()

	_, err := root.Upload(ctx, "inside.txt", strings.NewReader("in"))
	require.NoError(t, err)

	all, err := root.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/inside.txt", all[0].Path())
	assert.Contains(t, s.keys(), "team/inside.txt")
}

func TestNew_Settings(t *testing.T) {
	_, err := New(cloudsync.BackendConfig{})
	require.Error(t, err)

	_, err = New(cloudsync.BackendConfig{Settings: map[string]string{"bucket": "b", "path_style": "sometimes"}})
	require.Error(t, err)

	b, err := New(cloudsync.BackendConfig{Settings: map[string]string{"bucket": "b", "prefix": "x/y/"}})
	require.NoError(t, err)
	assert.Equal(t, "x/y/f.txt", b.key("/f.txt"))
	assert.Equal(t, "x/y/d/", b.dirKey("/d"))
	assert.Equal(t, "x/y/", b.dirKey("/"))
	assert.Equal(t, "/d/e", b.pathOf("x/y/d/e/"))
}

func TestClassify(t *testing.T) {
	status := func(code int) error {
		return &smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}}}
	}

	tests := []struct {
		name   string
		err    error
		create bool
		want   error
	}{
		{"bad key", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, false, cloudsync.ErrAuthorizationFailed},
		{"missing key", &smithy.GenericAPIError{Code: "NoSuchKey"}, false, cloudsync.ErrNoSuchResource},
		{"denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false, cloudsync.ErrPermissionDenied},
		{"changed", &smithy.GenericAPIError{Code: "PreconditionFailed"}, false, cloudsync.ErrResourceHasChanged},
		{"create raced", &smithy.GenericAPIError{Code: "PreconditionFailed"}, true, cloudsync.ErrResourceConflict},
		{"bare 404", status(http.StatusNotFound), false, cloudsync.ErrNoSuchResource},
		{"bare 500", status(http.StatusInternalServerError), false, cloudsync.ErrCommunication},
		{"transport", io.ErrUnexpectedEOF, false, cloudsync.ErrCommunication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", "/p", tt.err, tt.create), tt.want)
		})
	}
}
