package webdav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebdav "golang.org/x/net/webdav"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// newDAVSession starts an in-memory WebDAV server under /dav and returns
// an authenticated session against it.
func newDAVSession(t *testing.T) (*cloudsync.Cloud, *cloudsync.Directory) {
	t.Helper()

	dav := &xwebdav.Handler{
		Prefix:     "/dav",
		FileSystem: xwebdav.NewMemFS(),
		LockSystem: xwebdav.NewMemLS(),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		dav.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register(ProviderID, Constructor))

	c, err := reg.Create(ProviderID, cloudsync.NewBasicCredentials("alice", "secret"),
		cloudsync.WithEndpoint(srv.URL+"/dav"),
		cloudsync.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(context.Background(), nil))

	root, err := c.Root()
	require.NoError(t, err)

	return c, root
}

func TestWebdav_AuthenticateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register(ProviderID, Constructor))

	c, err := reg.Create(ProviderID, cloudsync.NewBasicCredentials("alice", "wrong"), cloudsync.WithEndpoint(srv.URL))
	require.NoError(t, err)

	err = c.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, cloudsync.ErrAuthorizationFailed)
	assert.Equal(t, cloudsync.StateUnauthenticated, c.State())
}

func TestWebdav_TreeOperations(t *testing.T) {
	c, root := newDAVSession(t)
	ctx := context.Background()

	rs, err := root.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs)

	docs, err := root.CreateDirectory(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", docs.Path())

	_, err = root.CreateDirectory(ctx, "docs")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	_, err = root.CreateDirectory(ctx, "missing/child")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	f, err := docs.Upload(ctx, "hello world.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "/docs/hello world.txt", f.Path())
	assert.Equal(t, int64(5), f.Size())
	assert.NotEmpty(t, f.Revision())

	_, err = docs.Upload(ctx, "hello world.txt", strings.NewReader("again"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	children, err := docs.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "/docs/hello world.txt", children[0].Path())

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	r, err := c.Resolve(ctx, "/docs")
	require.NoError(t, err)

	_, isDir := r.(*cloudsync.Directory)
	assert.True(t, isDir)

	_, err = c.Resolve(ctx, "/nope")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

func TestWebdav_RenameAndRemove(t *testing.T) {
	c, root := newDAVSession(t)
	ctx := context.Background()

	a, err := root.Upload(ctx, "a.txt", strings.NewReader("A"))
	require.NoError(t, err)
	_, err = root.Upload(ctx, "b.txt", strings.NewReader("B"))
	require.NoError(t, err)

	_, err = a.Rename(ctx, "b.txt")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	moved, err := a.Rename(ctx, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, "/c.txt", moved.Path())

	exists, err := a.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, moved.Remove(ctx))

	exists, err = moved.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	err = moved.Remove(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	r, err := c.Resolve(ctx, "/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", r.Name())
}

func TestWebdav_StaleDownloadDetected(t *testing.T) {
	c, root := newDAVSession(t)
	ctx := context.Background()

	f, err := root.Upload(ctx, "a.txt", strings.NewReader("v1"))
	require.NoError(t, err)

	other, err := c.Resolve(ctx, "/a.txt")
	require.NoError(t, err)
	require.NoError(t, other.(*cloudsync.File).Write(ctx, strings.NewReader("version two")))

	_, err = f.Read(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	changed, err := f.PollChange(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "version two", string(data))
}

func TestWebdav_ConditionalWriteRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/a.txt</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e1"</d:getetag><d:getcontentlength>2</d:getcontentlength><d:resourcetype/></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`))
		case http.MethodPut:
			assert.Equal(t, `"e1"`, r.Header.Get("If-Match"))
			w.WriteHeader(http.StatusPreconditionFailed)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register(ProviderID, Constructor))

	c, err := reg.Create(ProviderID, cloudsync.NewBasicCredentials("u", "p"), cloudsync.WithEndpoint(srv.URL))
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(context.Background(), nil))

	r, err := c.Resolve(context.Background(), "/a.txt")
	require.NoError(t, err)

	f := r.(*cloudsync.File)
	assert.Equal(t, `"e1"`, f.Revision())

	err = f.Write(context.Background(), strings.NewReader("xx"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)
}

func TestParseMultistatus(t *testing.T) {
	body := `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:response>
    <d:href>/remote.php/webdav/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>https://cloud.example.com/remote.php/webdav/My%20Docs/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/></d:resourcetype>
        <d:getetag>"dir"</d:getetag>
        <oc:fileid>42</oc:fileid>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/remote.php/webdav/notes.md</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"abc"</d:getetag>
        <d:getcontentlength>12</d:getcontentlength>
        <d:getlastmodified>Mon, 02 Jan 2006 15:04:05 GMT</d:getlastmodified>
        <d:resourcetype/>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
    <d:propstat>
      <d:prop><oc:fileid/></d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

	entries, err := parseMultistatus(strings.NewReader(body), "/remote.php/webdav")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "/", entries[0].Path)
	assert.Equal(t, cloudsync.TypeDirectory, entries[0].Type)

	assert.Equal(t, "/My Docs", entries[1].Path)
	assert.Equal(t, cloudsync.TypeDirectory, entries[1].Type)
	assert.Equal(t, "42", entries[1].ID)
	assert.Empty(t, entries[1].Revision)

	assert.Equal(t, "/notes.md", entries[2].Path)
	assert.Equal(t, cloudsync.TypeFile, entries[2].Type)
	assert.Equal(t, int64(12), entries[2].Size)
	assert.Equal(t, `"abc"`, entries[2].Revision)
	assert.Equal(t, 2006, entries[2].ModTime.Year())
}

func TestParseMultistatus_Malformed(t *testing.T) {
	_, err := parseMultistatus(strings.NewReader("<html>oops"), "")
	assert.Error(t, err)
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(cloudsync.BackendConfig{})
	assert.Error(t, err)

	_, err = New(cloudsync.BackendConfig{Endpoint: "ftp://example.com"})
	assert.Error(t, err)
}
