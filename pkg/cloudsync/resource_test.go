package cloudsync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/memory"
)

func paths(rs []cloudsync.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Path())
	}

	return out
}

func TestDirectory_ListEmpty(t *testing.T) {
	_, root := authedRoot(t, memory.New())

	rs, err := root.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestDirectory_ListDrainsAllPages(t *testing.T) {
	b := memory.New(memory.WithPageSize(2))
	for i := range 5 {
		b.Put(fmt.Sprintf("/f%d.txt", i), []byte("x"))
	}

	b.MkdirAll("/sub")

	_, root := authedRoot(t, b)

	rs, err := root.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/f0.txt", "/f1.txt", "/f2.txt", "/f3.txt", "/f4.txt", "/sub"}, paths(rs))
	assert.Equal(t, 3, b.Calls("list"))

	_, isDir := rs[5].(*cloudsync.Directory)
	assert.True(t, isDir)

	f, isFile := rs[0].(*cloudsync.File)
	require.True(t, isFile)
	assert.Equal(t, int64(1), f.Size())
	assert.NotEmpty(t, f.Revision())
}

func TestDirectory_ListIsRestartable(t *testing.T) {
	b := memory.New(memory.WithPageSize(1))
	b.Put("/a", nil)
	b.Put("/b", nil)

	_, root := authedRoot(t, b)
	ctx := context.Background()

	collect := func() []string {
		var out []string
		for r, err := range root.Resources(ctx) {
			require.NoError(t, err)
			out = append(out, r.Path())
		}

		return out
	}

	assert.Equal(t, []string{"/a", "/b"}, collect())
	assert.Equal(t, []string{"/a", "/b"}, collect())

	l := root.List()
	require.True(t, l.Next(ctx))
	assert.Equal(t, "/a", l.Resource().Path())

	l.Reset()
	require.True(t, l.Next(ctx))
	assert.Equal(t, "/a", l.Resource().Path())
	require.True(t, l.Next(ctx))
	assert.Equal(t, "/b", l.Resource().Path())
	assert.False(t, l.Next(ctx))
	assert.NoError(t, l.Err())
}

func TestDirectory_ListFailureStopsIteration(t *testing.T) {
	b := memory.New(memory.WithFault(func(op, _ string) error {
		if op == "list" {
			return errors.New("boom")
		}

		return nil
	}))

	_, root := authedRoot(t, b)

	l := root.List()
	assert.False(t, l.Next(context.Background()))
	assert.ErrorIs(t, l.Err(), cloudsync.ErrCommunication)
}

func TestDirectory_UploadThenResolve(t *testing.T) {
	c, root := authedRoot(t, memory.New())
	ctx := context.Background()

	f, err := root.Upload(ctx, "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "/notes.txt", f.Path())
	assert.Equal(t, "notes.txt", f.Name())

	r, err := c.Resolve(ctx, "/notes.txt")
	require.NoError(t, err)

	got, ok := r.(*cloudsync.File)
	require.True(t, ok)
	assert.Equal(t, f.Path(), got.Path())

	data, err := got.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDirectory_UploadExistingConflicts(t *testing.T) {
	b := memory.New()
	b.Put("/a.txt", []byte("one"))

	_, root := authedRoot(t, b)

	_, err := root.Upload(context.Background(), "a.txt", strings.NewReader("two"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	data, _ := b.Contents("/a.txt")
	assert.Equal(t, "one", string(data))
}

func TestDirectory_CreateDirectory(t *testing.T) {
	_, root := authedRoot(t, memory.New())
	ctx := context.Background()

	docs, err := root.CreateDirectory(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", docs.Path())

	_, err = root.CreateDirectory(ctx, "docs")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	_, err = root.CreateDirectory(ctx, "missing/child")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	sub, err := docs.CreateDirectory(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, "/docs/2024", sub.Path())
}

func TestDirectory_TypedLookups(t *testing.T) {
	b := memory.New()
	b.Put("/docs/a.txt", []byte("a"))

	_, root := authedRoot(t, b)
	ctx := context.Background()

	docs, err := root.Directory(ctx, "docs")
	require.NoError(t, err)

	f, err := docs.File(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", f.Path())

	_, err = docs.Directory(ctx, "a.txt")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	_, err = root.File(ctx, "docs")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	_, err = root.File(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, cloudsync.ErrInvalidPath)
}

func TestResource_RemoveThenExists(t *testing.T) {
	b := memory.New()
	b.Put("/a.txt", []byte("a"))

	c, _ := authedRoot(t, b)
	ctx := context.Background()

	r, err := c.Resolve(ctx, "/a.txt")
	require.NoError(t, err)

	ok, err := r.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Remove(ctx))

	ok, err = r.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = r.Remove(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

func TestResource_ExistsPropagatesCommunicationError(t *testing.T) {
	var failing bool

	b := memory.New(memory.WithFault(func(op, _ string) error {
		if failing && op == "stat" {
			return errors.New("network unreachable")
		}

		return nil
	}))
	b.Put("/a.txt", nil)

	c, _ := authedRoot(t, b)

	r, err := c.Resolve(context.Background(), "/a.txt")
	require.NoError(t, err)

	failing = true

	ok, err := r.Exists(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, cloudsync.ErrCommunication)
	assert.NotErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

func TestResource_RemoveRootDenied(t *testing.T) {
	b := memory.New()
	_, root := authedRoot(t, b)

	err := root.Remove(context.Background())
	assert.ErrorIs(t, err, cloudsync.ErrPermissionDenied)
	assert.Equal(t, 0, b.Calls("remove"))
}

func TestResource_RenameConflictLeavesBothIntact(t *testing.T) {
	b := memory.New()
	b.Put("/a.txt", []byte("A"))
	b.Put("/b.txt", []byte("B"))

	c, _ := authedRoot(t, b)
	ctx := context.Background()

	r, err := c.Resolve(ctx, "/a.txt")
	require.NoError(t, err)

	_, err = r.Rename(ctx, "b.txt")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)
	assert.Equal(t, 0, b.Calls("move"))

	a, _ := b.Contents("/a.txt")
	bb, _ := b.Contents("/b.txt")
	assert.Equal(t, "A", string(a))
	assert.Equal(t, "B", string(bb))
}

func TestResource_RenameDirectory(t *testing.T) {
	b := memory.New()
	b.Put("/docs/a.txt", []byte("A"))

	c, _ := authedRoot(t, b)
	ctx := context.Background()

	r, err := c.Resolve(ctx, "/docs")
	require.NoError(t, err)

	moved, err := r.Rename(ctx, "/archive")
	require.NoError(t, err)
	assert.Equal(t, "/archive", moved.Path())

	_, isDir := moved.(*cloudsync.Directory)
	assert.True(t, isDir)
	assert.True(t, b.Has("/archive/a.txt"))
	assert.False(t, b.Has("/docs"))

	_, err = moved.Rename(ctx, "/archive/inner")
	assert.ErrorIs(t, err, cloudsync.ErrInvalidPath)
}

func TestFile_ConditionalWrite(t *testing.T) {
	b := memory.New()
	b.Put("/a.txt", []byte("v1"))

	c, _ := authedRoot(t, b)
	ctx := context.Background()

	first, err := c.Resolve(ctx, "/a.txt")
	require.NoError(t, err)
	second, err := c.Resolve(ctx, "/a.txt")
	require.NoError(t, err)

	f1 := first.(*cloudsync.File)
	f2 := second.(*cloudsync.File)
	before := f1.Revision()

	require.NoError(t, f1.Write(ctx, strings.NewReader("v2")))
	assert.NotEqual(t, before, f1.Revision())
	assert.Equal(t, int64(2), f1.Size())

	err = f2.Write(ctx, strings.NewReader("v3"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	changed, err := f2.PollChange(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f2.PollChange(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, f2.Write(ctx, strings.NewReader("v3")))

	data, _ := b.Contents("/a.txt")
	assert.Equal(t, "v3", string(data))
}

func TestFile_DownloadDetectsRemoteChanges(t *testing.T) {
	b := memory.New()
	b.Put("/a.txt", []byte("v1"))

	c, _ := authedRoot(t, b)
	ctx := context.Background()

	r, err := c.Resolve(ctx, "/a.txt")
	require.NoError(t, err)

	f := r.(*cloudsync.File)

	b.Put("/a.txt", []byte("v2"))

	_, err = f.Read(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	_, err = f.PollChange(ctx)
	require.NoError(t, err)

	data, err := f.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, f.Remove(ctx))

	_, err = f.Download(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)
}

// drainingBackend consumes the upload body before rejecting the access
// token, the way an HTTP provider answers 401 to a streamed PUT.
type drainingBackend struct {
	*memory.Backend

	rejectNext atomic.Bool
}

func (b *drainingBackend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	if b.rejectNext.CompareAndSwap(true, false) {
		_, _ = io.Copy(io.Discard, r)
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindAuthorizationFailed, "upload", p, errors.New("HTTP 401"))
	}

	return b.Backend.Upload(ctx, p, r, opts)
}

func TestFile_RetryAfterRefreshResendsStreamedBody(t *testing.T) {
	mem := memory.New()
	db := &drainingBackend{Backend: mem}

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register(memory.ProviderID, func(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
		if _, err := memory.Constructor(mem)(cfg); err != nil {
			return nil, err
		}

		return db, nil
	}))

	creds := cloudsync.NewOAuth2Credentials(
		&oauth2.Token{AccessToken: "old", RefreshToken: "r"},
		cloudsync.WithTokenRefresher(cloudsync.TokenRefresherFunc(func(context.Context, string) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: "new"}, nil
		})),
	)

	c, err := reg.Create(memory.ProviderID, creds)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, nil))

	root, err := c.Root()
	require.NoError(t, err)

	// io.MultiReader hides any Seek method, so the body can only be read once.
	db.rejectNext.Store(true)

	f, err := root.Upload(ctx, "a.txt", io.MultiReader(strings.NewReader("hello world")))
	require.NoError(t, err)
	assert.Equal(t, int64(11), f.Size())

	data, ok := mem.Contents("/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))

	db.rejectNext.Store(true)

	require.NoError(t, f.Write(ctx, io.MultiReader(strings.NewReader("second version"))))

	data, _ = mem.Contents("/a.txt")
	assert.Equal(t, "second version", string(data))
	assert.Equal(t, int64(2), creds.Exchanges())
}
