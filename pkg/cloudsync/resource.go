package cloudsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/cloudsync-go/internal/spool"
)

// Resource is a node of a cloud's tree. The only implementations are
// *Directory and *File; callers distinguish them with a type switch.
// Handles are snapshots: they carry the path and metadata observed when
// they were produced and never refresh implicitly.
type Resource interface {
	Path() string
	Name() string
	ID() string
	LastModified() time.Time

	// Exists reports whether the path still resolves remotely. It never
	// fails with KindNoSuchResource.
	Exists(ctx context.Context) (bool, error)
	// Remove deletes the resource, recursively for directories.
	Remove(ctx context.Context) error
	// Rename moves the resource to newPath, which is resolved against the
	// parent directory when relative. An occupied target fails with
	// KindResourceConflict and leaves both resources untouched.
	Rename(ctx context.Context, newPath string) (Resource, error)

	isResource()
}

// entry holds the fields shared by directories and files.
type entry struct {
	cloud    *Cloud
	path     string
	id       string
	modified time.Time
}

func (e *entry) Path() string            { return e.path }
func (e *entry) Name() string            { return BaseName(e.path) }
func (e *entry) ID() string              { return e.id }
func (e *entry) LastModified() time.Time { return e.modified }
func (e *entry) isResource()             {}

func (e *entry) Exists(ctx context.Context) (bool, error) {
	_, err := e.cloud.stat(ctx, "exists", e.path)
	if err == nil {
		return true, nil
	}

	if IsKind(err, KindNoSuchResource) {
		return false, nil
	}

	return false, err
}

func (e *entry) Remove(ctx context.Context) error {
	if e.path == RootPath {
		return NewError(KindPermissionDenied, "remove", e.path, fmt.Errorf("the root directory cannot be removed"))
	}

	return e.cloud.call(ctx, "remove", e.path, func(ctx context.Context) error {
		return e.cloud.backend.Remove(ctx, e.path)
	})
}

func (e *entry) rename(ctx context.Context, newPath string) (Resource, error) {
	if e.path == RootPath {
		return nil, NewError(KindPermissionDenied, "rename", e.path, fmt.Errorf("the root directory cannot be renamed"))
	}

	to, err := JoinPath(ParentPath(e.path), newPath)
	if err != nil {
		return nil, err
	}

	if to == e.path {
		return e.cloud.Resolve(ctx, to)
	}

	if to == RootPath || strings.HasPrefix(to, e.path+"/") {
		return nil, fmt.Errorf("%w: cannot move %s into %s", ErrInvalidPath, e.path, to)
	}

	// The target must be free before anything is touched.
	if _, err := e.cloud.stat(ctx, "rename", to); err == nil {
		return nil, NewError(KindResourceConflict, "rename", to, fmt.Errorf("target already exists"))
	} else if !IsKind(err, KindNoSuchResource) {
		return nil, err
	}

	var moved Entry
	err = e.cloud.call(ctx, "rename", e.path, func(ctx context.Context) error {
		var merr error
		moved, merr = e.cloud.backend.Move(ctx, e.path, to)
		return merr
	})
	if err != nil {
		return nil, err
	}

	if moved.Path == "" {
		moved.Path = to
	}

	return e.cloud.wrap(moved), nil
}

// Directory is a container resource.
type Directory struct {
	entry
}

// Rename implements Resource.
func (d *Directory) Rename(ctx context.Context, newPath string) (Resource, error) {
	return d.rename(ctx, newPath)
}

// List returns a pull iterator over the directory's children. Every call
// returns an independent iterator starting at the first page.
func (d *Directory) List() *Listing {
	return &Listing{dir: d}
}

// Resources returns the children as a range-over-func sequence. Ranging
// twice lists the directory twice.
func (d *Directory) Resources(ctx context.Context) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		l := d.List()
		for l.Next(ctx) {
			if !yield(l.Resource(), nil) {
				return
			}
		}

		if err := l.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// ListAll drains the listing into a slice.
func (d *Directory) ListAll(ctx context.Context) ([]Resource, error) {
	var out []Resource

	l := d.List()
	for l.Next(ctx) {
		out = append(out, l.Resource())
	}

	if err := l.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// CreateDirectory creates name under d. Intermediate directories are not
// created: a missing parent fails with KindNoSuchResource and an occupied
// name with KindResourceConflict.
func (d *Directory) CreateDirectory(ctx context.Context, name string) (*Directory, error) {
	p, err := JoinPath(d.path, name)
	if err != nil {
		return nil, err
	}

	if p == RootPath {
		return nil, NewError(KindResourceConflict, "mkdir", p, fmt.Errorf("the root directory already exists"))
	}

	var created Entry
	err = d.cloud.call(ctx, "mkdir", p, func(ctx context.Context) error {
		var merr error
		created, merr = d.cloud.backend.Mkdir(ctx, p)
		return merr
	})
	if err != nil {
		return nil, err
	}

	created.Type = TypeDirectory
	if created.Path == "" {
		created.Path = p
	}

	dir, _ := d.cloud.wrap(created).(*Directory)

	return dir, nil
}

// Upload creates a new file named name with the content of r. An existing
// resource at that path fails with KindResourceConflict.
func (d *Directory) Upload(ctx context.Context, name string, r io.Reader) (*File, error) {
	p, err := JoinPath(d.path, name)
	if err != nil {
		return nil, err
	}

	body, size, cleanup, err := d.cloud.replayable("upload", p, r)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var created Entry
	rewind := rewinder(body)
	err = d.cloud.call(ctx, "upload", p, func(ctx context.Context) error {
		if err := rewind(); err != nil {
			return err
		}

		var uerr error
		created, uerr = d.cloud.backend.Upload(ctx, p, body, UploadOptions{Create: true, Size: size})
		return uerr
	})
	if err != nil {
		return nil, err
	}

	created.Type = TypeFile
	if created.Path == "" {
		created.Path = p
	}

	f, _ := d.cloud.wrap(created).(*File)

	return f, nil
}

// Directory resolves rel below d and requires it to be a directory.
func (d *Directory) Directory(ctx context.Context, rel string) (*Directory, error) {
	p, err := JoinPath(d.path, rel)
	if err != nil {
		return nil, err
	}

	r, err := d.cloud.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	dir, ok := r.(*Directory)
	if !ok {
		return nil, NewError(KindNoSuchResource, "cd", p, fmt.Errorf("not a directory"))
	}

	return dir, nil
}

// File resolves rel below d and requires it to be a file.
func (d *Directory) File(ctx context.Context, rel string) (*File, error) {
	p, err := JoinPath(d.path, rel)
	if err != nil {
		return nil, err
	}

	r, err := d.cloud.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	f, ok := r.(*File)
	if !ok {
		return nil, NewError(KindNoSuchResource, "file", p, fmt.Errorf("not a file"))
	}

	return f, nil
}

// File is a leaf resource with content.
type File struct {
	entry

	mu       sync.Mutex
	size     int64
	revision string
}

// Size returns the size observed when the handle was produced or last
// written.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.size
}

// Revision returns the provider's version marker (ETag, rev or content
// hash) known to this handle. Empty when the provider reported none.
func (f *File) Revision() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.revision
}

// Rename implements Resource.
func (f *File) Rename(ctx context.Context, newPath string) (Resource, error) {
	return f.rename(ctx, newPath)
}

// Download opens the file's content. When the handle knows a revision the
// download is conditional on it and fails with KindResourceHasChanged if
// the file was modified since.
func (f *File) Download(ctx context.Context) (io.ReadCloser, error) {
	opts := DownloadOptions{IfMatch: f.Revision()}

	var rc io.ReadCloser
	err := f.cloud.call(ctx, "download", f.path, func(ctx context.Context) error {
		var derr error
		rc, derr = f.cloud.backend.Download(ctx, f.path, opts)
		return derr
	})
	if err != nil {
		return nil, err
	}

	return &classifyingReader{rc: rc, path: f.path}, nil
}

// Read returns the whole content of the file.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	rc, err := f.Download(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// Write replaces the file's content. The write is conditional on the
// handle's revision and fails with KindResourceHasChanged when another
// writer got there first. On success the handle carries the new revision.
func (f *File) Write(ctx context.Context, r io.Reader) error {
	body, size, cleanup, err := f.cloud.replayable("write", f.path, r)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := UploadOptions{IfMatch: f.Revision(), Size: size}

	var written Entry
	rewind := rewinder(body)
	err = f.cloud.call(ctx, "write", f.path, func(ctx context.Context) error {
		if err := rewind(); err != nil {
			return err
		}

		var werr error
		written, werr = f.cloud.backend.Upload(ctx, f.path, body, opts)
		return werr
	})
	if err != nil {
		return err
	}

	f.update(written)

	return nil
}

// PollChange refreshes the handle's metadata and reports whether the
// revision differs from the one it held.
func (f *File) PollChange(ctx context.Context) (bool, error) {
	e, err := f.cloud.stat(ctx, "poll", f.path)
	if err != nil {
		return false, err
	}

	if e.Type != TypeFile {
		return false, NewError(KindNoSuchResource, "poll", f.path, fmt.Errorf("no longer a file"))
	}

	before := f.Revision()
	f.update(e)

	return f.Revision() != before, nil
}

func (f *File) update(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revision = e.Revision
	f.size = e.Size

	if !e.ModTime.IsZero() {
		f.modified = e.ModTime
	}

	if e.ID != "" {
		f.id = e.ID
	}
}

// LastModified implements Resource.
func (f *File) LastModified() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.modified
}

// ID implements Resource.
func (f *File) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.id
}

// classifyingReader maps mid-stream read failures to communication errors.
type classifyingReader struct {
	rc   io.ReadCloser
	path string
}

func (r *classifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, classify("download", r.path, err)
	}

	return n, err
}

func (r *classifyingReader) Close() error {
	return r.rc.Close()
}

func readerSize(r io.Reader) int64 {
	switch v := r.(type) {
	case *bytes.Reader:
		return int64(v.Len())
	case *bytes.Buffer:
		return int64(v.Len())
	case *strings.Reader:
		return int64(v.Len())
	default:
		return -1
	}
}

// replayMemoryLimit is how much of a non-seekable upload body is kept in
// memory before spooling spills to a temporary file.
const replayMemoryLimit = 8 << 20

// replayable returns a body the session can resend after a token refresh,
// with its size (-1 when unknown). Seekable readers and sessions that never
// retry use r as is. Anything else is spooled so a retry cannot send a
// truncated body.
func (c *Cloud) replayable(op, p string, r io.Reader) (io.Reader, int64, func(), error) {
	noop := func() {}

	if _, ok := r.(io.Seeker); ok || c.State() == StateUnauthenticated {
		return r, readerSize(r), noop, nil
	}

	oc, ok := c.Credentials().(*OAuth2Credentials)
	if !ok || !oc.CanRefresh() {
		return r, readerSize(r), noop, nil
	}

	rs, n, cleanup, err := spool.Buffer(r, replayMemoryLimit)
	if err != nil {
		return nil, 0, nil, classify(op, p, err)
	}

	return rs, n, cleanup, nil
}

// rewinder returns a func that seeks r back to its current offset, so an
// upload retried after a token refresh resends the full content.
func rewinder(r io.Reader) func() error {
	s, ok := r.(io.Seeker)
	if !ok {
		return func() error { return nil }
	}

	start, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return func() error { return nil }
	}

	return func() error {
		_, err := s.Seek(start, io.SeekStart)
		return err
	}
}
