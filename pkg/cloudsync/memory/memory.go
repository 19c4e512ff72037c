// Package memory implements an in-process cloudsync backend. It behaves
// like a strict provider (ETags, conditional writes, paged listings, no
// implicit parents) and supports fault injection, which makes it the
// reference backend for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// ProviderID is the registry id of the memory backend.
const ProviderID = "memory"

type node struct {
	dir     bool
	id      string
	data    []byte
	version int
	mod     time.Time
}

func (n *node) etag() string {
	if n.dir {
		return ""
	}

	return fmt.Sprintf("\"%s-%d\"", n.id, n.version)
}

// FaultFunc is consulted before every operation. A non-nil return is
// reported as the operation's error.
type FaultFunc func(op, path string) error

// Backend is a thread-safe in-memory tree.
type Backend struct {
	mu       sync.Mutex
	nodes    map[string]*node
	nextID   int
	calls    map[string]int
	pageSize int
	now      func() time.Time
	fault    FaultFunc
	accept   func(accessToken string) bool
	creds    func() cloudsync.Credentials
	logger   *slog.Logger
	name     string
}

// Option configures a Backend.
type Option func(*Backend)

// WithPageSize splits listings into pages of n entries.
func WithPageSize(n int) Option {
	return func(b *Backend) { b.pageSize = n }
}

// WithClock sets the modification-time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithFault installs a fault injector.
func WithFault(fn FaultFunc) Option {
	return func(b *Backend) { b.fault = fn }
}

// WithTokenCheck makes the backend authorize OAuth2 sessions with fn,
// rejecting requests whose access token fn refuses.
func WithTokenCheck(fn func(accessToken string) bool) Option {
	return func(b *Backend) { b.accept = fn }
}

// WithDisplayName sets the account name reported by DisplayName.
func WithDisplayName(name string) Option {
	return func(b *Backend) { b.name = name }
}

// New returns an empty tree containing only the root.
func New(opts ...Option) *Backend {
	b := &Backend{
		nodes:  map[string]*node{cloudsync.RootPath: {dir: true, id: "root"}},
		calls:  make(map[string]int),
		now:    time.Now,
		logger: slog.Default(),
		name:   "memory",
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Constructor returns a cloudsync.Constructor that binds every session to
// b. Sessions created from it share one tree.
func Constructor(b *Backend) cloudsync.Constructor {
	return func(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
		b.mu.Lock()
		b.creds = cfg.Credentials
		if cfg.Logger != nil {
			b.logger = cfg.Logger
		}

		if ps := cfg.Setting("page_size", ""); ps != "" {
			n, err := strconv.Atoi(ps)
			if err != nil {
				b.mu.Unlock()
				return nil, fmt.Errorf("memory: invalid page_size %q: %w", ps, err)
			}

			b.pageSize = n
		}
		b.mu.Unlock()

		return b, nil
	}
}

// NewConstructor builds a fresh tree per session.
func NewConstructor(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
	return Constructor(New())(cfg)
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls[op]
}

// Put stores data at p, creating parent directories. It bypasses faults
// and authorization and is meant for seeding fixtures.
func (b *Backend) Put(p string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mkdirAllLocked(cloudsync.ParentPath(p))

	if n, ok := b.nodes[p]; ok && !n.dir {
		n.data = append([]byte(nil), data...)
		n.version++
		n.mod = b.now()

		return
	}

	b.nodes[p] = b.newNodeLocked(false, data)
}

// MkdirAll creates p and its parents, bypassing faults.
func (b *Backend) MkdirAll(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mkdirAllLocked(p)
}

// Contents returns the data stored at p.
func (b *Backend) Contents(p string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[p]
	if !ok || n.dir {
		return nil, false
	}

	return append([]byte(nil), n.data...), true
}

// Has reports whether anything exists at p.
func (b *Backend) Has(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.nodes[p]

	return ok
}

func (b *Backend) mkdirAllLocked(p string) {
	cur := ""
	for _, seg := range cloudsync.SplitPath(p) {
		cur += "/" + seg
		if _, ok := b.nodes[cur]; !ok {
			b.nodes[cur] = b.newNodeLocked(true, nil)
		}
	}
}

func (b *Backend) newNodeLocked(dir bool, data []byte) *node {
	b.nextID++

	return &node{
		dir:     dir,
		id:      "id" + strconv.Itoa(b.nextID),
		data:    append([]byte(nil), data...),
		version: 1,
		mod:     b.now(),
	}
}

// begin records the call, applies faults and authorizes the request.
func (b *Backend) begin(ctx context.Context, op, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.calls[op]++
	fault, accept, creds := b.fault, b.accept, b.creds
	b.mu.Unlock()

	if fault != nil {
		if err := fault(op, p); err != nil {
			return err
		}
	}

	if creds == nil {
		return nil
	}

	switch c := creds().(type) {
	case *cloudsync.BasicCredentials:
		if !c.Valid() {
			return cloudsync.NewError(cloudsync.KindAuthorizationFailed, op, p, errors.New("bad credentials"))
		}
	case *cloudsync.OAuth2Credentials:
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return err
		}

		if accept != nil && !accept(tok) {
			return cloudsync.NewError(cloudsync.KindAuthorizationFailed, op, p, errors.New("access token rejected"))
		}
	}

	return nil
}

func (b *Backend) entryLocked(p string, n *node) cloudsync.Entry {
	e := cloudsync.Entry{
		Type:    cloudsync.TypeFile,
		Path:    p,
		ID:      n.id,
		ModTime: n.mod,
	}

	if n.dir {
		e.Type = cloudsync.TypeDirectory
		return e
	}

	e.Size = int64(len(n.data))
	e.Revision = n.etag()

	return e
}

func notFound(op, p string) error {
	return cloudsync.NewError(cloudsync.KindNoSuchResource, op, p, nil)
}

// Verify implements cloudsync.Backend.
func (b *Backend) Verify(ctx context.Context) error {
	return b.begin(ctx, "verify", cloudsync.RootPath)
}

// DisplayName implements cloudsync.AccountInfo.
func (b *Backend) DisplayName(ctx context.Context) (string, error) {
	if err := b.begin(ctx, "whoami", ""); err != nil {
		return "", err
	}

	return b.name, nil
}

// Stat implements cloudsync.Backend.
func (b *Backend) Stat(ctx context.Context, p string) (cloudsync.Entry, error) {
	if err := b.begin(ctx, "stat", p); err != nil {
		return cloudsync.Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[p]
	if !ok {
		return cloudsync.Entry{}, notFound("stat", p)
	}

	return b.entryLocked(p, n), nil
}

// List implements cloudsync.Backend. The cursor is the offset of the
// page's first child.
func (b *Backend) List(ctx context.Context, p, cursor string) (cloudsync.Page, error) {
	if err := b.begin(ctx, "list", p); err != nil {
		return cloudsync.Page{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[p]
	if !ok || !n.dir {
		return cloudsync.Page{}, notFound("list", p)
	}

	var children []string
	for candidate := range b.nodes {
		if candidate != p && cloudsync.ParentPath(candidate) == p {
			children = append(children, candidate)
		}
	}

	sort.Strings(children)

	offset := 0
	if cursor != "" {
		var err error
		if offset, err = strconv.Atoi(cursor); err != nil || offset < 0 || offset > len(children) {
			return cloudsync.Page{}, cloudsync.NewError(cloudsync.KindInvalidResponse, "list", p, fmt.Errorf("bad cursor %q", cursor))
		}
	}

	end := len(children)
	if b.pageSize > 0 && offset+b.pageSize < end {
		end = offset + b.pageSize
	}

	page := cloudsync.Page{Entries: make([]cloudsync.Entry, 0, end-offset)}
	for _, c := range children[offset:end] {
		page.Entries = append(page.Entries, b.entryLocked(c, b.nodes[c]))
	}

	if end < len(children) {
		page.Next = strconv.Itoa(end)
	}

	return page, nil
}

// Mkdir implements cloudsync.Backend.
func (b *Backend) Mkdir(ctx context.Context, p string) (cloudsync.Entry, error) {
	if err := b.begin(ctx, "mkdir", p); err != nil {
		return cloudsync.Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.nodes[p]; ok {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "mkdir", p, errors.New("already exists"))
	}

	if parent, ok := b.nodes[cloudsync.ParentPath(p)]; !ok || !parent.dir {
		return cloudsync.Entry{}, notFound("mkdir", cloudsync.ParentPath(p))
	}

	n := b.newNodeLocked(true, nil)
	b.nodes[p] = n

	return b.entryLocked(p, n), nil
}

// Upload implements cloudsync.Backend.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, opts cloudsync.UploadOptions) (cloudsync.Entry, error) {
	if err := b.begin(ctx, "upload", p); err != nil {
		return cloudsync.Entry{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return cloudsync.Entry{}, fmt.Errorf("memory: reading upload body: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if parent, ok := b.nodes[cloudsync.ParentPath(p)]; !ok || !parent.dir {
		return cloudsync.Entry{}, notFound("upload", cloudsync.ParentPath(p))
	}

	n, exists := b.nodes[p]

	switch {
	case exists && (opts.Create || n.dir):
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "upload", p, errors.New("already exists"))
	case !exists && opts.IfMatch != "":
		return cloudsync.Entry{}, notFound("upload", p)
	case exists && opts.IfMatch != "" && n.etag() != opts.IfMatch:
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceHasChanged, "upload", p,
			fmt.Errorf("etag %s does not match %s", n.etag(), opts.IfMatch))
	}

	if !exists {
		n = b.newNodeLocked(false, data)
		b.nodes[p] = n

		return b.entryLocked(p, n), nil
	}

	n.data = data
	n.version++
	n.mod = b.now()

	return b.entryLocked(p, n), nil
}

// Download implements cloudsync.Backend.
func (b *Backend) Download(ctx context.Context, p string, opts cloudsync.DownloadOptions) (io.ReadCloser, error) {
	if err := b.begin(ctx, "download", p); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[p]
	if !ok || n.dir {
		return nil, notFound("download", p)
	}

	if opts.IfMatch != "" && n.etag() != opts.IfMatch {
		return nil, cloudsync.NewError(cloudsync.KindResourceHasChanged, "download", p,
			fmt.Errorf("etag %s does not match %s", n.etag(), opts.IfMatch))
	}

	return io.NopCloser(strings.NewReader(string(n.data))), nil
}

// Remove implements cloudsync.Backend.
func (b *Backend) Remove(ctx context.Context, p string) error {
	if err := b.begin(ctx, "remove", p); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.nodes[p]; !ok {
		return notFound("remove", p)
	}

	for candidate := range b.nodes {
		if candidate == p || strings.HasPrefix(candidate, p+"/") {
			delete(b.nodes, candidate)
		}
	}

	return nil
}

// Move implements cloudsync.Backend.
func (b *Backend) Move(ctx context.Context, from, to string) (cloudsync.Entry, error) {
	if err := b.begin(ctx, "move", from); err != nil {
		return cloudsync.Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.nodes[from]
	if !ok {
		return cloudsync.Entry{}, notFound("move", from)
	}

	if _, exists := b.nodes[to]; exists {
		return cloudsync.Entry{}, cloudsync.NewError(cloudsync.KindResourceConflict, "move", to, errors.New("target exists"))
	}

	if parent, ok := b.nodes[cloudsync.ParentPath(to)]; !ok || !parent.dir {
		return cloudsync.Entry{}, notFound("move", cloudsync.ParentPath(to))
	}

	moved := make(map[string]*node)
	for candidate, n := range b.nodes {
		if strings.HasPrefix(candidate, from+"/") {
			moved[to+strings.TrimPrefix(candidate, from)] = n
			delete(b.nodes, candidate)
		}
	}

	delete(b.nodes, from)
	b.nodes[to] = src

	for p, n := range moved {
		b.nodes[p] = n
	}

	return b.entryLocked(to, src), nil
}
