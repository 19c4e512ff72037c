// Package mirror copies a local directory tree into a cloud directory,
// one-way. Unchanged files are detected from a SQLite state database so
// repeated runs only upload what changed. Overwrites are conditional on the
// revision recorded at the last upload: a file changed remotely in the
// meantime is reported as a conflict and left alone.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

const (
	defaultWorkers  = 4
	defaultDebounce = 2 * time.Second
)

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	Workers      int
	MaxFileSize  int64 // 0 means unlimited
	SkipDotfiles bool
	Debounce     time.Duration
}

// Failure is one path that could not be mirrored.
type Failure struct {
	Path string
	Err  error
}

// Report summarizes one run.
type Report struct {
	Uploaded int
	Skipped  int
	// Ignored counts files excluded by options (dotfiles, size limit).
	Ignored   int
	Conflicts []string
	Failures  []Failure
}

// OK reports whether the run finished without conflicts or failures.
func (r *Report) OK() bool {
	return len(r.Conflicts) == 0 && len(r.Failures) == 0
}

// Engine mirrors one local directory into one remote directory.
type Engine struct {
	cloud  *cloudsync.Cloud
	store  *Store
	local  string
	remote string
	opts   Options
	logger *slog.Logger

	// runMu serializes runs; Watch may trigger one while another is active.
	runMu sync.Mutex
}

// New returns an Engine. cloud must be authenticated. remote is an absolute
// cloud path; it is created on the first run when missing.
func New(cloud *cloudsync.Cloud, store *Store, local, remote string, opts Options, logger *slog.Logger) (*Engine, error) {
	abs, err := filepath.Abs(local)
	if err != nil {
		return nil, fmt.Errorf("mirror: resolving %s: %w", local, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("mirror: %s is not a directory", abs)
	}

	remote, err = cloudsync.CleanPath(remote)
	if err != nil {
		return nil, err
	}

	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		cloud:  cloud,
		store:  store,
		local:  abs,
		remote: remote,
		opts:   opts,
		logger: logger,
	}, nil
}

// localFile is a regular file found by the walk.
type localFile struct {
	rel   string // NFC, slash-separated, relative to the local root
	abs   string
	size  int64
	mtime time.Time
}

// collector accumulates results from concurrent workers.
type collector struct {
	mu  sync.Mutex
	rep Report
}

func (c *collector) uploaded() {
	c.mu.Lock()
	c.rep.Uploaded++
	c.mu.Unlock()
}

func (c *collector) skipped() {
	c.mu.Lock()
	c.rep.Skipped++
	c.mu.Unlock()
}

func (c *collector) conflict(rel string) {
	c.mu.Lock()
	c.rep.Conflicts = append(c.rep.Conflicts, rel)
	c.mu.Unlock()
}

func (c *collector) fail(rel string, err error) {
	c.mu.Lock()
	c.rep.Failures = append(c.rep.Failures, Failure{Path: rel, Err: err})
	c.mu.Unlock()
}

func (c *collector) report() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.Strings(c.rep.Conflicts)
	sort.Slice(c.rep.Failures, func(i, j int) bool { return c.rep.Failures[i].Path < c.rep.Failures[j].Path })

	rep := c.rep

	return &rep
}

// Run performs one mirror pass. Per-file problems are collected in the
// report; the error is non-nil only when the pass could not run at all.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	started := time.Now()
	e.logger.Info("mirror run starting", slog.String("local", e.local), slog.String("remote", e.remote))

	dirs, files, ignored, err := e.walk()
	if err != nil {
		return nil, err
	}

	target, err := e.ensureRemoteRoot(ctx)
	if err != nil {
		return nil, err
	}

	col := &collector{}
	col.rep.Ignored = ignored

	remoteDirs := e.ensureDirs(ctx, target, dirs, col)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, f := range files {
		parent, ok := remoteDirs[parentRel(f.rel)]
		if !ok {
			col.fail(f.rel, errors.New("parent directory could not be created"))
			continue
		}

		g.Go(func() error {
			e.mirrorFile(gctx, parent, f, col)
			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	rep := col.report()

	if id, err := e.store.RecordRun(ctx, started, rep); err != nil {
		e.logger.Warn("recording mirror run", slog.String("error", err.Error()))
	} else {
		e.logger.Info("mirror run finished",
			slog.String("run_id", id),
			slog.Int("uploaded", rep.Uploaded),
			slog.Int("skipped", rep.Skipped),
			slog.Int("ignored", rep.Ignored),
			slog.Int("conflicts", len(rep.Conflicts)),
			slog.Int("errors", len(rep.Failures)),
			slog.Duration("elapsed", time.Since(started)),
		)
	}

	return rep, nil
}

// walk lists the local tree. Directories come parent-first. Symlinks and
// special files are not followed.
func (e *Engine) walk() (dirs []string, files []localFile, ignored int, err error) {
	err = filepath.WalkDir(e.local, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if abs == e.local {
			return nil
		}

		rel, err := filepath.Rel(e.local, abs)
		if err != nil {
			return err
		}

		rel = norm.NFC.String(filepath.ToSlash(rel))

		if e.opts.SkipDotfiles && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			ignored++

			return nil
		}

		switch {
		case d.IsDir():
			dirs = append(dirs, rel)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}

			if e.opts.MaxFileSize > 0 && info.Size() > e.opts.MaxFileSize {
				e.logger.Debug("file exceeds max size", slog.String("path", rel), slog.Int64("size", info.Size()))
				ignored++

				return nil
			}

			files = append(files, localFile{rel: rel, abs: abs, size: info.Size(), mtime: info.ModTime()})
		default:
			e.logger.Debug("skipping non-regular file", slog.String("path", rel))
		}

		return nil
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("mirror: walking %s: %w", e.local, err)
	}

	return dirs, files, ignored, nil
}

// ensureRemoteRoot resolves the target directory, creating each missing
// segment.
func (e *Engine) ensureRemoteRoot(ctx context.Context) (*cloudsync.Directory, error) {
	dir, err := e.cloud.Root()
	if err != nil {
		return nil, err
	}

	for _, seg := range cloudsync.SplitPath(e.remote) {
		dir, err = childDir(ctx, dir, seg)
		if err != nil {
			return nil, err
		}
	}

	return dir, nil
}

// childDir returns the directory name below parent, creating it if absent.
func childDir(ctx context.Context, parent *cloudsync.Directory, name string) (*cloudsync.Directory, error) {
	dir, err := parent.Directory(ctx, name)
	if err == nil {
		return dir, nil
	}

	if !cloudsync.IsKind(err, cloudsync.KindNoSuchResource) {
		return nil, err
	}

	dir, err = parent.CreateDirectory(ctx, name)
	if cloudsync.IsKind(err, cloudsync.KindResourceConflict) {
		// Lost a race with another writer, or the name is taken by a file.
		return parent.Directory(ctx, name)
	}

	return dir, err
}

// ensureDirs creates the remote counterparts of dirs. The result maps each
// relative directory ("" for the root) to its remote handle; directories
// that could not be created are absent and their subtrees fail.
func (e *Engine) ensureDirs(ctx context.Context, target *cloudsync.Directory, dirs []string, col *collector) map[string]*cloudsync.Directory {
	out := map[string]*cloudsync.Directory{"": target}

	for _, rel := range dirs {
		parent, ok := out[parentRel(rel)]
		if !ok {
			continue
		}

		dir, err := childDir(ctx, parent, baseRel(rel))
		if err != nil {
			e.logger.Warn("creating remote directory", slog.String("path", rel), slog.String("error", err.Error()))
			col.fail(rel, err)

			continue
		}

		out[rel] = dir
	}

	return out
}

// mirrorFile uploads one file when it changed since the recorded state.
func (e *Engine) mirrorFile(ctx context.Context, parent *cloudsync.Directory, f localFile, col *collector) {
	rec, known, err := e.store.Get(ctx, f.rel)
	if err != nil {
		col.fail(f.rel, err)
		return
	}

	if known && rec.Matches(f.size, f.mtime) {
		col.skipped()
		return
	}

	revision, err := e.upload(ctx, parent, f, rec, known)

	switch {
	case cloudsync.IsKind(err, cloudsync.KindResourceHasChanged), cloudsync.IsKind(err, cloudsync.KindResourceConflict):
		e.logger.Warn("remote file changed, not overwriting", slog.String("path", f.rel))
		col.conflict(f.rel)

		return
	case err != nil:
		e.logger.Warn("upload failed", slog.String("path", f.rel), slog.String("error", err.Error()))
		col.fail(f.rel, err)

		return
	}

	if err := e.store.Put(ctx, Record{Path: f.rel, Size: f.size, ModTime: f.mtime, Revision: revision}); err != nil {
		col.fail(f.rel, err)
		return
	}

	e.logger.Debug("uploaded", slog.String("path", f.rel), slog.Int64("size", f.size))
	col.uploaded()
}

// upload sends f and returns the new remote revision. A file never
// uploaded before is created and must not exist remotely; a known file is
// overwritten only while the remote still carries the recorded revision.
func (e *Engine) upload(ctx context.Context, parent *cloudsync.Directory, f localFile, rec Record, known bool) (string, error) {
	fh, err := os.Open(f.abs)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	name := baseRel(f.rel)

	if known {
		remote, err := parent.File(ctx, name)

		switch {
		case err == nil:
			if rec.Revision != "" && remote.Revision() != rec.Revision {
				return "", cloudsync.NewError(cloudsync.KindResourceHasChanged, "mirror", remote.Path(),
					fmt.Errorf("remote revision %q, recorded %q", remote.Revision(), rec.Revision))
			}

			if err := remote.Write(ctx, fh); err != nil {
				return "", err
			}

			return remote.Revision(), nil
		case !cloudsync.IsKind(err, cloudsync.KindNoSuchResource):
			return "", err
		}

		// Deleted remotely since the last run: upload it again.
	}

	created, err := parent.Upload(ctx, name, fh)
	if err != nil {
		return "", err
	}

	return created.Revision(), nil
}

func parentRel(rel string) string {
	i := strings.LastIndexByte(rel, '/')
	if i < 0 {
		return ""
	}

	return rel[:i]
}

func baseRel(rel string) string {
	return rel[strings.LastIndexByte(rel, '/')+1:]
}
