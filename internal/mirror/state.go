package mirror

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlGetFile = `SELECT size, mtime, revision, synced_at FROM files WHERE path = ?`

	sqlUpsertFile = `INSERT INTO files (path, size, mtime, revision, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		 size = excluded.size,
		 mtime = excluded.mtime,
		 revision = excluded.revision,
		 synced_at = excluded.synced_at`

	sqlCountFiles = `SELECT COUNT(*) FROM files`

	sqlInsertRun = `INSERT INTO runs
		(id, started_at, finished_at, uploaded, skipped, conflicts, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlLastRun = `SELECT id, started_at, finished_at, uploaded, skipped, conflicts, errors
		FROM runs ORDER BY finished_at DESC LIMIT 1`
)

// Record is the state of one file as of its last successful upload.
type Record struct {
	Path     string
	Size     int64
	ModTime  time.Time
	Revision string
	SyncedAt time.Time
}

// Matches reports whether a local file with size and mtime is unchanged
// since the record was written.
func (r Record) Matches(size int64, mtime time.Time) bool {
	return r.Size == size && r.ModTime.Equal(mtime)
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Uploaded   int
	Skipped    int
	Conflicts  int
	Errors     int
}

// Store persists mirror state in SQLite. One store tracks one
// local-directory/remote-directory pair.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// StatePath returns the database path for mirroring local into remote on
// cloud. The name is stable for the same triple.
func StatePath(dir, cloud, local, remote string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(cloud+"\x00"+local+"\x00"+remote))

	return filepath.Join(dir, cloud+"-"+id.String()+".db")
}

// OpenStore opens the SQLite database at dbPath, creating it and running
// migrations as needed.
func OpenStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("mirror: creating state directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("mirror: opening database %s: %w", dbPath, err)
	}

	// Workers write concurrently; serialize them on one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("mirror state opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// runMigrations applies all pending schema migrations with the goose
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("mirror: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("mirror: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("mirror: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for path. ok is false when none exists.
func (s *Store) Get(ctx context.Context, path string) (rec Record, ok bool, err error) {
	var mtime, synced int64

	err = s.db.QueryRowContext(ctx, sqlGetFile, path).Scan(&rec.Size, &mtime, &rec.Revision, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("mirror: reading state for %s: %w", path, err)
	}

	rec.Path = path
	rec.ModTime = time.Unix(0, mtime)
	rec.SyncedAt = time.Unix(0, synced)

	return rec, true, nil
}

// Put stores rec, stamping SyncedAt.
func (s *Store) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertFile,
		rec.Path, rec.Size, rec.ModTime.UnixNano(), rec.Revision, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("mirror: writing state for %s: %w", rec.Path, err)
	}

	return nil
}

// Count returns the number of tracked files.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountFiles).Scan(&n); err != nil {
		return 0, fmt.Errorf("mirror: counting state rows: %w", err)
	}

	return n, nil
}

// RecordRun appends a run to the history and returns its id.
func (s *Store) RecordRun(ctx context.Context, started time.Time, rep *Report) (string, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, sqlInsertRun, id,
		started.UnixNano(), s.nowFunc().UnixNano(),
		rep.Uploaded, rep.Skipped, len(rep.Conflicts), len(rep.Failures))
	if err != nil {
		return "", fmt.Errorf("mirror: recording run: %w", err)
	}

	return id, nil
}

// LastRun returns the most recent run. ok is false when none was recorded.
func (s *Store) LastRun(ctx context.Context) (run RunSummary, ok bool, err error) {
	var started, finished int64

	err = s.db.QueryRowContext(ctx, sqlLastRun).Scan(&run.ID, &started, &finished,
		&run.Uploaded, &run.Skipped, &run.Conflicts, &run.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, false, nil
	}

	if err != nil {
		return RunSummary{}, false, fmt.Errorf("mirror: reading last run: %w", err)
	}

	run.StartedAt = time.Unix(0, started)
	run.FinishedAt = time.Unix(0, finished)

	return run, true, nil
}
