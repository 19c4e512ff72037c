package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
)

// Listing is a pull iterator over a directory's children. It owns its
// pagination cursor and keeps requesting pages until the provider reports
// none left. A Listing is not safe for concurrent use; create one per
// consumer with Directory.List.
//
//	l := dir.List()
//	for l.Next(ctx) {
//		use(l.Resource())
//	}
//	if err := l.Err(); err != nil { ... }
type Listing struct {
	dir *Directory

	cursor  string
	started bool
	buf     []Entry
	idx     int
	cur     Resource
	err     error
}

// Next advances to the next child, fetching the next page when the
// current one is exhausted. It returns false at the end or on error.
func (l *Listing) Next(ctx context.Context) bool {
	for {
		if l.err != nil {
			return false
		}

		if l.idx < len(l.buf) {
			l.cur = l.dir.cloud.wrap(l.buf[l.idx])
			l.idx++

			return true
		}

		if l.started && l.cursor == "" {
			l.cur = nil
			return false
		}

		if err := l.fetch(ctx); err != nil {
			l.err = err
			l.cur = nil

			return false
		}
	}
}

func (l *Listing) fetch(ctx context.Context) error {
	c := l.dir.cloud
	p := l.dir.path
	prev := l.cursor

	var page Page
	err := c.call(ctx, "list", p, func(ctx context.Context) error {
		var lerr error
		page, lerr = c.backend.List(ctx, p, prev)
		return lerr
	})
	if err != nil {
		return err
	}

	if l.started && page.Next != "" && page.Next == prev {
		return NewError(KindInvalidResponse, "list", p, fmt.Errorf("pagination cursor did not advance"))
	}

	l.started = true
	l.buf = page.Entries
	l.idx = 0
	l.cursor = page.Next

	c.logger.Debug("listed page",
		slog.String("path", p),
		slog.Int("entries", len(page.Entries)),
		slog.Bool("more", page.Next != ""),
	)

	return nil
}

// Resource returns the child Next advanced to.
func (l *Listing) Resource() Resource {
	return l.cur
}

// Err returns the error that stopped the iteration, if any.
func (l *Listing) Err() error {
	return l.err
}

// Reset rewinds the iterator so the next call to Next starts a fresh
// listing from the first page.
func (l *Listing) Reset() {
	*l = Listing{dir: l.dir}
}
