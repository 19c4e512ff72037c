package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the authentication state of a session.
type State int

// Session states.
const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cloud is a session with one provider, bound to one credential set. It
// is safe for concurrent use. Resources produced by a Cloud reference it
// and are only valid while it is.
type Cloud struct {
	provider string
	backend  Backend
	logger   *slog.Logger
	metrics  *Metrics

	mu    sync.RWMutex
	creds Credentials
	state State
}

func newCloud(provider string, creds Credentials, logger *slog.Logger, metrics *Metrics) *Cloud {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cloud{
		provider: provider,
		creds:    creds,
		logger:   logger.With(slog.String("provider", provider)),
		metrics:  metrics,
	}
}

// NewCloud wires a session around an already constructed backend. Most
// callers go through Registry.Create instead.
func NewCloud(provider string, backend Backend, creds Credentials, logger *slog.Logger) (*Cloud, error) {
	c := newCloud(provider, creds, logger, nil)
	c.backend = backend

	if creds != nil {
		if err := creds.bind(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Provider returns the provider id the session was created for.
func (c *Cloud) Provider() string {
	return c.provider
}

// State returns the current authentication state.
func (c *Cloud) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Backend returns the provider implementation behind the session.
func (c *Cloud) Backend() Backend {
	return c.backend
}

// Credentials returns the credentials currently bound to the session.
func (c *Cloud) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.creds
}

// Authenticate binds creds to the session and verifies them with the
// provider. A nil creds reuses the credentials given at creation. On
// failure the session is left unauthenticated.
func (c *Cloud) Authenticate(ctx context.Context, creds Credentials) error {
	if creds == nil {
		creds = c.Credentials()
	}

	if creds == nil {
		return NewError(KindAuthorizationFailed, "authenticate", "", errors.New("no credentials"))
	}

	if err := creds.bind(c); err != nil {
		return err
	}

	switch cr := creds.(type) {
	case *BasicCredentials:
		if !cr.Valid() {
			return NewError(KindAuthorizationFailed, "authenticate", "", errors.New("username or password missing"))
		}
	case *OAuth2Credentials:
		if ob, ok := c.backend.(OAuth2Backend); ok {
			cr.bindEndpoint(ob.OAuth2Endpoint())
		}

		if !cr.Valid() && !cr.CanRefresh() {
			return NewError(KindAuthorizationFailed, "authenticate", "", errors.New("token expired and no refresh token"))
		}
	}

	c.mu.Lock()
	c.creds = creds
	c.state = StateUnauthenticated
	c.mu.Unlock()

	err := c.invoke(ctx, "authenticate", RootPath, c.backend.Verify)
	if err != nil {
		c.logger.Warn("authentication failed", slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.mu.Unlock()

	c.logger.Info("authenticated")

	return nil
}

// Root returns the top-level directory. It makes no network call and
// fails with KindAuthorizationFailed until Authenticate has succeeded.
func (c *Cloud) Root() (*Directory, error) {
	if c.State() == StateUnauthenticated {
		return nil, NewError(KindAuthorizationFailed, "root", "", ErrNotAuthenticated)
	}

	return &Directory{entry: entry{cloud: c, path: RootPath, id: RootPath}}, nil
}

// Resolve looks up the resource at the absolute path p.
func (c *Cloud) Resolve(ctx context.Context, p string) (Resource, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	if clean == RootPath {
		return c.Root()
	}

	e, err := c.stat(ctx, "resolve", clean)
	if err != nil {
		return nil, err
	}

	return c.wrap(e), nil
}

// Ping lists the root directory's first page to check the session is
// usable.
func (c *Cloud) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", RootPath, func(ctx context.Context) error {
		_, err := c.backend.List(ctx, RootPath, "")
		return err
	})
}

// UserDisplayName returns the provider's name for the signed-in account.
func (c *Cloud) UserDisplayName(ctx context.Context) (string, error) {
	info, ok := c.backend.(AccountInfo)
	if !ok {
		return "", fmt.Errorf("%w: display name for %s", ErrNotSupported, c.provider)
	}

	var name string
	err := c.call(ctx, "whoami", "", func(ctx context.Context) error {
		var derr error
		name, derr = info.DisplayName(ctx)
		return derr
	})

	return name, err
}

// Logout revokes the credentials server-side where the provider supports
// it and returns the session to the unauthenticated state.
func (c *Cloud) Logout(ctx context.Context) error {
	if lb, ok := c.backend.(LogoutBackend); ok && c.State() != StateUnauthenticated {
		if err := c.call(ctx, "logout", "", lb.Logout); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.state = StateUnauthenticated
	c.mu.Unlock()

	c.logger.Info("logged out")

	return nil
}

// CurrentRefreshToken returns the OAuth2 refresh token in use, or "" for
// other credential types.
func (c *Cloud) CurrentRefreshToken() string {
	if oc, ok := c.Credentials().(*OAuth2Credentials); ok {
		return oc.CurrentRefreshToken()
	}

	return ""
}

func (c *Cloud) stat(ctx context.Context, op, p string) (Entry, error) {
	var e Entry
	err := c.call(ctx, op, p, func(ctx context.Context) error {
		var serr error
		e, serr = c.backend.Stat(ctx, p)
		return serr
	})

	if err == nil && e.Path == "" {
		e.Path = p
	}

	return e, err
}

// call runs a remote operation on an authenticated session.
func (c *Cloud) call(ctx context.Context, op, p string, fn func(context.Context) error) error {
	if c.State() == StateUnauthenticated {
		return NewError(KindAuthorizationFailed, op, p, ErrNotAuthenticated)
	}

	return c.invoke(ctx, op, p, fn)
}

// invoke runs fn, classifies its failure, and on a rejected OAuth2 token
// refreshes once and retries once. Basic credentials never retry.
func (c *Cloud) invoke(ctx context.Context, op, p string, fn func(context.Context) error) error {
	start := time.Now()

	oc, _ := c.Credentials().(*OAuth2Credentials)

	var seen uint64
	if oc != nil {
		seen = oc.generation()
	}

	err := classify(op, p, fn(ctx))

	if err != nil && IsKind(err, KindAuthorizationFailed) && oc != nil && oc.CanRefresh() && !errors.Is(err, ErrNotAuthenticated) {
		c.transition(StateAuthenticated, StateExpired)
		c.logger.Info("access token rejected, refreshing", slog.String("op", op))

		_, rerr := oc.refreshFrom(ctx, seen)
		c.metrics.refreshed(c.provider, rerr)

		if rerr != nil {
			c.metrics.observe(c.provider, op, rerr, time.Since(start))
			return classify(op, p, rerr)
		}

		c.transition(StateExpired, StateAuthenticated)

		err = classify(op, p, fn(ctx))
		if IsKind(err, KindAuthorizationFailed) {
			c.transition(StateAuthenticated, StateExpired)
		}
	}

	c.metrics.observe(c.provider, op, err, time.Since(start))

	if err != nil {
		c.logger.Debug("operation failed",
			slog.String("op", op),
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}

	return err
}

func (c *Cloud) transition(from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == from {
		c.state = to
	}
}

// wrap turns backend metadata into a session-bound Resource.
func (c *Cloud) wrap(e Entry) Resource {
	id := e.ID
	if id == "" {
		id = e.Path
	}

	base := entry{cloud: c, path: e.Path, id: id, modified: e.ModTime}

	if e.Type == TypeDirectory {
		return &Directory{entry: base}
	}

	return &File{entry: base, size: e.Size, revision: e.Revision}
}
