package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// expirySkew treats tokens this close to expiry as already expired, so a
// request never starts with a token that dies in flight.
const expirySkew = 10 * time.Second

// Credentials is the sealed set of secrets a Cloud authenticates with.
// The only implementations are *BasicCredentials and *OAuth2Credentials.
type Credentials interface {
	// Valid is a cheap local check: secrets are present and, for tokens,
	// not known to be expired. It never touches the network.
	Valid() bool

	bind(owner *Cloud) error
}

// ErrNoTokenEndpoint reports an OAuth2 refresh attempted on credentials
// that have neither a refresher nor a token endpoint.
var ErrNoTokenEndpoint = errors.New("cloudsync: no token endpoint configured")

// owned tracks which session a credential set belongs to.
type owned struct {
	owner atomic.Pointer[Cloud]
}

func (o *owned) bind(c *Cloud) error {
	if o.owner.CompareAndSwap(nil, c) || o.owner.Load() == c {
		return nil
	}

	return ErrCredentialsInUse
}

// BasicCredentials is a username/password pair.
type BasicCredentials struct {
	owned

	Username string
	password string
}

// NewBasicCredentials returns basic credentials.
func NewBasicCredentials(username, password string) *BasicCredentials {
	return &BasicCredentials{Username: username, password: password}
}

// Valid reports whether both username and password are set.
func (c *BasicCredentials) Valid() bool {
	return c.Username != "" && c.password != ""
}

// Password returns the secret. Backends that sign requests themselves
// (S3 access key pairs) need the raw value.
func (c *BasicCredentials) Password() string {
	return c.password
}

// String never includes the password.
func (c *BasicCredentials) String() string {
	return fmt.Sprintf("basic(%s)", c.Username)
}

// TokenRefresher exchanges a refresh token for a new token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenRefresherFunc adapts a function to TokenRefresher.
type TokenRefresherFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// RefreshToken implements TokenRefresher.
func (f TokenRefresherFunc) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}

// OAuth2Credentials hold an access/refresh token pair. Refresh replaces the
// token atomically and concurrent refreshes collapse into one exchange.
type OAuth2Credentials struct {
	owned

	mu     sync.RWMutex
	token  *oauth2.Token
	gen    uint64 // incremented on every successful refresh
	config oauth2.Config

	refresher  TokenRefresher
	httpClient *http.Client
	onChange   func(*oauth2.Token)
	now        func() time.Time

	group     singleflight.Group
	exchanges atomic.Int64
}

// OAuth2Option configures OAuth2Credentials.
type OAuth2Option func(*OAuth2Credentials)

// WithClientID sets the OAuth2 client id used for refresh.
func WithClientID(id string) OAuth2Option {
	return func(c *OAuth2Credentials) { c.config.ClientID = id }
}

// WithClientSecret sets the OAuth2 client secret used for refresh.
func WithClientSecret(secret string) OAuth2Option {
	return func(c *OAuth2Credentials) { c.config.ClientSecret = secret }
}

// WithTokenEndpoint sets the provider's OAuth2 endpoint. Sessions fill it
// in from the backend when it is left unset.
func WithTokenEndpoint(ep oauth2.Endpoint) OAuth2Option {
	return func(c *OAuth2Credentials) { c.config.Endpoint = ep }
}

// WithTokenRefresher replaces the oauth2 token exchange, mainly for tests.
func WithTokenRefresher(r TokenRefresher) OAuth2Option {
	return func(c *OAuth2Credentials) { c.refresher = r }
}

// WithTokenChangeHook registers fn to run after every refresh, typically
// to persist the new token. fn runs outside the credential lock.
func WithTokenChangeHook(fn func(*oauth2.Token)) OAuth2Option {
	return func(c *OAuth2Credentials) { c.onChange = fn }
}

// WithRefreshHTTPClient sets the client used for token exchanges.
func WithRefreshHTTPClient(hc *http.Client) OAuth2Option {
	return func(c *OAuth2Credentials) { c.httpClient = hc }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) OAuth2Option {
	return func(c *OAuth2Credentials) { c.now = now }
}

// NewOAuth2Credentials wraps tok. A nil tok yields credentials that are
// never valid.
func NewOAuth2Credentials(tok *oauth2.Token, opts ...OAuth2Option) *OAuth2Credentials {
	c := &OAuth2Credentials{now: time.Now}
	if tok != nil {
		cp := *tok
		c.token = &cp
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Valid reports whether an access token is present and unexpired.
func (c *OAuth2Credentials) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.validLocked()
}

func (c *OAuth2Credentials) validLocked() bool {
	if c.token == nil || c.token.AccessToken == "" {
		return false
	}

	if c.token.Expiry.IsZero() {
		return true
	}

	return c.now().Add(expirySkew).Before(c.token.Expiry)
}

// CanRefresh reports whether a refresh token is available.
func (c *OAuth2Credentials) CanRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token != nil && c.token.RefreshToken != ""
}

// Token returns a copy of the current token.
func (c *OAuth2Credentials) Token() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == nil {
		return nil
	}

	cp := *c.token

	return &cp
}

// CurrentRefreshToken returns the refresh token currently held, which may
// differ from the one supplied at construction after a rotation.
func (c *OAuth2Credentials) CurrentRefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == nil {
		return ""
	}

	return c.token.RefreshToken
}

// Exchanges returns how many token exchanges have been performed.
func (c *OAuth2Credentials) Exchanges() int64 {
	return c.exchanges.Load()
}

// AccessToken returns a usable access token, refreshing first when the
// current one is expired and a refresh token exists.
func (c *OAuth2Credentials) AccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	valid := c.validLocked()
	gen := c.gen
	var access string
	if c.token != nil {
		access = c.token.AccessToken
	}
	c.mu.RUnlock()

	if valid {
		return access, nil
	}

	if !c.CanRefresh() {
		return "", NewError(KindAuthorizationFailed, "authorize", "", errors.New("access token expired and no refresh token"))
	}

	tok, err := c.refreshFrom(ctx, gen)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Refresh exchanges the refresh token for a new token. Callers racing with
// an in-flight refresh share its result instead of exchanging again.
func (c *OAuth2Credentials) Refresh(ctx context.Context) (*oauth2.Token, error) {
	return c.refreshFrom(ctx, c.generation())
}

func (c *OAuth2Credentials) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.gen
}

// refreshFrom refreshes unless the token has already been replaced since
// the caller observed generation seen.
func (c *OAuth2Credentials) refreshFrom(ctx context.Context, seen uint64) (*oauth2.Token, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		c.mu.RLock()
		current := c.gen
		var rt string
		if c.token != nil {
			rt = c.token.RefreshToken
		}
		c.mu.RUnlock()

		if current != seen {
			return c.Token(), nil
		}

		if rt == "" {
			return nil, NewError(KindAuthorizationFailed, "refresh", "", errors.New("no refresh token"))
		}

		c.exchanges.Add(1)

		tok, err := c.exchange(ctx, rt)
		if err != nil {
			return nil, classifyRefreshError(err)
		}

		if tok.RefreshToken == "" {
			tok.RefreshToken = rt
		}

		c.mu.Lock()
		c.token = tok
		c.gen++
		c.mu.Unlock()

		if c.onChange != nil {
			cp := *tok
			c.onChange(&cp)
		}

		return c.Token(), nil
	})
	if err != nil {
		return nil, err
	}

	tok, _ := v.(*oauth2.Token)

	return tok, nil
}

func (c *OAuth2Credentials) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if c.refresher != nil {
		return c.refresher.RefreshToken(ctx, refreshToken)
	}

	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()

	if cfg.Endpoint.TokenURL == "" {
		return nil, NewError(KindAuthorizationFailed, "refresh", "", ErrNoTokenEndpoint)
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	// An expired token carrying only the refresh token forces the
	// oauth2 source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})

	return src.Token()
}

// bindEndpoint fills in the token endpoint when none was configured.
func (c *OAuth2Credentials) bindEndpoint(ep oauth2.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Endpoint.TokenURL == "" {
		c.config.Endpoint = ep
	}
}

// classifyRefreshError maps a token-exchange failure. A response from the
// token endpoint is a rejection; anything else failed on the wire. The
// message carries only status and OAuth2 error code, never the token.
func classifyRefreshError(err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		cause := fmt.Errorf("token endpoint rejected refresh: HTTP %d %s", status, re.ErrorCode)
		if status >= http.StatusInternalServerError {
			return NewError(KindCommunicationError, "refresh", "", cause)
		}

		return NewError(KindAuthorizationFailed, "refresh", "", cause)
	}

	return NewError(KindCommunicationError, "refresh", "", fmt.Errorf("token exchange failed: %w", err))
}

