package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 3
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	maxErrorBody      = 64 << 10

	// DefaultUserAgent identifies the library to servers.
	DefaultUserAgent = "cloudsync-go/0.1"
)

// Authorizer decorates an outgoing request with credentials. Defined at
// the consumer so providers can plug in whatever the session holds.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req *http.Request) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// SessionAuthorizer authorizes requests with the session's current
// credentials.
func SessionAuthorizer(creds func() cloudsync.Credentials) Authorizer {
	return AuthorizerFunc(func(ctx context.Context, req *http.Request) error {
		return cloudsync.Authorize(ctx, req, creds())
	})
}

// Request describes one HTTP exchange.
type Request struct {
	Method string
	// Path is appended to the base URL. Absolute URLs (pre-authenticated
	// download or upload URLs) are used as-is.
	Path   string
	Header http.Header
	// Body is sent as-is. Bodies that implement io.Seeker are rewound
	// before a retry; other bodies disable retries.
	Body          io.Reader
	ContentType   string
	ContentLength int64
	// NoAuth skips the Authorizer, for pre-authenticated URLs.
	NoAuth bool
}

// Client is an HTTP client for a provider's REST API. It handles request
// construction, authentication, bounded retry of throttled requests, and
// error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authorizer
	logger     *slog.Logger
	userAgent  string
	maxRetries int

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. A nil auth sends unauthenticated requests.
func NewClient(baseURL string, httpClient *http.Client, auth Authorizer, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		auth:       auth,
		logger:     logger,
		userAgent:  userAgent,
		maxRetries: defaultMaxRetries,
		sleepFunc:  timeSleep,
	}
}

// BaseURL returns the URL paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetSleepFunc replaces the retry wait, for tests in other packages.
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	c.sleepFunc = fn
}

// URL resolves p against the base URL.
func (c *Client) URL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}

	return c.baseURL + p
}

// Do executes req. Non-2xx responses are returned as *StatusError after
// the body has been drained and closed. The caller is responsible for
// closing the response body on success.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	url := c.URL(req.Path)

	_, seekable := req.Body.(io.Seeker)
	retries := c.maxRetries
	if req.Body != nil && !seekable {
		retries = 0
	}

	var attempt int
	for {
		resp, err := c.doOnce(ctx, url, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
			}

			return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.Path, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < retries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("server asked to retry later",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", err)
			}

			if err := rewindBody(req.Body); err != nil {
				return nil, err
			}

			attempt++

			continue
		}

		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RequestID:  requestID(resp),
			Message:    strings.TrimSpace(string(errBody)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// DoJSON executes req and decodes a JSON response into out. A nil out
// discards the body. Decoding failures are reported as InvalidResponse by
// the caller via the returned *DecodeError.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Err: err}
	}

	return nil
}

// JSONBody marshals v into a rewindable request body.
func JSONBody(v any) (io.ReadSeeker, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding request body: %w", err)
	}

	return strings.NewReader(string(data)), nil
}

// DecodeError reports an unparseable response body.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "transport: decoding response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, url string, r Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, url, r.Body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}

	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("client-request-id", uuid.NewString())

	if c.auth != nil && !r.NoAuth {
		if err := c.auth.Authorize(ctx, req); err != nil {
			return nil, err
		}
	}

	return c.httpClient.Do(req)
}

func requestID(resp *http.Response) string {
	for _, h := range []string{"request-id", "X-Request-Id", "X-Dropbox-Request-Id", "Box-Request-Id"} {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}

	return ""
}

// rewindBody seeks a retryable body back to the start.
func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	seeker, ok := body.(io.Seeker)
	if !ok {
		return nil
	}

	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("transport: rewinding request body: %w", err)
	}

	return nil
}

// retryBackoff returns the backoff duration for a retryable response.
// A Retry-After header in seconds takes precedence.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return min(time.Duration(seconds)*time.Second, maxBackoff)
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
