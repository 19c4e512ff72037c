package cloudsync

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"
)

// Registry maps provider ids to backend constructors. It is an explicit
// object owned by the application; there is no package-level instance.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a provider. Registering the same id twice is an error.
func (r *Registry) Register(id string, ctor Constructor) error {
	if id == "" || ctor == nil {
		return fmt.Errorf("cloudsync: register: empty provider id or nil constructor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[id]; exists {
		return fmt.Errorf("cloudsync: provider already registered: %s", id)
	}

	r.ctors[id] = ctor

	return nil
}

// Providers returns the registered ids in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.ctors))
}

// Option configures a session created by Registry.Create.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	settings   map[string]string
	proxy      string
	timeout    time.Duration
	metrics    *Metrics
}

// WithHTTPClient sets the HTTP client backends send requests through.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEndpoint overrides the provider's base URL.
func WithEndpoint(u string) Option {
	return func(o *options) { o.endpoint = u }
}

// WithSetting sets a provider-specific setting.
func WithSetting(key, value string) Option {
	return func(o *options) {
		if o.settings == nil {
			o.settings = make(map[string]string)
		}

		o.settings[key] = value
	}
}

// WithProxy routes all traffic through the given proxy URL.
func WithProxy(proxyURL string) Option {
	return func(o *options) { o.proxy = proxyURL }
}

// WithTimeout bounds every HTTP exchange of the session.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMetrics records operation metrics for the session.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Create builds an unauthenticated session for provider id. Unknown ids
// fail with ErrUnknownProvider.
func (r *Registry) Create(id string, creds Credentials, opts ...Option) (*Cloud, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	hc, err := o.client()
	if err != nil {
		return nil, err
	}

	c := newCloud(id, creds, o.logger, o.metrics)
	if creds != nil {
		if err := creds.bind(c); err != nil {
			return nil, err
		}
	}

	backend, err := ctor(BackendConfig{
		Endpoint:    o.endpoint,
		Settings:    o.settings,
		HTTPClient:  hc,
		Logger:      c.logger,
		Credentials: c.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudsync: creating %s backend: %w", id, err)
	}

	c.backend = backend

	return c, nil
}

func (o *options) client() (*http.Client, error) {
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{}
	} else {
		cp := *hc
		hc = &cp
	}

	if o.timeout > 0 {
		hc.Timeout = o.timeout
	}

	if o.proxy == "" {
		return hc, nil
	}

	u, err := url.Parse(o.proxy)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: invalid proxy URL: %w", err)
	}

	base, ok := hc.Transport.(*http.Transport)
	if hc.Transport == nil {
		base, ok = http.DefaultTransport.(*http.Transport)
	}

	if !ok {
		return nil, fmt.Errorf("cloudsync: proxy requires an *http.Transport")
	}

	tr := base.Clone()
	tr.Proxy = http.ProxyURL(u)
	hc.Transport = tr

	return hc, nil
}
