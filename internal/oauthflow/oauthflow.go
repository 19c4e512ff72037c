// Package oauthflow obtains the first OAuth2 token for a cloud, either with
// the device code flow or with an authorization code + PKCE flow through a
// localhost callback. Refreshing is done by cloudsync.OAuth2Credentials.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoClientID is returned when a provider has no built-in client id and
// none was configured.
var ErrNoClientID = errors.New("oauthflow: client_id is required for this provider")

// ErrNoDeviceFlow is returned by Device for providers without a device
// authorization endpoint.
var ErrNoDeviceFlow = errors.New("oauthflow: provider does not support the device code flow")

// Public client registered for OneDrive (multi-tenant + personal accounts).
const oneDriveClientID = "8efac532-bbe7-4bc5-919c-1443ccab860a"

// provider describes how one provider is logged into.
type provider struct {
	clientID   string
	scopes     []string
	authParams []oauth2.AuthCodeOption
}

var providers = map[string]provider{
	"onedrive": {
		clientID: oneDriveClientID,
		scopes:   []string{"offline_access", "Files.ReadWrite.All", "User.Read"},
	},
	"gdrive": {
		scopes:     []string{"https://www.googleapis.com/auth/drive"},
		authParams: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "consent")},
	},
	"dropbox": {
		authParams: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("token_access_type", "offline")},
	},
	"box": {
		scopes: []string{"root_readwrite"},
	},
}

// Supported reports whether provider id logs in with OAuth2.
func Supported(id string) bool {
	_, ok := providers[id]
	return ok
}

// DefaultClientID returns the built-in client id for provider id, or ""
// when the provider needs one configured.
func DefaultClientID(id string) string {
	return providers[id].clientID
}

// DeviceAuth holds the device code response fields shown to the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Flow runs interactive logins against one OAuth2 endpoint.
type Flow struct {
	cfg        *oauth2.Config
	authParams []oauth2.AuthCodeOption
	logger     *slog.Logger
	stderr     io.Writer
}

// New returns a Flow for provider id. clientID and clientSecret override
// the built-in registration when set.
func New(id string, ep oauth2.Endpoint, clientID, clientSecret string, logger *slog.Logger) (*Flow, error) {
	p, ok := providers[id]
	if !ok {
		return nil, fmt.Errorf("oauthflow: provider %q does not use OAuth2", id)
	}

	if clientID == "" {
		clientID = p.clientID
	}

	if clientID == "" {
		return nil, ErrNoClientID
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Flow{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     ep,
			Scopes:       p.scopes,
		},
		authParams: p.authParams,
		logger:     logger,
		stderr:     os.Stderr,
	}, nil
}

// ClientID returns the client id the flow authenticates as. Refreshes must
// use the same one.
func (f *Flow) ClientID() string {
	return f.cfg.ClientID
}

// SupportsDevice reports whether the endpoint offers the device code flow.
func (f *Flow) SupportsDevice() bool {
	return f.cfg.Endpoint.DeviceAuthURL != ""
}

// Device performs the device code flow: it requests a code, hands it to
// display, and polls until the user authorizes or ctx ends.
func (f *Flow) Device(ctx context.Context, display func(DeviceAuth)) (*oauth2.Token, error) {
	if !f.SupportsDevice() {
		return nil, ErrNoDeviceFlow
	}

	f.logger.Info("starting device code auth flow")

	da, err := f.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: device auth request failed: %w", err)
	}

	f.logger.Info("device code received, waiting for user authorization")

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := f.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: device code authorization failed: %w", err)
	}

	f.logger.Info("user authorized", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// callbackPath is the HTTP path the redirect hits on the local server.
const callbackPath = "/"

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

type callbackResult struct {
	code string
	err  error
}

// Browser performs the authorization code + PKCE flow. openURL is called
// with the authorization URL; if it fails the URL is printed so the user can
// open it by hand.
func (f *Flow) Browser(ctx context.Context, openURL func(string) error) (*oauth2.Token, error) {
	f.logger.Info("starting browser auth flow (authorization code + PKCE)")

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := f.startCallbackServer(ctx, mux, resultCh)
	if err != nil {
		return nil, err
	}

	defer f.shutdownCallbackServer(srv)

	cfg := *f.cfg
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generating state token: %w", err)
	}

	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, state, resultCh)
	})

	opts := append([]oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}, f.authParams...)

	authURL := cfg.AuthCodeURL(state, opts...)

	f.logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		f.logger.Warn("failed to open browser, printing URL", slog.String("error", openErr.Error()))
		fmt.Fprintf(f.stderr, "Open this URL in your browser:\n%s\n", authURL)
	}

	var code string

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}

		code = result.code
	case <-ctx.Done():
		return nil, fmt.Errorf("oauthflow: browser auth canceled: %w", ctx.Err())
	}

	f.logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: token exchange failed: %w", err)
	}

	f.logger.Info("token exchange successful", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// startCallbackServer binds 127.0.0.1:0 and serves mux on it.
func (f *Flow) startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("oauthflow: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, errors.New("oauthflow: listener address is not TCP")
	}

	f.logger.Debug("callback server listening", slog.Int("port", tcpAddr.Port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("oauthflow: callback server error: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, tcpAddr.Port, nil
}

func (f *Flow) shutdownCallbackServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		f.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// handleCallback validates the state, extracts the code, and reports the
// result. Only the first callback is delivered.
func handleCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	var result callbackResult

	switch {
	case q.Get("state") != state:
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		result.err = errors.New("oauthflow: OAuth2 state mismatch (possible CSRF)")
	case q.Get("error") != "":
		http.Error(w, "Authorization failed: "+q.Get("error"), http.StatusBadRequest)
		result.err = fmt.Errorf("oauthflow: authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		result.err = errors.New("oauthflow: callback missing authorization code")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")

		result.code = q.Get("code")
	}

	select {
	case resultCh <- result:
	default:
	}
}

// generateState produces a random hex string for the OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
