package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/tonimelisma/cloudsync-go/internal/config"
	"github.com/tonimelisma/cloudsync-go/internal/oauthflow"
	"github.com/tonimelisma/cloudsync-go/internal/tokenfile"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/providers"
)

// errNotLoggedIn is returned for an OAuth2 cloud without a saved token.
var errNotLoggedIn = errors.New("not logged in")

// openCloud resolves the selected cloud, builds its credentials and returns
// an authenticated session.
func (cc *CLIContext) openCloud(ctx context.Context) (*cloudsync.Cloud, *config.Resolved, error) {
	rc, err := cc.resolveCloud()
	if err != nil {
		return nil, nil, err
	}

	creds, err := cc.credentials(rc)
	if err != nil {
		return nil, nil, err
	}

	c, err := cc.newSession(rc, creds)
	if err != nil {
		return nil, nil, err
	}

	if err := c.Authenticate(ctx, nil); err != nil {
		if cloudsync.IsKind(err, cloudsync.KindAuthorizationFailed) && providers.UsesOAuth2(rc.Cloud.Provider) {
			return nil, nil, fmt.Errorf("%s: %w (run 'cloudsync login --cloud %s')", rc.Name, err, rc.Name)
		}

		return nil, nil, fmt.Errorf("%s: %w", rc.Name, err)
	}

	cc.Logger.Debug("session ready",
		"cloud", rc.Name,
		"provider", rc.Cloud.Provider,
	)

	return c, rc, nil
}

// newSession creates an unauthenticated session for rc. creds may be nil.
func (cc *CLIContext) newSession(rc *config.Resolved, creds cloudsync.Credentials) (*cloudsync.Cloud, error) {
	c, err := cc.Registry.Create(rc.Cloud.Provider, creds, cc.sessionOptions(rc)...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rc.Name, err)
	}

	return c, nil
}

func (cc *CLIContext) sessionOptions(rc *config.Resolved) []cloudsync.Option {
	opts := []cloudsync.Option{
		cloudsync.WithLogger(cc.Logger.With("cloud", rc.Name)),
		cloudsync.WithTimeout(rc.Timeout),
	}

	if rc.Cloud.URL != "" {
		opts = append(opts, cloudsync.WithEndpoint(rc.Cloud.URL))
	}

	if rc.Cloud.Proxy != "" {
		opts = append(opts, cloudsync.WithProxy(rc.Cloud.Proxy))
	}

	for k, v := range rc.Cloud.Settings {
		opts = append(opts, cloudsync.WithSetting(k, v))
	}

	if rc.Network.UserAgent != "" {
		opts = append(opts, cloudsync.WithSetting("user_agent", rc.Network.UserAgent))
	}

	if cc.Metrics != nil {
		opts = append(opts, cloudsync.WithMetrics(cc.Metrics))
	}

	return opts
}

// credentials builds the credentials for rc: a saved OAuth2 token that
// persists its refreshes, or the configured username and password.
func (cc *CLIContext) credentials(rc *config.Resolved) (cloudsync.Credentials, error) {
	if !providers.UsesOAuth2(rc.Cloud.Provider) {
		return cloudsync.NewBasicCredentials(rc.Cloud.Username, rc.Cloud.Password), nil
	}

	tok, meta, err := tokenfile.Load(rc.TokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("%s: %w, run 'cloudsync login --cloud %s'", rc.Name, errNotLoggedIn, rc.Name)
	}

	// Refreshes must use the client id the token was issued to.
	clientID := meta[tokenfile.MetaClientID]
	if clientID == "" {
		clientID = rc.Cloud.ClientID
	}

	if clientID == "" {
		clientID = oauthflow.DefaultClientID(rc.Cloud.Provider)
	}

	persister := tokenfile.NewPersister(rc.TokenPath, cc.Logger)

	return cloudsync.NewOAuth2Credentials(tok,
		cloudsync.WithClientID(clientID),
		cloudsync.WithClientSecret(rc.Cloud.ClientSecret),
		cloudsync.WithTokenChangeHook(persister.Save),
	), nil
}
