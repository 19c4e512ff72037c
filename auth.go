package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/internal/config"
	"github.com/tonimelisma/cloudsync-go/internal/oauthflow"
	"github.com/tonimelisma/cloudsync-go/internal/tokenfile"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/providers"
)

// openBrowser launches the system browser. Replaced in tests.
var openBrowser = func(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	return cmd.Start()
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to a configured cloud",
		Long: `Sign in to the selected cloud and save its token.

OAuth2 providers (onedrive, gdrive, dropbox, box) open a browser by default.
Use --device on a headless machine where the provider supports the
device code flow. For username/password providers, login only checks
the configured credentials.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().Bool("device", false, "use the device code flow instead of a browser")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the saved token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	rc, err := cc.resolveCloud()
	if err != nil {
		return err
	}

	if !providers.UsesOAuth2(rc.Cloud.Provider) {
		if _, _, err := cc.openCloud(ctx); err != nil {
			return err
		}

		cc.Statusf("Credentials for %s verified.\n", rc.Name)

		return nil
	}

	device, err := cmd.Flags().GetBool("device")
	if err != nil {
		return err
	}

	c, err := cc.newSession(rc, nil)
	if err != nil {
		return err
	}

	ob, ok := c.Backend().(cloudsync.OAuth2Backend)
	if !ok {
		return fmt.Errorf("%s: provider %s has no OAuth2 endpoint", rc.Name, rc.Cloud.Provider)
	}

	flow, err := oauthflow.New(rc.Cloud.Provider, ob.OAuth2Endpoint(), rc.Cloud.ClientID, rc.Cloud.ClientSecret, cc.Logger)
	if err != nil {
		if errors.Is(err, oauthflow.ErrNoClientID) {
			return fmt.Errorf("%s: %w; set client_id in [cloud.%s]", rc.Name, err, rc.Name)
		}

		return err
	}

	tok, err := runFlow(ctx, cc, flow, device)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	creds := cloudsync.NewOAuth2Credentials(tok,
		cloudsync.WithClientID(flow.ClientID()),
		cloudsync.WithClientSecret(rc.Cloud.ClientSecret),
	)

	if err := c.Authenticate(ctx, creds); err != nil {
		return fmt.Errorf("verifying new token: %w", err)
	}

	meta := map[string]string{
		tokenfile.MetaProvider: rc.Cloud.Provider,
		tokenfile.MetaClientID: flow.ClientID(),
	}

	name, err := c.UserDisplayName(ctx)
	if err == nil {
		meta[tokenfile.MetaDisplayName] = name
	} else {
		cc.Logger.Debug("display name unavailable", "error", err)
	}

	// The session may have refreshed already; save what it holds now.
	if err := tokenfile.Save(rc.TokenPath, creds.Token(), meta); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	if name != "" {
		cc.Statusf("Signed in to %s as %s.\n", rc.Name, name)
	} else {
		cc.Statusf("Signed in to %s.\n", rc.Name)
	}

	return nil
}

func runFlow(ctx context.Context, cc *CLIContext, flow *oauthflow.Flow, device bool) (*oauth2.Token, error) {
	if device {
		return flow.Device(ctx, func(da oauthflow.DeviceAuth) {
			fmt.Fprintf(cc.Err, "To sign in, visit %s and enter the code %s\n", da.VerificationURI, da.UserCode)
		})
	}

	return flow.Browser(ctx, openBrowser)
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	rc, err := cc.resolveCloud()
	if err != nil {
		return err
	}

	if !providers.UsesOAuth2(rc.Cloud.Provider) {
		cc.Statusf("%s uses credentials from the config file; nothing to remove.\n", rc.Name)
		return nil
	}

	revokeToken(ctx, cc, rc)

	if err := tokenfile.Remove(rc.TokenPath); err != nil {
		return err
	}

	cc.Statusf("Signed out of %s.\n", rc.Name)

	return nil
}

// revokeToken asks the provider to revoke the saved token. Failures only
// log: the local token is removed regardless.
func revokeToken(ctx context.Context, cc *CLIContext, rc *config.Resolved) {
	creds, err := cc.credentials(rc)
	if err != nil {
		cc.Logger.Debug("no token to revoke", "error", err)
		return
	}

	c, err := cc.newSession(rc, creds)
	if err != nil {
		cc.Logger.Warn("creating session for logout", "error", err)
		return
	}

	if err := c.Authenticate(ctx, nil); err != nil {
		cc.Logger.Warn("token no longer valid, skipping revocation", "error", err)
		return
	}

	if err := c.Logout(ctx); err != nil && !errors.Is(err, cloudsync.ErrNotSupported) {
		cc.Logger.Warn("revoking token", "error", err)
	}
}

// whoamiJSON is the JSON output schema for whoami.
type whoamiJSON struct {
	Cloud       string `json:"cloud"`
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name,omitempty"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	c, rc, err := cc.openCloud(ctx)
	if err != nil {
		return err
	}

	name, err := c.UserDisplayName(ctx)

	switch {
	case errors.Is(err, cloudsync.ErrNotSupported):
		name = rc.Cloud.Username
	case err != nil:
		return err
	case providers.UsesOAuth2(rc.Cloud.Provider):
		if mergeErr := tokenfile.LoadAndMergeMeta(rc.TokenPath, map[string]string{tokenfile.MetaDisplayName: name}); mergeErr != nil {
			cc.Logger.Debug("caching display name", "error", mergeErr)
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, whoamiJSON{Cloud: rc.Name, Provider: rc.Cloud.Provider, DisplayName: name})
	}

	if name == "" {
		name = "(unknown)"
	}

	fmt.Fprintf(cc.Out, "%s (%s): %s\n", rc.Name, rc.Cloud.Provider, name)

	return nil
}
