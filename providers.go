package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/config"
	"github.com/tonimelisma/cloudsync-go/internal/tokenfile"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/providers"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the supported providers",
		Args:  cobra.NoArgs,
		RunE:  runProviders,
	}
}

func newCloudsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clouds",
		Short: "List the configured clouds and their login state",
		Args:  cobra.NoArgs,
		RunE:  runClouds,
	}
}

const (
	authOAuth2 = "oauth2"
	authBasic  = "basic"
)

func authType(provider string) string {
	if providers.UsesOAuth2(provider) {
		return authOAuth2
	}

	return authBasic
}

type providerJSON struct {
	ID   string `json:"id"`
	Auth string `json:"auth"`
}

func runProviders(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	ids := cc.Registry.Providers()

	if cc.Flags.JSON {
		out := make([]providerJSON, 0, len(ids))
		for _, id := range ids {
			out = append(out, providerJSON{ID: id, Auth: authType(id)})
		}

		return printJSON(cc.Out, out)
	}

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id, authType(id)})
	}

	printTable(cc.Out, []string{"PROVIDER", "AUTH"}, rows)

	return nil
}

type cloudJSON struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Auth     string `json:"auth"`
	LoggedIn bool   `json:"logged_in"`
	Account  string `json:"account,omitempty"`
}

func runClouds(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	names := config.CloudNames(cc.Cfg)
	out := make([]cloudJSON, 0, len(names))

	for _, name := range names {
		rc, err := config.ResolveCloud(cc.Cfg, name, cc.Env)
		if err != nil {
			return err
		}

		out = append(out, cloudStatus(cc, rc))
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	if len(out) == 0 {
		cc.Statusf("No clouds configured in %s.\n", configPathHint(cc))
		return nil
	}

	rows := make([][]string, 0, len(out))
	for _, c := range out {
		state := "not logged in"

		switch {
		case c.Auth == authBasic:
			state = "config credentials"
		case c.LoggedIn && c.Account != "":
			state = "logged in as " + c.Account
		case c.LoggedIn:
			state = "logged in"
		}

		rows = append(rows, []string{c.Name, c.Provider, state})
	}

	printTable(cc.Out, []string{"CLOUD", "PROVIDER", "STATUS"}, rows)

	return nil
}

// cloudStatus reports login state from the token file metadata, without
// touching the network.
func cloudStatus(cc *CLIContext, rc *config.Resolved) cloudJSON {
	c := cloudJSON{
		Name:     rc.Name,
		Provider: rc.Cloud.Provider,
		Auth:     authType(rc.Cloud.Provider),
	}

	if c.Auth == authBasic {
		c.LoggedIn = rc.Cloud.Username != "" && rc.Cloud.Password != ""
		c.Account = rc.Cloud.Username

		return c
	}

	meta, err := tokenfile.ReadMeta(rc.TokenPath)
	if err != nil {
		cc.Logger.Warn("reading token metadata", "cloud", rc.Name, "error", err)
		return c
	}

	if meta != nil {
		c.LoggedIn = true
		c.Account = meta[tokenfile.MetaDisplayName]
	}

	return c
}
