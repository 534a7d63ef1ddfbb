package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered clients",
	}
	cmd.AddCommand(newClientsSeedCmd())
	cmd.AddCommand(newClientsListCmd())
	return cmd
}

func newClientsSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register the configured clients",
		Long: `Register every client listed under clients in the configuration. Clients
that already exist are left untouched, so the command can run on every
deployment. Without a clients section the spa-client public client is seeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := commandStack(cmd)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			if err := seedClients(cmd.Context(), st.server, st.cfg.Clients, st.logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d client(s)\n", len(st.cfg.Clients))
			return nil
		},
	}
}

// clientView is the listing shape of a client. The secret hash is omitted.
type clientView struct {
	ClientID               string   `json:"client_id" yaml:"client_id"`
	ClientName             string   `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	ClientType             string   `json:"client_type" yaml:"client_type"`
	AuthMethod             string   `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
	RequirePKCE            bool     `json:"require_pkce" yaml:"require_pkce"`
	RedirectURIs           []string `json:"redirect_uris" yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty" yaml:"post_logout_redirect_uris,omitempty"`
	Scopes                 []string `json:"scopes" yaml:"scopes"`
	GrantTypes             []string `json:"grant_types" yaml:"grant_types"`
}

func newClientsListCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", output)
			}

			st, err := commandStack(cmd)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			clients, err := st.server.ListClients(cmd.Context())
			if err != nil {
				return err
			}

			views := make([]clientView, 0, len(clients))
			for _, c := range clients {
				views = append(views, clientView{
					ClientID:               c.ClientID,
					ClientName:             c.ClientName,
					ClientType:             c.ClientType,
					AuthMethod:             c.TokenEndpointAuthMethod,
					RequirePKCE:            st.server.PKCERequired(c),
					RedirectURIs:           c.RedirectURIs,
					PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
					Scopes:                 c.Scopes,
					GrantTypes:             c.GrantTypes,
				})
			}
			return writeClients(cmd.OutOrStdout(), output, views)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json or yaml)")
	return cmd
}

func writeClients(w io.Writer, format string, views []clientView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Client ID", "Type", "PKCE", "Scopes", "Redirect URIs"})
	for _, v := range views {
		t.AppendRow(table.Row{
			v.ClientID,
			v.ClientType,
			v.RequirePKCE,
			strings.Join(v.Scopes, " "),
			strings.Join(v.RedirectURIs, "\n"),
		})
	}
	t.Render()
	return nil
}

// commandStack loads configuration and builds the server for one-shot
// commands. Logs go to stderr so command output stays parseable.
func commandStack(cmd *cobra.Command) (*stack, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return buildStack(cmd.Context(), cfg, logger)
}
