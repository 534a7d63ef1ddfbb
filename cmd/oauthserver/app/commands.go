// Package app implements the oauthserver command line.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is injected at build time with -ldflags "-X ...app.version=...".
var version = "dev"

// NewRootCmd creates the oauthserver command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "oauthserver",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 authorization server (authorization code + PKCE)",
		Long: `oauthserver issues authorization codes, signed access tokens and rotating
refresh tokens to registered clients. Users authenticate with a configurable
login provider: an upstream OpenID Connect issuer or, for development, a
static identity.

Configuration is read from the file given with --config, then from
OAUTHSERVER_* environment variables (OAUTHSERVER_STORAGE_TYPE=sql), then
from flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text or json)")
	rootCmd.PersistentFlags().String("storage", "", "Storage back-end (memory, valkey or sql)")
	rootCmd.PersistentFlags().String("database-dsn", "", "SQL data source name or SQLite file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newClientsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oauthserver %s\n", version)
		},
	}
}
