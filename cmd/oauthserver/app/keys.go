package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"

	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/signing"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys and secrets",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysSecretCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		algorithm string
		out       string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an access token signing key",
		Long: `Generate a private key in PKCS#8 PEM format and print its key ID.
Point keys.signing_key_file at the file to use it. When rotating, move the
previous file to keys.retired_key_files so tokens it signed keep verifying.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			key, err := signing.GenerateKey(jose.SignatureAlgorithm(algorithm))
			if err != nil {
				return err
			}
			if err := signing.WriteKeyFile(out, key); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s key %s to %s\n", key.Algorithm, key.ID, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", string(signing.DefaultAlgorithm), "Signing algorithm (ES256, ES384, ES512, RS256, EdDSA)")
	cmd.Flags().StringVarP(&out, "out", "o", "signing-key.pem", "Output file")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newKeysSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Generate a random 32-byte secret",
		Long: `Print a base64 encoded 32-byte random secret, suitable for
storage.encryption_key and oauth.state_secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
