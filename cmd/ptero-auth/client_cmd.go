package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	pteroauth "github.com/giantswarm/ptero-auth"
)

const defaultCreatedBy = appName

func newClientCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered confidential clients",
	}
	cmd.AddCommand(newClientCreateCommand(c))
	cmd.AddCommand(newClientListCommand(c))
	cmd.AddCommand(newClientDeactivateCommand(c))
	return cmd
}

// requirePersistent rejects the in-memory store, which would discard the
// client as soon as the command exits.
func (c *cli) requirePersistent() error {
	db, err := parseDatabaseURL(c.v.GetString("database-url"))
	if err != nil {
		return err
	}
	if !db.persistent() {
		return fmt.Errorf("client commands require a SQLite or Valkey database (--database-url %s/path or %shost:port)", sqliteScheme, valkeyScheme)
	}
	return nil
}

func newClientCreateCommand(c *cli) *cobra.Command {
	var (
		req           pteroauth.ClientRegistrationRequest
		publicKeyFile string
		publicKey     pteroauth.PublicKey
		createdBy     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a confidential client and print its one-time secret",
		Example: `
  ptero-auth client create --database-url sqlite:///var/lib/ptero-auth/ptero.db \
    --name billing --redirect-uri-regex '^https://billing\.example\.com/.*$' \
    --allowed-scope billing --allowed-scope openid --default-scope billing \
    --audience-for billing --audience-claim posix
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requirePersistent(); err != nil {
				return err
			}
			if publicKeyFile != "" {
				data, err := os.ReadFile(publicKeyFile)
				if err != nil {
					return fmt.Errorf("failed to read public key: %w", err)
				}
				publicKey.Key = string(data)
				req.PublicKey = &publicKey
			}

			srv, cleanup, err := c.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			client, secret, err := srv.Engine.RegisterClient(cmd.Context(), req.ToEngine(), createdBy, "")
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), pteroauth.NewClientResponse(client, secret))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Name, "name", "", "client name")
	flags.StringVar(&req.RedirectURIRegex, "redirect-uri-regex", "", "regular expression redirect URIs must match")
	flags.StringVar(&req.DefaultRedirectURI, "default-redirect-uri", "", "redirect URI used when a request omits one")
	flags.StringSliceVar(&req.AllowedScopes, "allowed-scope", nil, "scope the client may request (repeatable)")
	flags.StringSliceVar(&req.DefaultScopes, "default-scope", nil, "scope granted when a request omits scope (repeatable)")
	flags.StringSliceVar(&req.AudienceFor, "audience-for", nil, "scope this client is the audience of (repeatable)")
	flags.StringSliceVar(&req.AudienceClaims, "audience-claim", nil, "identity claim disclosed to this client as audience: posix, roles (repeatable)")
	flags.StringVar(&publicKeyFile, "public-key-file", "", "PEM encoded RSA public key used to encrypt ID tokens for this audience")
	flags.StringVar(&publicKey.KeyID, "public-key-id", "", "kid of the public key (defaults to its fingerprint)")
	flags.StringVar(&publicKey.Algorithm, "public-key-alg", "", "JWE key management algorithm")
	flags.StringVar(&publicKey.Encryption, "public-key-enc", "", "JWE content encryption algorithm")
	flags.StringVar(&createdBy, "created-by", defaultCreatedBy, "name recorded as the registering admin")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri-regex")
	return cmd
}

func newClientListCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered confidential clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requirePersistent(); err != nil {
				return err
			}
			srv, cleanup, err := c.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			clients, err := srv.Engine.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]pteroauth.ClientResponse, 0, len(clients))
			for _, client := range clients {
				out = append(out, pteroauth.NewClientResponse(client, ""))
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	return cmd
}

func newClientDeactivateCommand(c *cli) *cobra.Command {
	var deactivatedBy string
	cmd := &cobra.Command{
		Use:   "deactivate CLIENT_ID",
		Short: "Deactivate a registered client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requirePersistent(); err != nil {
				return err
			}
			srv, cleanup, err := c.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := srv.Engine.DeactivateClient(cmd.Context(), args[0], deactivatedBy); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&deactivatedBy, "deactivated-by", defaultCreatedBy, "name recorded as the deactivating admin")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
