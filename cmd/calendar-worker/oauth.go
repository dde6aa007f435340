package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"calendar-ingest-worker/internal/model"
)

type oauthOptions struct {
	clientID     string
	clientSecret string
	redirectURL  string
	tokenURL     string
	storeKey     string
}

func newOAuthTokenCmd() *cobra.Command {
	o := &oauthOptions{}
	cmd := &cobra.Command{
		Use:   "oauth-token",
		Short: "Obtain an IMAP refresh token through the OAuth consent flow",
		Long: `oauth-token prints a consent URL, reads the authorization code from
stdin and exchanges it for a refresh token. With --store the refresh token
is saved in the system keyring so a provider can reference it as
"keyring:<key>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.clientID == "" {
				o.clientID = os.Getenv("OAUTH_CLIENT_ID")
			}
			if o.clientSecret == "" {
				o.clientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
			}
			if o.clientID == "" || o.clientSecret == "" {
				return fmt.Errorf("client id and secret are required (flags or OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET)")
			}

			resolver := newResolver()
			cfg, err := resolver.OAuthConfig(model.IMAPAuth{
				ClientID:     o.clientID,
				ClientSecret: o.clientSecret,
				TokenURL:     o.tokenURL,
			})
			if err != nil {
				return err
			}
			cfg.RedirectURL = o.redirectURL

			out := cmd.OutOrStdout()
			authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Fprintf(out, "Go to the following link in your browser: %v\n", authURL)
			fmt.Fprint(out, "\nEnter the authorization code: ")

			code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && strings.TrimSpace(code) == "" {
				return fmt.Errorf("failed to read authorization code: %w", err)
			}

			tok, err := cfg.Exchange(contextOrBackground(cmd), strings.TrimSpace(code))
			if err != nil {
				return fmt.Errorf("unable to retrieve token: %w", err)
			}
			if tok.RefreshToken == "" {
				return fmt.Errorf("no refresh token returned; revoke the previous grant and retry")
			}

			if o.storeKey != "" {
				if err := resolver.Store(o.storeKey, tok.RefreshToken); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nRefresh token stored; reference it as \"keyring:%s\"\n", o.storeKey)
				return nil
			}

			fmt.Fprintf(out, "\nRefresh Token: %s\n", tok.RefreshToken)
			fmt.Fprintf(out, "Expiry: %v\n", tok.Expiry)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.clientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&o.clientSecret, "client-secret", "", "OAuth client secret or secret reference")
	cmd.Flags().StringVar(&o.redirectURL, "redirect-url", "http://localhost:8080/callback", "OAuth redirect URL")
	cmd.Flags().StringVar(&o.tokenURL, "token-url", "", "Token endpoint (defaults to Google)")
	cmd.Flags().StringVar(&o.storeKey, "store", "", "Save the refresh token in the keyring under this key")
	return cmd
}
