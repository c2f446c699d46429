package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newTokenCommand mints a development bearer token signed with the configured secret.
func newTokenCommand() *cobra.Command {
	var principal auth.Principal
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return errors.New("auth.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      viper.GetDuration("auth.token_ttl"),
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(principal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&principal.UserID, "user-id", "", "User identifier (required)")
	cmd.Flags().StringVar(&principal.DisplayName, "name", "", "Display name shown in presence")
	cmd.Flags().StringVar(&principal.AvatarURL, "avatar", "", "Avatar URL shown in presence")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
