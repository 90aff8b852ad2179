package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/difflog/internal/access"
	"github.com/MarcoPoloResearchLab/difflog/internal/config"
	"github.com/MarcoPoloResearchLab/difflog/internal/logging"
	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTokensCommand() *cobra.Command {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage the credentials granted to a user",
	}
	tokensCmd.AddCommand(&cobra.Command{
		Use:   "grant <user> [credential]",
		Short: "Grant a credential, generating one when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			credential := ""
			if len(args) == 2 {
				credential = args[1]
			}
			return withGate(cmd.Context(), func(ctx context.Context, appConfig config.AppConfig, gate *access.Gate) error {
				user, err := scope.NewUserID(args[0])
				if err != nil {
					return err
				}
				if credential == "" {
					credential, err = generateCredential(ctx, appConfig, user)
					if err != nil {
						return err
					}
				}
				if _, err := gate.Grant(ctx, user, credential); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), credential)
				return err
			})
		},
	})
	tokensCmd.AddCommand(&cobra.Command{
		Use:   "revoke <user> <credential>",
		Short: "Revoke a credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), func(ctx context.Context, _ config.AppConfig, gate *access.Gate) error {
				user, err := scope.NewUserID(args[0])
				if err != nil {
					return err
				}
				removed, err := gate.Revoke(ctx, user, args[1])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("credential was not granted to %s", user)
				}
				return nil
			})
		},
	})
	return tokensCmd
}

// generateCredential issues a jwt when a signing secret is configured and a random uuid otherwise.
func generateCredential(ctx context.Context, appConfig config.AppConfig, user scope.UserID) (string, error) {
	if appConfig.SigningSecret == "" {
		return uuid.NewString(), nil
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return "", err
	}
	token, _, err := issuer.IssueToken(ctx, user)
	return token, err
}

func withGate(ctx context.Context, body func(context.Context, config.AppConfig, *access.Gate) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	backing, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backing.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	gate, err := newGate(appConfig, backing, logger)
	if err != nil {
		return err
	}
	return body(ctx, appConfig, gate)
}
