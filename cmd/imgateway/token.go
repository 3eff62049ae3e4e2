package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/imgateway/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a host API token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Server.JWTExpiresIn
			}
			token, expiresAt, err := auth.GenerateToken(subject, scope, cfg.Server.JWTSecret, ttl)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"access_token": token,
				"expires_at":   expiresAt.Format(time.RFC3339),
				"scope":        scope,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", envOr("USER", "operator"), "token subject")
	cmd.Flags().StringVar(&scope, "scope", auth.ScopeOperator, "operator or read")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default server.jwt_expires_in)")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
