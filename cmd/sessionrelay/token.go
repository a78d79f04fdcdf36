package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/sessionrelay/internal/api"
	"github.com/codefionn/sessionrelay/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed API token",
	Long: fmt.Sprintf(`Print an HS256 bearer token signed with the configured JWT secret
(server.jwt_secret or %s). The server accepts it until it expires.`, config.EnvJWTSecret),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := api.IssueToken(cfg.Server.JWTSecret, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "api-client", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
