package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/server"
	"github.com/workloom/backend/internal/service"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema and seed the plan catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := server.Migrate(cmd.Context(), cfg); err != nil {
			return err
		}
		log.Info().Msg("Database migrated")
		return nil
	},
}

var reconcileLimit int

// reconcileCmd replays ledgered events that could not be applied when they
// arrived.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay pending payment events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := server.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		processed, pending, err := app.Webhooks.ProcessPending(cmd.Context(), reconcileLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d pending=%d\n", processed, pending)
		return nil
	},
}

var (
	tokenTenant string
	tokenSub    string
	tokenEmail  string
	tokenRole   string
	tokenTTL    time.Duration
)

// tokenCmd only needs the signing secret; it never touches the database.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token, err := service.NewAuthService(cfg.JWTSecret).IssueToken(domain.JWTClaims{
			Sub:      tokenSub,
			Email:    tokenEmail,
			Role:     tokenRole,
			TenantID: tokenTenant,
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 500, "maximum events to replay")

	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id")
	tokenCmd.Flags().StringVar(&tokenSub, "sub", "", "subject (user id)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", domain.RoleOperator, "role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("tenant")
	_ = tokenCmd.MarkFlagRequired("sub")
}
