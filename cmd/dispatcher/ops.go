package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/server"
	"agents-dispatch/internal/shared/infra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("migrate")
			if err != nil {
				return err
			}
			store, err := infra.OpenStore(cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()
			log.Info("migrate.done", "driver", cfg.DatabaseDriver)
			return nil
		},
	}
}

// newTickCmd 供外部 cron 直接调用，等价于 POST /api/v1/schedules/tick
func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Fire due schedules once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("tick")
			if err != nil {
				return err
			}
			inf, err := infra.New(cmd.Context(), cfg, false, log)
			if err != nil {
				return err
			}
			defer inf.Close()

			h := server.NewHandler(inf.Storage, inf.Notifier, serverOptions(cfg, log))
			result, err := h.Schedules().Tick(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim tasks held by stale workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("sweep")
			if err != nil {
				return err
			}
			inf, err := infra.New(cmd.Context(), cfg, false, log)
			if err != nil {
				return err
			}
			defer inf.Close()

			h := server.NewHandler(inf.Storage, inf.Notifier, serverOptions(cfg, log))
			n, err := h.Detector().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"reclaimed": n})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig("token")
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := auth.GenerateAccessToken(auth.Config{JWTSecret: cfg.Auth.JWTSecret, AccessTokenTTL: ttl}, subject, auth.RoleAdmin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
