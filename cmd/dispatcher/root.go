package main

import (
	"github.com/spf13/cobra"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/claim"
	"agents-dispatch/internal/apiserver/server"
	"agents-dispatch/internal/config"
	"agents-dispatch/pkg/logging"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Task claim and dispatch service",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configDir != "" {
				config.SetConfigDir(configDir)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "config directory (overrides CONFIG_DIR)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTickCmd(),
		newSweepCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig 加载配置并按配置创建日志器
func loadConfig(component string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logCfg := cfg.Log
	logCfg.Component = component
	return cfg, logging.New(logCfg), nil
}

// serverOptions 把配置映射为引擎参数
func serverOptions(cfg *config.Config, log *logging.Logger) server.Options {
	authCfg := auth.DefaultConfig()
	authCfg.JWTSecret = cfg.Auth.JWTSecret
	authCfg.CronSecret = cfg.Auth.CronSecret

	return server.Options{
		Claim: claim.Config{
			LeaseDuration:      cfg.Claim.LeaseDuration,
			CandidateOverfetch: cfg.Claim.CandidateOverfetch,
			MaxTasksCap:        cfg.Claim.MaxTasksCap,
		},
		SweepOnClaim:      cfg.Claim.SweepEnabled(),
		StaleThreshold:    cfg.Stale.Threshold,
		StaleBatchSize:    cfg.Stale.BatchSize,
		ScheduleBatchSize: cfg.Schedule.BatchSize,
		Auth:              authCfg,
		Logger:            log,
	}
}
