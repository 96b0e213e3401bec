package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agents-dispatch/internal/apiserver/server"
	"agents-dispatch/internal/shared/infra"
	sqlitedriver "agents-dispatch/internal/shared/storage/driver/sqlite"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		skipMigrate bool
		noValidate  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("dispatcher")
			if err != nil {
				return err
			}
			log.Info("server.starting", "env", cfg.Env, "config", cfg.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inf, err := infra.New(ctx, cfg, !skipMigrate, log)
			if err != nil {
				return fmt.Errorf("init infrastructure: %w", err)
			}
			defer inf.Close()
			dbAttrs := []any{"driver", cfg.DatabaseDriver}
			if cfg.DatabaseDriver == "sqlite" {
				dbAttrs = append(dbAttrs, "path", sqlitedriver.ParsePath(cfg.DatabaseURL))
			}
			log.Info("server.database.connected", dbAttrs...)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			opts := serverOptions(cfg, log)
			opts.Registry = reg
			opts.ValidateRequests = !noValidate
			if !opts.Auth.Enabled() {
				log.Warn("server.auth.disabled", "hint", "JWT_SECRET is empty, admin routes are open")
			}

			h := server.NewHandler(inf.Storage, inf.Notifier, opts)
			router, err := h.Router()
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:         ":" + cfg.APIPort,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("server.listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return h.StartBackground(gctx, cfg.Schedule, cfg.Stale)
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info("server.shutting_down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				log.WithError(err).Error("server.stopped")
				return err
			}
			log.Info("server.stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not run migrations on startup")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "disable OpenAPI request validation")
	return cmd
}
