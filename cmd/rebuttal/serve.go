package main

import (
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
	srv "github.com/mohammad-safakhou/rebuttal/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var migrateFirst bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.General, cmd.ErrOrStderr())
			if serveAddr == "" {
				serveAddr = cfg.Server.Address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrateFirst {
				dsn, err := runtime.BuildPostgresDSN(cfg)
				if err != nil {
					return err
				}
				if err := srv.Migrate("file://migrations", dsn, "up", 0); err != nil {
					return err
				}
			}

			app, err := srv.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(gctx, app.Echo, serveAddr, logger) })
			if app.Janitor != nil {
				g.Go(func() error { return app.Janitor.Run(gctx) })
			}
			err = g.Wait()
			logger.Info(ctx, "stopped", slog.Error(err))
			return err
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")

	return serve
}
