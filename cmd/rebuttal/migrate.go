package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
	srv "github.com/mohammad-safakhou/rebuttal/internal/server"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var dsn string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := config.LoadConfig(*cfgPath)
				if err != nil {
					return err
				}
				if dsn, err = runtime.BuildPostgresDSN(cfg); err != nil {
					return err
				}
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (overrides config)")

	return migrate
}
