package cmd

import (
	"context"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/example/maxwatch/internal/config"
	"github.com/example/maxwatch/internal/db"
	"github.com/example/maxwatch/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the postgres task store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := migrate.Up(ctx, d.SQL()); err != nil {
				return err
			}
			cmd.Printf("migrations applied to %s\n", redactURL(cfg.DatabaseURL))
			return nil
		},
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "database"
	}
	return u.Redacted()
}
