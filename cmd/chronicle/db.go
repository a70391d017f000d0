package main

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chronicle.dev/chronicle/runtime/chronicle/config"
	"chronicle.dev/chronicle/runtime/chronicle/store"
	"chronicle.dev/chronicle/runtime/chronicle/store/migrate"
	"chronicle.dev/chronicle/runtime/chronicle/store/postgres"
	"chronicle.dev/chronicle/runtime/chronicle/store/sqlite"
)

// baselineMigrations marks schema version 1 as the bootstrap DDL itself;
// future schema changes append further versions here.
var baselineMigrations = []migrate.Migration{
	{Version: 1, SQL: `SELECT 1`},
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage Chronicle's database schema and seed data",
	}
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBBootstrapCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the forward-only schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			_, db, ph, err := openDialect(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			if err := migrate.Run(ctx, db, bootstrapSchemaFor(cfg.DatabaseURL), baselineMigrations, ph, time.Now); err != nil {
				return fmt.Errorf("db migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newDBBootstrapCmd() *cobra.Command {
	var seedPath string
	var org string
	c := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed an org's aliases, custom providers, and API keys from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			seed, err := config.LoadSeed(seedPath)
			if err != nil {
				return err
			}
			s, db, _, err := openDialect(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if org == "" {
				org = seed.Org
			}
			ctx := cmd.Context()
			if err := s.Bootstrap(ctx, org, seed.Aliases, seed.CustomProviders, seed.APIKeys); err != nil {
				return fmt.Errorf("db bootstrap: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bootstrapped org %q from %s\n", org, seedPath)
			return nil
		},
	}
	c.Flags().StringVar(&seedPath, "seed", "chronicle.seed.yaml", "path to the seed YAML file")
	c.Flags().StringVar(&org, "org", "", "organization to seed (defaults to the seed file's org field)")
	return c
}

// openDialect picks SQLite or PostgreSQL from dsn's scheme, matching the
// teacher's habit of letting one connection string select the backend.
func openDialect(dsn string) (*store.Store, *sql.DB, func(i int) string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s, db, err := postgres.Open(dsn)
		return s, db, (postgres.Dialect{}).Placeholder, err
	}
	s, db, err := sqlite.Open(dsn)
	return s, db, (sqlite.Dialect{}).Placeholder, err
}

func bootstrapSchemaFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Schema
	}
	return sqlite.Schema
}
