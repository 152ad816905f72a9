// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/botmanager/internal/config"
	"github.com/holomush/botmanager/internal/registry"
)

// Migrator wraps the methods the migrate commands use from registry.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Pending() ([]uint, error)
	Close() error
}

// migratorFactory is replaced in tests.
var migratorFactory = func(databaseURL string) (Migrator, error) {
	return registry.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate command group for the postgres registry.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres registry schema",
		Long:  `Apply, roll back or inspect the registry migrations. Requires a database URL.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator) error {
			cmd.Println("Running migrations...")
			if err := m.Up(); err != nil {
				return err
			}
			cmd.Println("Migrations completed successfully")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping all registry records",
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator) error {
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("Migrations rolled back")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied version and pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			cmd.Printf("version: %d\n", version)
			cmd.Printf("dirty:   %t\n", dirty)
			cmd.Printf("pending: %s\n", formatVersions(pending))
			return nil
		}),
	})

	return cmd
}

// withMigrator resolves the database URL, opens a migrator and runs fn.
func withMigrator(fn func(*cobra.Command, Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		if cfg.Registry.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").
				Hint("set registry.database_url, --database-url or DATABASE_URL").
				Errorf("a database URL is required")
		}
		m, err := migratorFactory(cfg.Registry.DatabaseURL)
		if err != nil {
			return oops.Code("DB_CONNECT_FAILED").With("operation", "open migrator").Wrap(err)
		}
		defer func() { _ = m.Close() }()
		return fn(cmd, m)
	}
}

func formatVersions(versions []uint) string {
	if len(versions) == 0 {
		return "none"
	}
	out := ""
	for i, v := range versions {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(v)
	}
	return out
}
