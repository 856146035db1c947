// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relcore/pgcore/cmd/flags"
	"github.com/relcore/pgcore/pkg/migrate"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply forward-only SQL migrations",
	}
	flags.SchemaFlag(cmd, "MIGRATE_SCHEMA", "migrations")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())

	return cmd
}

func openMigrate(cmd *cobra.Command) (*migrate.Runner, error) {
	return migrate.New(cmd.Context(), flags.PostgresURL(), viper.GetString("MIGRATE_SCHEMA"))
}

func loadMigrationsDir(dir string) ([]migrate.Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var migrations []migrate.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migrate.Migration{
			Name: strings.TrimSuffix(entry.Name(), ".sql"),
			SQL:  string(body),
		})
	}
	return migrations, nil
}

func migrateUpCmd() *cobra.Command {
	var dir string

	c := &cobra.Command{
		Use:   "up",
		Short: "Apply every migration in --dir not yet recorded, in name order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrations, err := loadMigrationsDir(dir)
			if err != nil {
				return err
			}

			r, err := openMigrate(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			sp, _ := pterm.DefaultSpinner.WithText("Applying migrations...").Start()
			applied, err := r.Up(cmd.Context(), migrations)
			if err != nil {
				sp.Fail(fmt.Sprintf("Migration failed: %s", err))
				return err
			}
			if len(applied) == 0 {
				sp.Success("Nothing to apply")
			} else {
				sp.Success(fmt.Sprintf("Applied %d migration(s)", len(applied)))
			}
			return printJSON(applied)
		},
	}

	c.Flags().StringVar(&dir, "dir", "migrations", "directory of .sql migration files")

	return c
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations already applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := openMigrate(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			applied, err := r.Applied(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(applied)
		},
	}
}
