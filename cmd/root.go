// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relcore/pgcore/cmd/flags"
)

// Version is the pgcore version.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGCORE")
	viper.AutomaticEnv()

	flags.RootFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "pgcore",
	Short:        "Postgres-resident versioned filesystem, event store and point-in-time restore",
	SilenceUsage: true,
	Version:      Version,
}

// Execute executes the root command.
func Execute() error {
	rootCmd.AddCommand(fsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(pitrCmd())
	rootCmd.AddCommand(migrateCmd())

	return rootCmd.Execute()
}
