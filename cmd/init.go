package cmd

import (
	"fmt"
	"github.com/arcward/bedrockbot/bedrockbot"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"log"
	"os"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the command log database and run migrations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable BWB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable BWB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		handler := tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.DatabaseLogLevel})
		db, err := bedrockbot.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			handler,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer sqlDB.Close()
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Database initialized (%s)\n", cfg.DatabaseType)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
