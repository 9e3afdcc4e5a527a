package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/phonginreallife/opsbridge/db"
	"github.com/phonginreallife/opsbridge/internal/app"
	"github.com/phonginreallife/opsbridge/internal/config"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	Long: `Apply the schema migrations embedded in the binary.

Environment Variables Required:
  DATABASE_URL    - PostgreSQL connection string

Examples:
  opsbridge migrate             # Apply all migrations
  opsbridge migrate --dry-run   # List migrations without applying`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dryRun {
			names, err := db.MigrationNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		pg, err := app.OpenDatabase(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := db.Migrate(cmd.Context(), pg); err != nil {
			return err
		}
		log.Println("Migration applied successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List migrations without applying them")
}
