package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phonginreallife/opsbridge/db"
	"github.com/phonginreallife/opsbridge/internal/app"
	"github.com/phonginreallife/opsbridge/internal/config"
	"github.com/phonginreallife/opsbridge/router"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "opsbridge",
	Short:         "opsbridge bridges hotel tickets to a partner helpdesk and runs incident autopilot",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `opsbridge keeps hotel tickets in sync with a partner helpdesk over signed
webhooks, and runs auto-remediation, escalation and weekly KPI rollups.

Examples:
  opsbridge serve                       # HTTP endpoints
  opsbridge worker                      # Background loops
  opsbridge autopilot --hotel-id=<id>   # One autopilot pass for a tenant`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("OPSBRIDGE_CONFIG_PATH"), "config file path")
}

// runtime is everything a command needs after bootstrap
type runtime struct {
	cfg      *config.Config
	pg       *sql.DB
	services router.Services
	release  func()
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	pg, err := app.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, pg); err != nil {
		pg.Close()
		return nil, err
	}

	remediator, release, err := app.NewRemediator(ctx, cfg, pg)
	if err != nil {
		pg.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		pg:       pg,
		services: router.NewServices(pg, cfg, remediator),
		release:  release,
	}, nil
}

func (r *runtime) Close() {
	r.release()
	r.pg.Close()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
