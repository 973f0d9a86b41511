package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zulandar/conductor/internal/config"
	"github.com/zulandar/conductor/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long:  "Runs the GORM auto-migration for conversations, messages, API logs, and spawn records. Safe to run multiple times.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateCmd(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to config file")
	return cmd
}

func runMigrateCmd(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	fmt.Fprintf(out, "Migrated %d tables in %s\n", len(db.AllModels()), cfg.DB.Database)
	return nil
}
