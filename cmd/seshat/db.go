package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/seshat/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Store management commands",
	}
	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var t target

	cmd := &cobra.Command{
		Use:   "init [config] [section]",
		Short: "Create or migrate the session store",
		Long:  "Creates the store tables if missing and records the configured operators.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := t.resolve(args)
			if err != nil {
				return err
			}
			return runDBInit(cmd, resolved)
		},
	}
	t.bind(cmd)
	return cmd
}

func runDBInit(cmd *cobra.Command, t target) error {
	out := cmd.OutOrStdout()

	cfg, err := t.load()
	if err != nil {
		return err
	}

	gormDB, err := db.Open(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedOperators(gormDB, cfg.LocalUsers); err != nil {
		return err
	}
	fmt.Fprintf(out, "Recorded %d operator(s)\n", len(cfg.LocalUsers))
	return nil
}
