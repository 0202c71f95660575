package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sunshow/warmupd/internal/config"
	"github.com/sunshow/warmupd/internal/db"
)

// withStore opens the configured store, runs fn and closes it
func withStore(ctx context.Context, fn func(*db.Client) error) (err error) {
	cfg, sugar, err := loadRuntime()
	if err != nil {
		return err
	}
	defer sugar.Sync() //nolint:errcheck

	dbClient, err := db.Open(ctx, cfg.DBOptions(), sugar)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()
	return fn(dbClient)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(dbClient *db.Client) error {
				if err := dbClient.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("%s schema is up to date\n", color.New(color.FgGreen).Sprint("✓"))
				return nil
			})
		},
	}
}

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage account group pacing",
	}
	cmd.AddCommand(groupsImportCmd())
	return cmd
}

func groupsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update group cooldown windows from a YAML file",
		Long: `Create or update group cooldown windows from a YAML file.

Groups are matched by name. Example file:

  groups:
    - name: batch-a
      min_cooldown_hours: 12
      max_cooldown_hours: 18
      single_worker_constraint: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := config.LoadGroups(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(dbClient *db.Client) error {
				for _, g := range groups {
					saved, err := dbClient.UpsertGroup(cmd.Context(), g)
					if err != nil {
						return err
					}
					fmt.Printf("%s %-20s id=%d cooldown=%d-%dh single_worker=%v\n",
						color.New(color.FgGreen).Sprint("✓"),
						saved.Name, saved.ID, saved.MinCooldownHours, saved.MaxCooldownHours, saved.SingleWorkerConstraint)
				}
				return nil
			})
		},
	}
}
