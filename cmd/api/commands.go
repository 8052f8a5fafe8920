package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"cardstudio/api/internal/app"
	"cardstudio/api/internal/rbac"
	"cardstudio/api/internal/store"
)

var rollbackSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rollbackSteps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		reverted, err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir, rollbackSteps, logger)
		if err != nil {
			return err
		}
		for _, version := range reverted {
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", version)
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every journal entry to the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(ctx context.Context, service *app.Service) error {
			result, err := service.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %v of %v entries\n", result["indexed"], result["total"])
			return nil
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <email> [role]",
	Short: "Set an account's role (default admin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := string(rbac.RoleAdmin)
		if len(args) == 2 {
			role = args[1]
		}
		return withService(cmd.Context(), func(ctx context.Context, service *app.Service) error {
			if err := service.SetUserRole(ctx, args[0], role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], role)
			return nil
		})
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateDownCmd)
}

// withService opens the database and search backends for one-shot commands.
func withService(ctx context.Context, fn func(context.Context, *app.Service) error) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	searchService, closeSearch := newSearch(db)
	defer closeSearch()
	defer searchService.Wait()

	service := app.New(cfg, store.NewPostgresStore(db), logger, app.WithSearch(searchService))
	return fn(ctx, service)
}
