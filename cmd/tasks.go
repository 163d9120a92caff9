package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/config"
	"github.com/example/maxwatch/internal/tasks"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and prune persisted auto-confirm tasks (postgres or redis store)",
	}
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksDeleteCmd())
	cmd.AddCommand(newTasksPurgeCmd())
	return cmd
}

// withRepo opens the configured persistent task store for one command.
func withRepo(fn func(ctx context.Context, repo tasks.Repo) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if cfg.TaskStore == config.TaskStoreMemory {
		return fmt.Errorf("TASK_STORE is memory: tasks live only inside a running server")
	}
	ctx := context.Background()
	repo, closeRepo, err := openTaskRepo(ctx, cfg, true, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeRepo()
	return fn(ctx, repo)
}

func newTasksListCmd() *cobra.Command {
	var userID string

	c := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally for one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(ctx context.Context, repo tasks.Repo) error {
				var (
					ts  []tasks.Task
					err error
				)
				if userID != "" {
					ts, err = repo.ListByUser(ctx, userID)
				} else {
					ts, err = repo.ListAll(ctx)
				}
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tUSER\tTRAIN\tDEPARTURE\tSTATUS\tLAST ERROR")
				for _, t := range ts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Key, t.UserID, t.Booking.TrainNumber,
						t.Booking.DepartureDateTime.Format(time.RFC3339), t.Status, t.LastError)
				}
				return w.Flush()
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "only this user's tasks")
	return c
}

func newTasksDeleteCmd() *cobra.Command {
	var key string

	c := &cobra.Command{
		Use:   "delete",
		Short: "Delete one task by key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(ctx context.Context, repo tasks.Repo) error {
				if err := repo.Delete(ctx, key); err != nil {
					return err
				}
				cmd.Printf("deleted %s\n", key)
				return nil
			})
		},
	}
	c.Flags().StringVar(&key, "key", "", "task key")
	_ = c.MarkFlagRequired("key")
	return c
}

func newTasksPurgeCmd() *cobra.Command {
	var userID string

	c := &cobra.Command{
		Use:   "purge",
		Short: "Delete every task of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(ctx context.Context, repo tasks.Repo) error {
				n, err := repo.DeleteByUser(ctx, userID)
				if err != nil {
					return err
				}
				cmd.Printf("removed %d task(s) for %s\n", n, userID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id")
	_ = c.MarkFlagRequired("user")
	return c
}
