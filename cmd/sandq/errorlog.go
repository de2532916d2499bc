package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/sandq/internal/persistence"
)

func (c *cli) errorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "error",
		Short: "Record and read per-task errors",
	}
	cmd.AddCommand(c.errorAddCmd(), c.errorListCmd())
	return cmd
}

func (c *cli) errorAddCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "add <task-id> <message>",
		Short: "Append an error to a task (messages are stored in full)",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			errID, err := store.AppendErrorAction(ctx, id, action, args[1])
			if err != nil {
				return err
			}
			return c.emit(map[string]int64{"id": errID, "task_id": id}, func(w io.Writer) {
				fmt.Fprintf(w, "recorded error %d for task %d\n", errID, id)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", persistence.ActionAnalysis, "stage that failed (analysis, processing, reporting)")
	return cmd
}

func (c *cli) errorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's errors, oldest first",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListErrors(ctx, id)
			if err != nil {
				return err
			}
			if c.wantJSON() {
				for _, rec := range records {
					if err := c.emit(rec, nil); err != nil {
						return err
					}
				}
				return nil
			}
			if len(records) == 0 {
				fmt.Fprintf(c.stdout, "no errors for task %d\n", id)
			}
			for _, rec := range records {
				fmt.Fprintf(c.stdout, "%d [%s] %s\n", rec.ID, rec.Action, rec.Message)
			}
			return nil
		},
	}
}
