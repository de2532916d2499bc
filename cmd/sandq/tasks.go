package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sandq/internal/persistence"
	"github.com/basket/sandq/internal/shared"
)

func (c *cli) submitCmd() *cobra.Command {
	var url string
	var opts persistence.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit (--url <url> | <path>)",
		Short: "Queue a file or URL for analysis",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target persistence.Target
			switch {
			case url != "" && len(args) == 1:
				return fmt.Errorf("%w: give a path or --url, not both", errUsage)
			case url != "":
				target = persistence.URLTarget(url)
			case len(args) == 1:
				target = persistence.PathTarget(args[0])
			default:
				return fmt.Errorf("%w: a path or --url is required", errUsage)
			}

			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.Submit(ctx, target, opts)
			if err != nil {
				return err
			}
			return c.emit(map[string]int64{"id": id}, func(w io.Writer) {
				fmt.Fprintf(w, "submitted task %d\n", id)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", "", "analyze a URL instead of a file")
	f.IntVar(&opts.Priority, "priority", persistence.DefaultPriority, "higher runs first")
	f.IntVar(&opts.Timeout, "timeout", 0, "analysis timeout in seconds (0: worker default)")
	f.StringVar(&opts.Package, "package", "", "analysis package")
	f.StringVar(&opts.Options, "options", "", "analysis options (key=value,...)")
	f.StringVar(&opts.Machine, "machine", "", "analysis machine label")
	f.StringVar(&opts.Platform, "platform", "", "guest platform")
	f.StringVar(&opts.Custom, "custom", "", "free-form value passed to the analyzer")
	f.BoolVar(&opts.Memory, "memory", false, "take a full memory dump")
	f.BoolVar(&opts.EnforceTimeout, "enforce-timeout", false, "run the full timeout even if the analysis finishes early")
	return cmd
}

func (c *cli) claimCmd() *cobra.Command {
	var owner string
	var processing bool
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next pending task (or, with --processing, the next completed one)",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner == "" {
				owner = shared.NewOwnerID()
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			var task *persistence.Task
			if processing {
				task, err = store.ClaimForProcessing(ctx, owner)
			} else {
				task, err = store.ClaimNext(ctx, owner)
			}
			if err != nil {
				return err
			}
			return c.emit(map[string]*persistence.Task{"task": task}, func(w io.Writer) {
				if task == nil {
					fmt.Fprintln(w, "no task available")
					return
				}
				printTask(w, *task)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "claimer id (default: hostname and a random suffix)")
	cmd.Flags().BoolVar(&processing, "processing", false, "claim a completed task for processing")
	return cmd
}

type taskDetail struct {
	persistence.Task
	Errors []persistence.ErrorRecord `json:"errors"`
}

func (c *cli) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and update tasks",
	}
	cmd.AddCommand(c.taskShowCmd(), c.taskListCmd(), c.taskSetStatusCmd(), c.taskRescheduleCmd())
	return cmd
}

func (c *cli) taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its errors",
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

			task, err := store.GetTask(ctx, id)
			if err != nil {
				return err
			}
			records, err := store.ListErrors(ctx, id)
			if err != nil {
				return err
			}
			detail := taskDetail{Task: *task, Errors: records}
			return c.emit(detail, func(w io.Writer) {
				printTask(w, detail.Task)
				for _, rec := range detail.Errors {
					fmt.Fprintf(w, "error %d [%s]: %s\n", rec.ID, rec.Action, rec.Message)
				}
			})
		},
	}
}

func (c *cli) taskListCmd() *cobra.Command {
	var status, category string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in id order",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := persistence.ListFilter{
				Category: persistence.Category(category),
				Limit:    limit,
				Offset:   offset,
			}
			if status != "" {
				s, err := persistence.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}

			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			if c.wantJSON() {
				for _, task := range tasks {
					if err := c.emit(task, nil); err != nil {
						return err
					}
				}
				return nil
			}
			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tCATEGORY\tOWNER\tTARGET")
			for _, task := range tasks {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
					task.ID, task.Status, task.Priority, task.Category, dash(task.Owner), task.Target)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only tasks with this status")
	f.StringVar(&category, "category", "", "only file or url tasks")
	f.IntVar(&limit, "limit", 0, "maximum number of tasks (0: all)")
	f.IntVar(&offset, "offset", 0, "skip this many tasks")
	return cmd
}

func (c *cli) taskSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Write a task status (transitions are not validated)",
		Long: "Valid statuses: " + strings.Join(statusLabels(), ", ") + `.
Any status other than running clears the task owner.`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			status, err := persistence.ParseTaskStatus(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetStatus(ctx, id, status); err != nil {
				return err
			}
			return c.emit(map[string]any{"id": id, "status": status}, func(w io.Writer) {
				fmt.Fprintf(w, "task %d is now %s\n", id, status)
			})
		},
	}
}

func (c *cli) taskRescheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Queue a copy of a task and mark the original recovered",
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

			newID, err := store.Reschedule(ctx, id)
			if err != nil {
				return err
			}
			return c.emit(map[string]int64{"id": id, "new_id": newID}, func(w io.Writer) {
				fmt.Fprintf(w, "task %d rescheduled as %d\n", id, newID)
			})
		},
	}
}

func printTask(w io.Writer, t persistence.Task) {
	fmt.Fprintf(w, "task %d  %s  priority %d\n", t.ID, t.Status, t.Priority)
	fmt.Fprintf(w, "  target:    %s (%s)\n", t.Target, t.Category)
	fmt.Fprintf(w, "  owner:     %s\n", dash(t.Owner))
	if t.Processing != "" {
		fmt.Fprintf(w, "  processing: %s\n", t.Processing)
	}
	fmt.Fprintf(w, "  added:     %s\n", t.AddedOn.Format(time.RFC3339))
	if t.StartedOn != nil {
		fmt.Fprintf(w, "  started:   %s\n", t.StartedOn.Format(time.RFC3339))
	}
	if t.CompletedOn != nil {
		fmt.Fprintf(w, "  completed: %s\n", t.CompletedOn.Format(time.RFC3339))
	}
}

func statusLabels() []string {
	var out []string
	for _, s := range persistence.TaskStatuses() {
		out = append(out, string(s))
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
