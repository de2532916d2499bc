package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/sandq/internal/config"
	"github.com/basket/sandq/internal/migrate"
)

type initResult struct {
	Home          string `json:"home"`
	Database      string `json:"database"`
	Revision      string `json:"revision,omitempty"`
	ConfigWritten bool   `json:"config_written"`
	Reset         bool   `json:"reset"`
}

func (c *cli) initCmd() *cobra.Command {
	var noCreate, reset bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml and create the task store schema",
		Long: `init writes config.yaml to the working directory if it is missing and
creates the head schema when the database has none. An existing schema is
left alone unless --reset is given, which drops every table first.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			written, err := config.WriteDefault(c.cfg)
			if err != nil {
				return err
			}

			store, err := c.openStore(ctx, !noCreate && !reset)
			if err != nil {
				return err
			}
			defer store.Close()

			if reset {
				if err := store.Drop(ctx); err != nil {
					return fmt.Errorf("reset: %w", err)
				}
				c.logger.Warn("task store reset", "db", store.Backend().Redacted())
				if !noCreate {
					if err := store.EnsureSchema(ctx); err != nil {
						return err
					}
				}
			}

			res := initResult{
				Home:          c.cfg.HomeDir,
				Database:      store.Backend().Redacted(),
				ConfigWritten: written,
				Reset:         reset,
			}
			rev, err := store.SchemaRevision(ctx)
			switch {
			case err == nil:
				res.Revision = rev
			case !errors.Is(err, migrate.ErrSchemaNotInitialized):
				return err
			}
			return c.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "home:     %s\n", res.Home)
				fmt.Fprintf(w, "database: %s\n", res.Database)
				if res.Revision == "" {
					fmt.Fprintln(w, "schema:   not initialized")
				} else {
					fmt.Fprintf(w, "schema:   %s\n", res.Revision)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&noCreate, "no-create", false, "connect without creating the schema")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop all task store tables first")
	return cmd
}

type migrateStep struct {
	Revision  string            `json:"revision"`
	Direction migrate.Direction `json:"direction"`
}

type migrateResult struct {
	From  string        `json:"from"`
	To    string        `json:"to"`
	Steps []migrateStep `json:"steps"`
}

func (c *cli) migrateCmd() *cobra.Command {
	var revision string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move the database schema to a revision (default: head)",
		Long: `migrate upgrades or downgrades the schema one revision at a time inside
a single transaction. On failure nothing is applied and the failing revision
is reported. Downgrades are lossy: statuses and messages that the older
schema cannot represent are folded or truncated.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.Migrate(ctx, revision)
			if err != nil {
				return err
			}
			res := migrateResult{From: r.From, To: r.To, Steps: []migrateStep{}}
			for _, s := range r.Steps {
				res.Steps = append(res.Steps, migrateStep{Revision: s.Revision.ID, Direction: s.Direction})
			}
			return c.emit(res, func(w io.Writer) {
				if len(res.Steps) == 0 {
					fmt.Fprintf(w, "already at %s\n", res.To)
					return
				}
				for _, s := range res.Steps {
					fmt.Fprintf(w, "%-9s %s\n", s.Direction, s.Revision)
				}
				fmt.Fprintf(w, "%s -> %s\n", res.From, res.To)
			})
		},
	}
	cmd.Flags().StringVar(&revision, "revision", "head", `target revision id, "head" or "base"`)
	return cmd
}

type revisionInfo struct {
	ID          string `json:"id"`
	Down        string `json:"down,omitempty"`
	Description string `json:"description"`
	Current     bool   `json:"current"`
	Head        bool   `json:"head"`
}

func (c *cli) revisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revisions",
		Short: "List schema revisions, marking the database's current one",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := c.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer store.Close()

			current, err := store.SchemaRevision(ctx)
			if err != nil && !errors.Is(err, migrate.ErrSchemaNotInitialized) {
				return err
			}
			reg := store.Runner().Registry()
			var out []revisionInfo
			for _, rev := range reg.History() {
				out = append(out, revisionInfo{
					ID:          rev.ID,
					Down:        rev.Down,
					Description: rev.Description,
					Current:     rev.ID == current,
					Head:        rev.ID == reg.Head(),
				})
			}
			if c.wantJSON() {
				return c.emit(out, nil)
			}
			for _, rev := range out {
				mark := " "
				if rev.Current {
					mark = "*"
				}
				suffix := ""
				if rev.Head {
					suffix = " (head)"
				}
				fmt.Fprintf(c.stdout, "%s %s  %s%s\n", mark, rev.ID, rev.Description, suffix)
			}
			return nil
		},
	}
}
