package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/sandq/internal/config"
	otelPkg "github.com/basket/sandq/internal/otel"
	"github.com/basket/sandq/internal/persistence"
	"github.com/basket/sandq/internal/telemetry"
)

var errUsage = errors.New("usage")

// cli holds the state shared by every command of one invocation.
type cli struct {
	home     string
	logLevel string
	jsonOut  bool
	verbose  bool

	stdout io.Writer
	stderr io.Writer

	cfg       config.Config
	logger    *slog.Logger
	levelVar  slog.LevelVar
	logCloser io.Closer
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandq",
		Short:         "Task store and workers for sandbox analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          usageArgs(cobra.NoArgs),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	root.PersistentFlags().StringVar(&c.home, "cwd", "",
		"working directory holding config.yaml, db/ and logs/ (default $SANDQ_HOME or ~/.sandq)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides config.yaml")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false,
		"print JSON even on a terminal")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false,
		"also write log records to stderr")

	root.AddCommand(
		c.initCmd(),
		c.migrateCmd(),
		c.revisionsCmd(),
		c.submitCmd(),
		c.claimCmd(),
		c.taskCmd(),
		c.errorCmd(),
		c.workCmd(),
		c.doctorCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	home := c.home
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.LoggerOptions{
		Level:     cfg.LogLevel,
		Quiet:     !c.verbose && cmd.Name() != "work",
		Console:   c.stderr,
		Component: "cli",
		LevelVar:  &c.levelVar,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	c.logger = logger
	c.logCloser = closer
	slog.SetDefault(logger)
	return nil
}

func (c *cli) close() {
	if c.logCloser != nil {
		_ = c.logCloser.Close()
	}
}

// openStore opens the configured database. With create the head schema is
// created when missing.
func (c *cli) openStore(ctx context.Context, create bool, extra ...func(*persistence.Options)) (*persistence.Store, error) {
	opts := persistence.Options{
		CreateIfMissing: create,
		Logger:          c.logger,
		Tracer:          otelPkg.NoopTracer(),
	}
	for _, fn := range extra {
		fn(&opts)
	}
	return persistence.Open(ctx, c.cfg.Database.Connection, opts)
}

// wantJSON reports whether output goes to something other than a terminal.
func (c *cli) wantJSON() bool {
	if c.jsonOut {
		return true
	}
	f, ok := c.stdout.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// emit writes v as one JSON line, or calls text on a terminal.
func (c *cli) emit(v any, text func(w io.Writer)) error {
	if c.wantJSON() {
		return json.NewEncoder(c.stdout).Encode(v)
	}
	text(c.stdout)
	return nil
}

// usageArgs reports argument count errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return nil
	}
}

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid task id %q", errUsage, raw)
	}
	return id, nil
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.emit(map[string]string{"version": otelPkg.Version}, func(w io.Writer) {
				fmt.Fprintf(w, "sandq %s\n", otelPkg.Version)
			})
		},
	}
}
