package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sandq/internal/bus"
	"github.com/basket/sandq/internal/config"
	"github.com/basket/sandq/internal/cron"
	"github.com/basket/sandq/internal/dbconn"
	"github.com/basket/sandq/internal/dispatch"
	"github.com/basket/sandq/internal/migrate"
	otelPkg "github.com/basket/sandq/internal/otel"
	"github.com/basket/sandq/internal/persistence"
	"github.com/basket/sandq/internal/shared"
	"github.com/basket/sandq/internal/telemetry"
)

var errNoAnalyzer = errors.New("dispatch.analyzer_command is not configured")

func (c *cli) workCmd() *cobra.Command {
	var workers int
	var owner string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run analysis workers until interrupted",
		Long: `work claims pending tasks and runs dispatch.analyzer_command for each one,
with the task as JSON on stdin. Exit status 0 completes the task; anything
else fails it and records the command's output in the task's error log.
Changes to log_level in config.yaml apply without a restart.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(c.cfg.Dispatch.AnalyzerCommand) == 0 {
				return errNoAnalyzer
			}
			if workers <= 0 {
				workers = c.cfg.Dispatch.Workers
			}
			if owner == "" {
				owner = shared.NewOwnerID()
			}
			return c.work(cmd.Context(), workers, owner)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent workers (default: dispatch.workers)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id recorded on claimed tasks (default: hostname and a random suffix)")
	return cmd
}

func (c *cli) work(ctx context.Context, workers int, owner string) error {
	backend, err := dbconn.Parse(c.cfg.Database.Connection)
	if err != nil {
		return err
	}
	provider, err := otelPkg.Init(ctx, c.cfg.OTel, otelPkg.Deployment{
		Backend:    string(backend.Kind),
		SchemaHead: migrate.Default().Head(),
		Owner:      owner,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	defer func() {
		totals, err := provider.Totals(context.Background())
		if err != nil {
			c.logger.Warn("metrics summary unavailable", "error", err)
			return
		}
		if len(totals) > 0 {
			c.logger.Info("worker totals", "counters", totals)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	events := bus.New()
	sub := events.Subscribe("task.")
	defer events.Unsubscribe(sub)
	go func() {
		for ev := range sub.Ch() {
			c.logger.Debug("task event", "topic", ev.Topic, "event", ev.Payload)
		}
	}()

	store, err := c.openStore(ctx, false, func(o *persistence.Options) {
		o.Bus = events
		o.Metrics = metrics
		o.Tracer = provider.Tracer
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if expr := c.cfg.Dispatch.ReportSchedule; expr != "" {
		report, err := cron.NewScheduler(cron.Config{Store: store, Schedule: expr, Bus: events, Logger: c.logger})
		if err != nil {
			return fmt.Errorf("dispatch.report_schedule %q: %w", expr, err)
		}
		report.Start(ctx)
		defer report.Stop()
	}

	watcher := config.NewWatcher(c.cfg.HomeDir, c.logger)
	if err := watcher.Start(ctx); err != nil {
		c.logger.Warn("config watcher unavailable", "error", err)
	} else {
		go c.followConfig(watcher)
	}

	d := dispatch.New(store, dispatch.CommandAnalyzer{
		Command: c.cfg.Dispatch.AnalyzerCommand,
		Dir:     c.cfg.HomeDir,
	}, dispatch.Config{
		Workers:         workers,
		PollInterval:    c.cfg.PollInterval(),
		MaxPollInterval: c.cfg.MaxPollInterval(),
		TaskTimeout:     c.cfg.AnalysisTimeout(),
		Owner:           owner,
		Logger:          c.logger,
		Metrics:         metrics,
		Tracer:          provider.Tracer,
	})
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// followConfig applies log_level changes as they are written. Other
// settings take effect on the next start.
func (c *cli) followConfig(w *config.Watcher) {
	for range w.Events() {
		next, err := config.LoadFrom(c.cfg.HomeDir)
		if err != nil {
			c.logger.Warn("config reload failed", "error", err)
			continue
		}
		if c.logLevel == "" && next.LogLevel != c.cfg.LogLevel {
			c.levelVar.Set(telemetry.ParseLevel(next.LogLevel))
			c.logger.Info("log level changed", "from", c.cfg.LogLevel, "to", next.LogLevel)
		}
		level := next.LogLevel
		next.LogLevel = c.cfg.LogLevel
		if next.Fingerprint() != c.cfg.Fingerprint() {
			c.logger.Info("config changed; restart sandq work to apply", "fingerprint", next.Fingerprint())
		}
		c.cfg.LogLevel = level
	}
}
