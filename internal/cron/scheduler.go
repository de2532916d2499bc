// Package cron runs the periodic queue status report of a worker process.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/sandq/internal/bus"
	"github.com/basket/sandq/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TopicQueueReport carries a Report after each scheduled run.
const TopicQueueReport = "queue.report"

// Counter is the part of the task store the report reads.
type Counter interface {
	CountTasks(ctx context.Context, status persistence.TaskStatus) (int, error)
}

// Report is the number of tasks per status at one point in time.
type Report struct {
	At     time.Time
	Counts map[persistence.TaskStatus]int
	Total  int
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    Counter
	Schedule string // 5-field cron expression
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Scheduler logs a queue status report whenever its schedule is due.
type Scheduler struct {
	store    Counter
	schedule cronlib.Schedule
	expr     string
	bus      *bus.Bus
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule expression and returns a stopped
// scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		schedule: sched,
		expr:     cfg.Schedule,
		bus:      cfg.Bus,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("queue report scheduled", "schedule", s.expr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("queue report failed", "error", err)
			}
		}
	}
}

// Run counts tasks per status, logs the result and publishes it.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	report := Report{At: s.now(), Counts: make(map[persistence.TaskStatus]int)}
	attrs := make([]any, 0, 2*len(persistence.TaskStatuses())+2)
	for _, status := range persistence.TaskStatuses() {
		n, err := s.store.CountTasks(ctx, status)
		if err != nil {
			return Report{}, err
		}
		report.Counts[status] = n
		report.Total += n
		attrs = append(attrs, string(status), n)
	}
	attrs = append(attrs, "total", report.Total)
	s.logger.Info("queue report", attrs...)
	s.bus.Publish(TopicQueueReport, report)
	return report, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
