package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the task store and migration instruments.
type Metrics struct {
	TasksSubmitted    metric.Int64Counter
	TasksClaimed      metric.Int64Counter
	ClaimMisses       metric.Int64Counter
	ClaimDuration     metric.Float64Histogram
	StatusChanges     metric.Int64Counter
	ErrorsAppended    metric.Int64Counter
	AnalysisDuration  metric.Float64Histogram
	ActiveWorkers     metric.Int64UpDownCounter
	MigrationDuration metric.Float64Histogram
	MigrationSteps    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("sandq.task.submitted",
		metric.WithDescription("Tasks inserted as pending"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("sandq.task.claimed",
		metric.WithDescription("Tasks handed to a worker or processing instance"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimMisses, err = meter.Int64Counter("sandq.claim.misses",
		metric.WithDescription("Claim calls that found no eligible task"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("sandq.claim.duration",
		metric.WithDescription("Claim transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StatusChanges, err = meter.Int64Counter("sandq.task.status_changes",
		metric.WithDescription("Explicit task status writes"),
	)
	if err != nil {
		return nil, err
	}

	m.ErrorsAppended, err = meter.Int64Counter("sandq.task.errors",
		metric.WithDescription("Error records appended to tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.AnalysisDuration, err = meter.Float64Histogram("sandq.analysis.duration",
		metric.WithDescription("Analyzer run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("sandq.dispatch.active_workers",
		metric.WithDescription("Dispatcher workers currently polling or analyzing"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationDuration, err = meter.Float64Histogram("sandq.migration.duration",
		metric.WithDescription("Migrate call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationSteps, err = meter.Int64Counter("sandq.migration.steps",
		metric.WithDescription("Revision transforms applied"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
