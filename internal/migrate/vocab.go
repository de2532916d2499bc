package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// legacyStatus is the task status vocabulary of the 0.6 schema.
type legacyStatus string

const (
	legacyPending    legacyStatus = "pending"
	legacyProcessing legacyStatus = "processing"
	legacySuccess    legacyStatus = "success"
	legacyFailure    legacyStatus = "failure"
)

// status is the task status vocabulary from revision 263a45963c72 onwards.
type status string

const (
	statusPending          status = "pending"
	statusRunning          status = "running"
	statusCompleted        status = "completed"
	statusReported         status = "reported"
	statusRecovered        status = "recovered"
	statusFailedAnalysis   status = "failed_analysis"
	statusFailedProcessing status = "failed_processing"
	statusFailedReporting  status = "failed_reporting"
)

var statuses = []status{
	statusPending, statusRunning, statusCompleted, statusReported,
	statusRecovered, statusFailedAnalysis, statusFailedProcessing, statusFailedReporting,
}

var upgradeStatus10 = map[legacyStatus]status{
	legacyPending:    statusPending,
	legacyProcessing: statusRunning,
	legacySuccess:    statusCompleted,
	legacyFailure:    statusFailedAnalysis,
}

// Several 1.0 labels collapse onto one 0.6 label.
var downgradeStatus10 = map[status]legacyStatus{
	statusPending:          legacyPending,
	statusRecovered:        legacyPending,
	statusRunning:          legacyProcessing,
	statusCompleted:        legacySuccess,
	statusReported:         legacySuccess,
	statusFailedAnalysis:   legacyFailure,
	statusFailedProcessing: legacyFailure,
	statusFailedReporting:  legacyFailure,
}

// HeadStatuses lists the task status labels valid at the head revision.
func HeadStatuses() []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// remapStatuses rewrites tasks.status through mapping in one statement, so a
// label that is both a source and a target is never rewritten twice. Rows
// holding a label outside the source vocabulary abort the migration.
func remapStatuses[From, To ~string](ctx context.Context, c *Conn, mapping map[From]To) error {
	rows, err := c.Query(ctx, `SELECT DISTINCT status FROM tasks`)
	if err != nil {
		return fmt.Errorf("read task statuses: %w", err)
	}
	var unknown []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan task status: %w", err)
		}
		if _, ok := mapping[From(label)]; !ok {
			unknown = append(unknown, label)
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close task statuses: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate task statuses: %w", err)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("tasks hold statuses outside the source vocabulary: %s", strings.Join(unknown, ", "))
	}

	keys := make([]string, 0, len(mapping))
	for from := range mapping {
		keys = append(keys, string(from))
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("UPDATE tasks SET status = CASE status")
	args := make([]any, 0, 2*len(keys))
	for _, from := range keys {
		to := mapping[From(from)]
		if from == string(to) {
			continue
		}
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, from, string(to))
	}
	if len(args) == 0 {
		return nil
	}
	b.WriteString(" ELSE status END")

	res, err := c.Exec(ctx, b.String(), args...)
	if err != nil {
		return fmt.Errorf("remap task statuses: %w", err)
	}
	n, _ := res.RowsAffected()
	c.logger().Info("task statuses remapped", "rows", n)
	return nil
}
