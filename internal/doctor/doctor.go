package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/sandq/internal/config"
	"github.com/basket/sandq/internal/migrate"
	otelPkg "github.com/basket/sandq/internal/otel"
	"github.com/basket/sandq/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkAnalyzer,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  "Run `sandq init` to write one",
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}

	store, err := persistence.Open(ctx, cfg.Database.Connection, persistence.Options{})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()
	db := store.Backend().Redacted()

	rev, err := store.SchemaRevision(ctx)
	switch {
	case errors.Is(err, migrate.ErrSchemaNotInitialized):
		return CheckResult{
			Name:    "Database",
			Status:  StatusWarn,
			Message: "Schema not initialized",
			Detail:  fmt.Sprintf("db=%s; run `sandq init`", db),
		}
	case err != nil:
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Read schema revision: %v", err), Detail: "db=" + db}
	}

	head := store.Runner().Registry().Head()
	if rev != head {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: fmt.Sprintf("Schema at %s, expected %s", rev, head),
			Detail:  fmt.Sprintf("db=%s; run `sandq migrate`", db),
		}
	}

	pending, err := store.CountTasks(ctx, persistence.TaskStatusPending)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: "db=" + db}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema at head, %d pending tasks", pending),
		Detail:  "db=" + db,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkAnalyzer(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Analyzer", Status: StatusSkip, Message: "Config missing"}
	}
	argv := cfg.Dispatch.AnalyzerCommand
	if len(argv) == 0 {
		return CheckResult{
			Name:    "Analyzer",
			Status:  StatusWarn,
			Message: "dispatch.analyzer_command not set",
			Detail:  "`sandq work` refuses to start without it",
		}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return CheckResult{Name: "Analyzer", Status: StatusFail, Message: fmt.Sprintf("%s: %v", argv[0], err)}
	}
	return CheckResult{
		Name:    "Analyzer",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s found", path),
		Detail:  strings.Join(argv, " "),
	}
}

// checkTelemetry dials the OTLP collector when traces are exported over HTTP.
func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.OTel.Exports() || cfg.OTel.Exporter != otelPkg.ExporterOTLPHTTP {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: fmt.Sprintf("Exporter %q needs no network", cfg.OTel.Exporter)}
	}

	addr := collectorAddr(cfg.OTel.Endpoint)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  StatusFail,
			Message: fmt.Sprintf("Collector %s unreachable: %v", addr, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	conn.Close()

	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("Collector %s reachable (%dms)", addr, latency.Milliseconds()),
	}
}

// collectorAddr turns an OTLP endpoint into host:port. Endpoints may be bare
// host:port pairs or URLs; the OTLP/HTTP default is localhost:4318.
func collectorAddr(endpoint string) string {
	if endpoint == "" {
		return otelPkg.DefaultEndpoint
	}
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			if u.Port() != "" {
				return u.Host
			}
			if u.Scheme == "https" {
				return net.JoinHostPort(u.Hostname(), "443")
			}
			return net.JoinHostPort(u.Hostname(), "80")
		}
	}
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint
	}
	return net.JoinHostPort(endpoint, "4318")
}
