package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-tracker/internal/config"
	"github.com/basket/go-tracker/internal/devserver"
	"github.com/basket/go-tracker/internal/keepalive"
	"github.com/basket/go-tracker/internal/remote"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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
		if r.Status == "FAIL" {
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
		checkCredentials,
		checkPermissions,
		checkKeepalive,
		checkDatabase,
		checkBackend,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults",
			Detail: "Run `tracker config init` to write one"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}
	switch {
	case cfg.Email == "":
		return CheckResult{Name: "Credentials", Status: "WARN", Message: "No login email configured",
			Detail: "Set TRACKER_EMAIL or `tracker config set email <address>`"}
	case cfg.Password == "":
		return CheckResult{Name: "Credentials", Status: "WARN", Message: fmt.Sprintf("TRACKER_PASSWORD not set for %s", cfg.Email)}
	}
	return CheckResult{Name: "Credentials", Status: "PASS", Message: fmt.Sprintf("Login identity %s", cfg.Email)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkKeepalive(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Keepalive", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.KeepaliveSchedule == "" {
		return CheckResult{Name: "Keepalive", Status: "SKIP", Message: "Keepalive disabled"}
	}
	next, err := keepalive.NextRunTime(cfg.KeepaliveSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Keepalive", Status: "FAIL", Message: fmt.Sprintf("Invalid schedule %q", cfg.KeepaliveSchedule), Detail: err.Error()}
	}
	return CheckResult{Name: "Keepalive", Status: "PASS", Message: fmt.Sprintf("Schedule %q, next run %s", cfg.KeepaliveSchedule, next.Format(time.RFC3339))}
}

func checkDatabase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.DBPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "No dev backend database", Detail: path}
	}

	db, err := devserver.OpenDB(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer db.Close()

	return CheckResult{Name: "Database", Status: "PASS", Message: "Dev backend schema valid", Detail: path}
}

// checkBackend calls the verify endpoint; any answer, signed in or not, means
// the backend is reachable.
func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: "SKIP", Message: "Config missing"}
	}

	client, err := remote.New(remote.Options{BaseURL: cfg.BaseURL, Timeout: 5 * time.Second})
	if err != nil {
		return CheckResult{Name: "Backend", Status: "FAIL", Message: err.Error()}
	}

	start := time.Now()
	_, _, err = client.Verify(ctx)
	latency := time.Since(start)
	if err != nil && remote.KindOf(err) == remote.KindTransient {
		return CheckResult{
			Name:    "Backend",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s unreachable: %v", cfg.BaseURL, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Backend",
		Status:  "PASS",
		Message: fmt.Sprintf("%s answered in %dms", cfg.BaseURL, latency.Milliseconds()),
	}
}
