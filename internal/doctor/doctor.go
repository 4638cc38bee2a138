// Package doctor runs offline diagnostic checks against a goagency home.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-agency/internal/config"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/router"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

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

	checks := []check{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkSchemas,
		checkPlatforms,
		checkNetwork,
		checkBindAddr,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing",
			Detail:  "Run goagency once to write a starter config",
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.SystemCounts(ctx, time.Now().UTC())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail: fmt.Sprintf("path=%s agents=%d content=%d pending_messages=%d",
			cfg.DBPath, counts.Agents.Total, counts.Content.Total, counts.Messages.Pending),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSchemas(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schemas", Status: StatusSkip, Message: "Config missing"}
	}
	files := cfg.SchemaFiles()
	if len(files) == 0 {
		return CheckResult{Name: "Schemas", Status: StatusSkip, Message: "No message schemas configured"}
	}
	schemas := router.NewSchemas()
	if err := schemas.LoadFiles(files); err != nil {
		return CheckResult{Name: "Schemas", Status: StatusFail, Message: "Schema load failed", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Schemas",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d message schema(s) compiled", len(files)),
		Detail:  strings.Join(schemas.Types(), ", "),
	}
}

// checkPlatforms flags platforms that post to an endpoint without a token.
func checkPlatforms(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Platforms", Status: StatusSkip, Message: "Config missing"}
	}
	resolved, err := cfg.PublisherConfigs()
	if err != nil {
		return CheckResult{Name: "Platforms", Status: StatusFail, Message: err.Error()}
	}

	status := StatusPass
	var details []string
	enabled := 0
	for _, p := range persistence.Platforms {
		pc := resolved[p]
		switch {
		case pc.Disabled:
			details = append(details, fmt.Sprintf("%s: disabled", p))
		case pc.Options.Endpoint == "":
			enabled++
			details = append(details, fmt.Sprintf("%s: local receipts", p))
		case pc.Options.Token == "":
			enabled++
			status = StatusWarn
			details = append(details, fmt.Sprintf("%s: endpoint set but token missing", p))
		default:
			enabled++
			details = append(details, fmt.Sprintf("%s: ok", p))
		}
	}
	return CheckResult{
		Name:    "Platforms",
		Status:  status,
		Message: fmt.Sprintf("%d of %d platforms enabled", enabled, len(persistence.Platforms)),
		Detail:  strings.Join(details, "; "),
	}
}

// checkNetwork resolves the hosts of every configured platform endpoint.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	hosts := endpointHosts(cfg)
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No platform endpoints configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var failed []string
	for _, host := range hosts {
		if net.ParseIP(host) != nil {
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", host, err))
		}
	}
	latency := time.Since(start)

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %d of %d hosts", len(failed), len(hosts)),
			Detail:  strings.Join(failed, "; "),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("Resolved %d endpoint host(s) in %dms", len(hosts), latency.Milliseconds()),
		Detail:  strings.Join(hosts, ", "),
	}
}

func endpointHosts(cfg *config.Config) []string {
	seen := map[string]struct{}{}
	for _, pc := range cfg.Platforms {
		if pc.Disabled || pc.Endpoint == "" {
			continue
		}
		u, err := url.Parse(pc.Endpoint)
		if err != nil || u.Hostname() == "" {
			continue
		}
		seen[u.Hostname()] = struct{}{}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// checkBindAddr warns when the gateway address is taken, usually by a
// running daemon.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{
				Name:    "Bind Address",
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s already in use", cfg.BindAddr),
				Detail:  "A daemon may already be running; try goagency status",
			}
		}
		return CheckResult{Name: "Bind Address", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
