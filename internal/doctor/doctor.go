package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/basket/aegis/internal/config"
	"github.com/basket/aegis/internal/learning"
	"github.com/basket/aegis/internal/policy"
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
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkDocker,
		checkRegistries,
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
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := learning.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.StatsFor(ctx, "execute"); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}

	if _, err := os.Stat(cfg.PolicyPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Policy",
			Status:  "WARN",
			Message: fmt.Sprintf("No policy file at %s (built-in defaults apply)", cfg.PolicyPath),
		}
	}

	if _, err := policy.Load(cfg.PolicyPath); err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Policy invalid: %v", err)}
	}

	return CheckResult{Name: "Policy", Status: "PASS", Message: fmt.Sprintf("Roles valid at %s", cfg.PolicyPath)}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: "docker binary not found",
			Detail:  "Sessions run inside containers; install Docker to execute tasks",
		}
	}

	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("daemon unreachable: %v", err)}
	}

	image := "python:3.12-slim"
	if cfg != nil && cfg.Sandbox.Image != "" {
		image = cfg.Sandbox.Image
	}
	inspect := exec.CommandContext(ctx, "docker", "image", "inspect", image)
	if err := inspect.Run(); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "WARN",
			Message: fmt.Sprintf("image %s not pulled", image),
			Detail:  fmt.Sprintf("Run `docker pull %s` to avoid a slow first session", image),
		}
	}

	netName := "aegis-install"
	if cfg != nil && cfg.Sandbox.InstallNetwork != "" {
		netName = cfg.Sandbox.InstallNetwork
	}
	netInspect := exec.CommandContext(ctx, "docker", "network", "inspect", netName)
	if err := netInspect.Run(); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "WARN",
			Message: fmt.Sprintf("install network %s not provisioned", netName),
			Detail:  "Created automatically at the start of the next `aegis run`; install phases fail without it",
		}
	}

	return CheckResult{Name: "Docker", Status: "PASS", Message: "daemon reachable, session image and install network present"}
}

func checkRegistries(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Registries", Status: "SKIP", Message: "Config missing"}
	}

	hosts := cfg.Sandbox.AllowedRegistries
	if len(hosts) == 0 {
		return CheckResult{Name: "Registries", Status: "WARN", Message: "No package registries configured; install phases will fail"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, hosts[0])
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Registries",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", hosts[0], err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Registries",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", hosts[0], len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("allowed=%v", hosts),
	}
}
