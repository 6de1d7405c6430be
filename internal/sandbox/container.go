// Package sandbox runs one isolated container per session. Writes are
// confined to the workspace mount, network access exists only inside the
// install phase, and every command lands in an append-only audit log.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/aegis/internal/limits"
)

// Phase is the container's network posture while a command runs.
type Phase string

const (
	PhaseNone    Phase = "none"    // execute phase: no network
	PhaseInstall Phase = "install" // restricted egress, one command
)

// ExecResult is the only execution contract across the container boundary.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FileDiff records one accepted workspace write, container-relative.
type FileDiff struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // create or modify
	Bytes     int       `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry records one exec'd command. Nothing runs outside the trail.
type AuditEntry struct {
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Duration  int64     `json:"duration_ms"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// Runtime is the container backend. Implemented by the Docker runtime;
// tests swap in a fake.
type Runtime interface {
	Create(ctx context.Context, name, image string, profile ResourceProfile, workspaceDir, configDir string) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID, command string, timeout time.Duration) (ExecResult, error)
	ConnectNetwork(ctx context.Context, containerID, network string) error
	DisconnectNetwork(ctx context.Context, containerID, network string) error
}

// ErrAlreadyStarted is returned by Start on a running container.
var ErrAlreadyStarted = errors.New("container already started")

// Config for one session container.
type Config struct {
	SessionID      string
	Image          string
	Profile        ResourceProfile
	WorkspaceDir   string // host directory bound read-write at /workspace
	ConfigDir      string // host directory bound read-only; governance files
	InstallNetwork string // restricted egress network for the install phase
	Tracker        *limits.Tracker
	Logger         *slog.Logger
}

// Container is one session's sandboxed execution environment.
type Container struct {
	name           string
	image          string
	profile        ResourceProfile
	workspaceDir   string
	configDir      string
	installNetwork string
	runtime        Runtime
	tracker        *limits.Tracker
	logger         *slog.Logger

	mu      sync.Mutex
	id      string
	running bool

	auditMu sync.Mutex
	audit   []AuditEntry

	diffMu sync.Mutex
	diffs  []FileDiff
}

// NewContainer wires a container to its runtime. Nothing is created
// until Start.
func NewContainer(rt Runtime, cfg Config) (*Container, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	if cfg.WorkspaceDir == "" {
		return nil, fmt.Errorf("workspace dir required")
	}
	image := cfg.Image
	if image == "" {
		image = "python:3.12-slim"
	}
	profile := cfg.Profile
	if profile.Name == "" {
		profile = ProfileByName("standard")
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = limits.NewTracker(limits.DefaultWriteLimits())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		name:           "aegis-session-" + cfg.SessionID,
		image:          image,
		profile:        profile,
		workspaceDir:   cfg.WorkspaceDir,
		configDir:      cfg.ConfigDir,
		installNetwork: cfg.InstallNetwork,
		runtime:        rt,
		tracker:        tracker,
		logger:         logger,
	}, nil
}

// Name returns the container name (aegis-session-<id>).
func (c *Container) Name() string { return c.name }

// Start creates and starts the container with its resource profile and
// mounts applied.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}
	if err := os.MkdirAll(c.workspaceDir, 0o755); err != nil {
		return fmt.Errorf("workspace dir: %w", err)
	}
	id, err := c.runtime.Create(ctx, c.name, c.image, c.profile, c.workspaceDir, c.configDir)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := c.runtime.Start(ctx, id); err != nil {
		_ = c.runtime.Remove(ctx, id)
		return fmt.Errorf("start container: %w", err)
	}
	c.id = id
	c.running = true
	c.logger.Info("sandbox started", "container", c.name, "profile", c.profile.Name, "image", c.image)
	return nil
}

// Stop stops and removes the container. Idempotent.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	if err := c.runtime.Stop(ctx, c.id); err != nil {
		c.logger.Warn("stop container", "container", c.name, "error", err)
	}
	if err := c.runtime.Remove(ctx, c.id); err != nil {
		c.logger.Warn("remove container", "container", c.name, "error", err)
	}
	c.running = false
	c.id = ""
	c.logger.Info("sandbox stopped", "container", c.name)
	return nil
}

// Running reports whether the container is up.
func (c *Container) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Exec runs one command inside the container during the given phase.
// On a non-running container it returns a synthetic failure (exit −1)
// instead of an error, so callers treat "not running" like any failed
// command. Every call is audited.
func (c *Container) Exec(ctx context.Context, command string, timeout time.Duration, phase Phase) ExecResult {
	c.mu.Lock()
	running, id := c.running, c.id
	c.mu.Unlock()

	if !running {
		res := ExecResult{Stderr: "container not running", ExitCode: -1}
		c.appendAudit(command, res, phase)
		return res
	}

	start := time.Now()
	res, err := c.runtime.Exec(ctx, id, command, timeout)
	if err != nil {
		res = ExecResult{Stderr: err.Error(), ExitCode: -1, Duration: time.Since(start)}
	}
	c.appendAudit(command, res, phase)
	return res
}

// ExecInstall attaches the container to the restricted egress network,
// runs exactly one command, and detaches. The detach always happens,
// even when the install fails: network access is never left open.
func (c *Container) ExecInstall(ctx context.Context, command string, timeout time.Duration) ExecResult {
	c.mu.Lock()
	running, id := c.running, c.id
	c.mu.Unlock()

	if !running {
		res := ExecResult{Stderr: "container not running", ExitCode: -1}
		c.appendAudit(command, res, PhaseInstall)
		return res
	}

	if err := c.runtime.ConnectNetwork(ctx, id, c.installNetwork); err != nil {
		res := ExecResult{Stderr: fmt.Sprintf("attach install network: %v", err), ExitCode: -1}
		c.appendAudit(command, res, PhaseInstall)
		return res
	}
	defer func() {
		if err := c.runtime.DisconnectNetwork(context.WithoutCancel(ctx), id, c.installNetwork); err != nil {
			c.logger.Error("detach install network", "container", c.name, "error", err)
		}
	}()

	start := time.Now()
	res, err := c.runtime.Exec(ctx, id, command, timeout)
	if err != nil {
		res = ExecResult{Stderr: err.Error(), ExitCode: -1, Duration: time.Since(start)}
	}
	c.appendAudit(command, res, PhaseInstall)
	return res
}

// WriteFile writes content to a workspace path. Returns false when the
// path escapes the workspace root or a write limit blocks it.
func (c *Container) WriteFile(containerPath, content string) bool {
	host, ok := resolveWorkspacePath(c.workspaceDir, containerPath)
	if !ok {
		c.logger.Warn("write outside workspace rejected", "path", containerPath)
		return false
	}
	_, statErr := os.Stat(host)
	isNew := os.IsNotExist(statErr)

	if v := c.tracker.CheckWrite(containerPath, content, isNew); v != nil {
		c.logger.Warn("write limit violation", "path", containerPath, "kind", string(v.Kind), "limit", v.Limit, "actual", v.Actual)
		return false
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		c.logger.Error("write file", "path", containerPath, "error", err)
		return false
	}
	if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
		c.logger.Error("write file", "path", containerPath, "error", err)
		return false
	}
	c.tracker.RecordWrite(containerPath, content, isNew)
	op := "modify"
	if isNew {
		op = "create"
	}
	c.diffMu.Lock()
	c.diffs = append(c.diffs, FileDiff{
		Path:      containerPath,
		Operation: op,
		Bytes:     len(content),
		Timestamp: time.Now().UTC(),
	})
	c.diffMu.Unlock()
	return true
}

// ReadFile reads a workspace path.
func (c *Container) ReadFile(containerPath string) (string, error) {
	host, ok := resolveWorkspacePath(c.workspaceDir, containerPath)
	if !ok {
		return "", fmt.Errorf("path %s outside workspace", containerPath)
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListFiles lists the workspace tree below a path, container-relative.
func (c *Container) ListFiles(containerPath string) ([]string, error) {
	host, ok := resolveWorkspacePath(c.workspaceDir, containerPath)
	if !ok {
		return nil, fmt.Errorf("path %s outside workspace", containerPath)
	}
	var out []string
	err := filepath.Walk(host, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.workspaceDir, p)
		if err != nil {
			return err
		}
		out = append(out, WorkspaceRoot+"/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WorkspaceDir returns the host directory backing /workspace.
func (c *Container) WorkspaceDir() string { return c.workspaceDir }

// Tracker returns the write-limit tracker enforcing this container's writes.
func (c *Container) Tracker() *limits.Tracker { return c.tracker }

// Diffs returns a copy of the accepted writes in append order. The
// session store flushes them to diff.json when the run ends.
func (c *Container) Diffs() []FileDiff {
	c.diffMu.Lock()
	defer c.diffMu.Unlock()
	out := make([]FileDiff, len(c.diffs))
	copy(out, c.diffs)
	return out
}

// AuditLog returns a copy of the audit trail in append order.
func (c *Container) AuditLog() []AuditEntry {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()
	out := make([]AuditEntry, len(c.audit))
	copy(out, c.audit)
	return out
}

func (c *Container) appendAudit(command string, res ExecResult, phase Phase) {
	entry := AuditEntry{
		Command:   command,
		ExitCode:  res.ExitCode,
		Duration:  res.Duration.Milliseconds(),
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	}
	c.auditMu.Lock()
	c.audit = append(c.audit, entry)
	c.auditMu.Unlock()
}
