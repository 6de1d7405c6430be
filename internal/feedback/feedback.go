// Package feedback wraps a single command execution with error
// classification and automatic retry. A failed command is classified
// from its stderr and exit code, a fix provider proposes a remedy, and
// the original command is retried after the fix is applied.
package feedback

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/aegis/internal/sandbox"
)

// Runner is the slice of the session container the loop needs.
// *sandbox.Container satisfies it.
type Runner interface {
	Exec(ctx context.Context, command string, timeout time.Duration, phase sandbox.Phase) sandbox.ExecResult
	ExecInstall(ctx context.Context, command string, timeout time.Duration) sandbox.ExecResult
	WriteFile(containerPath, content string) bool
}

// FixAction is one proposed remedy for a failed command. Exactly one of
// InstallCommand, Command or FilePath/FileContent should be set.
type FixAction struct {
	Description    string  `json:"description"`
	InstallCommand string  `json:"install_command,omitempty"`
	Command        string  `json:"command,omitempty"`
	FilePath       string  `json:"file_path,omitempty"`
	FileContent    string  `json:"file_content,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// FixProvider proposes fixes for classified failures. Implementations
// may be rule-based or model-backed; the loop treats them identically.
type FixProvider interface {
	SuggestFix(category Category, command, stderr string) (FixAction, bool)
}

// Result reports the outcome of RunWithFeedback.
type Result struct {
	Success       bool        `json:"success"`
	Attempts      int         `json:"attempts"`
	FinalExitCode int         `json:"final_exit_code"`
	FinalStdout   string      `json:"final_stdout"`
	FinalStderr   string      `json:"final_stderr"`
	FixesApplied  []FixAction `json:"fixes_applied"`
}

const (
	defaultMaxRetries = 3

	// Fixes at or below this confidence are not worth retrying.
	defaultFixFloor = 0.15
)

// Loop retries failed commands after applying proposed fixes.
type Loop struct {
	runner     Runner
	provider   FixProvider
	maxRetries int
	fixFloor   float64
	logger     *slog.Logger
}

type Option func(*Loop)

func WithMaxRetries(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func WithFixFloor(f float64) Option {
	return func(l *Loop) {
		if f > 0 {
			l.fixFloor = f
		}
	}
}

func NewLoop(runner Runner, provider FixProvider, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = NewRuleProvider()
	}
	l := &Loop{
		runner:     runner,
		provider:   provider,
		maxRetries: defaultMaxRetries,
		fixFloor:   defaultFixFloor,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunWithFeedback executes command, and on failure classifies the error,
// applies a proposed fix and retries. PERMISSION and TIMEOUT failures
// are never auto-fixed. The loop stops when the command succeeds, retries
// are exhausted, or the best available fix is below the confidence floor.
func (l *Loop) RunWithFeedback(ctx context.Context, command string, timeout time.Duration) Result {
	result := Result{FixesApplied: []FixAction{}}

	for {
		res := l.runner.Exec(ctx, command, timeout, sandbox.PhaseNone)
		result.Attempts++
		result.FinalExitCode = res.ExitCode
		result.FinalStdout = res.Stdout
		result.FinalStderr = res.Stderr

		if res.ExitCode == 0 {
			result.Success = true
			return result
		}
		if result.Attempts > l.maxRetries {
			return result
		}

		category := Classify(res.Stderr, res.ExitCode)
		l.logger.Info("command failed",
			"command", command,
			"attempt", result.Attempts,
			"exit_code", res.ExitCode,
			"category", string(category))

		if !category.Fixable() {
			return result
		}

		fix, ok := l.provider.SuggestFix(category, command, res.Stderr)
		if !ok || fix.Confidence <= l.fixFloor {
			return result
		}
		if !l.applyFix(ctx, fix, timeout) {
			return result
		}
		result.FixesApplied = append(result.FixesApplied, fix)
	}
}

func (l *Loop) applyFix(ctx context.Context, fix FixAction, timeout time.Duration) bool {
	switch {
	case fix.InstallCommand != "":
		res := l.runner.ExecInstall(ctx, fix.InstallCommand, timeout)
		if res.ExitCode != 0 {
			l.logger.Warn("install fix failed", "command", fix.InstallCommand, "exit_code", res.ExitCode)
			return false
		}
	case fix.Command != "":
		res := l.runner.Exec(ctx, fix.Command, timeout, sandbox.PhaseNone)
		if res.ExitCode != 0 {
			l.logger.Warn("command fix failed", "command", fix.Command, "exit_code", res.ExitCode)
			return false
		}
	case fix.FilePath != "":
		if !l.runner.WriteFile(fix.FilePath, fix.FileContent) {
			l.logger.Warn("file fix rejected", "path", fix.FilePath)
			return false
		}
	default:
		return false
	}
	l.logger.Info("fix applied", "description", fix.Description, "confidence", fix.Confidence)
	return true
}
