package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/aegis/internal/approval"
	"github.com/basket/aegis/internal/dag"
	otelPkg "github.com/basket/aegis/internal/otel"
	"github.com/basket/aegis/internal/sandbox"
)

func TestSplitWritePayload(t *testing.T) {
	path, content, ok := splitWritePayload("src/app.py\nprint('hi')\n")
	if !ok || path != "src/app.py" || content != "print('hi')\n" {
		t.Errorf("got (%q, %q, %v)", path, content, ok)
	}

	if _, _, ok := splitWritePayload("no-newline"); ok {
		t.Error("payload without content separator should be rejected")
	}
	if _, _, ok := splitWritePayload("\ncontent without path"); ok {
		t.Error("payload with empty path should be rejected")
	}
}

func TestConfidenceFor(t *testing.T) {
	if confidenceFor(true) <= confidenceFor(false) {
		t.Error("success must score above failure")
	}
	if confidenceFor(false) != 0 {
		t.Errorf("failure confidence = %v, want 0", confidenceFor(false))
	}
}

// stubRuntime satisfies sandbox.Runtime so executor paths can run
// without a Docker daemon.
type stubRuntime struct{}

func (stubRuntime) Create(context.Context, string, string, sandbox.ResourceProfile, string, string) (string, error) {
	return "cid-1", nil
}
func (stubRuntime) Start(context.Context, string) error  { return nil }
func (stubRuntime) Stop(context.Context, string) error   { return nil }
func (stubRuntime) Remove(context.Context, string) error { return nil }
func (stubRuntime) Exec(context.Context, string, string, time.Duration) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{Stdout: "installed", ExitCode: 0}, nil
}
func (stubRuntime) ConnectNetwork(context.Context, string, string) error    { return nil }
func (stubRuntime) DisconnectNetwork(context.Context, string, string) error { return nil }

func newInstallExecutor(t *testing.T, q *approval.Queue, requireReview bool) *sandboxExecutor {
	t.Helper()
	c, err := sandbox.NewContainer(stubRuntime{}, sandbox.Config{
		SessionID:      "s1",
		WorkspaceDir:   t.TempDir(),
		InstallNetwork: "aegis-install",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &sandboxExecutor{
		container:       c,
		approvals:       q,
		requireReview:   requireReview,
		approvalTimeout: 5 * time.Second,
	}
}

func newTestQueue(t *testing.T) *approval.Queue {
	t.Helper()
	q, err := approval.NewQueue(approval.Config{
		PersistPath: filepath.Join(t.TempDir(), "approvals.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Close)
	return q
}

func decideFirstPending(t *testing.T, q *approval.Queue, approve bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if pending := q.Pending(); len(pending) == 1 {
			var err error
			if approve {
				_, err = q.Approve(pending[0].ID, "tester", "looks safe")
			} else {
				_, err = q.Deny(pending[0].ID, "tester", "unvetted package")
			}
			if err != nil {
				t.Error(err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no pending request appeared")
}

func TestInstallBlocksUntilApproved(t *testing.T) {
	q := newTestQueue(t)
	ex := newInstallExecutor(t, q, true)
	go decideFirstPending(t, q, true)

	res := ex.Execute(context.Background(), &dag.Task{
		ID: "t1", ActionType: "install_dependency", Command: "pip install requests",
	})
	if !res.Success {
		t.Fatalf("approved install failed: %+v", res)
	}
	if res.Output != "installed" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestInstallDeniedFailsTask(t *testing.T) {
	q := newTestQueue(t)
	ex := newInstallExecutor(t, q, true)
	go decideFirstPending(t, q, false)

	res := ex.Execute(context.Background(), &dag.Task{
		ID: "t1", ActionType: "install_dependency", Command: "pip install leftpad",
	})
	if res.Success {
		t.Fatal("denied install reported success")
	}
	if !strings.Contains(res.Error, "not approved") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestInstallWithoutReviewSkipsQueue(t *testing.T) {
	q := newTestQueue(t)
	ex := newInstallExecutor(t, q, false)

	res := ex.Execute(context.Background(), &dag.Task{
		ID: "t1", ActionType: "install_dependency", Command: "pip install requests",
	})
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if len(q.Pending()) != 0 {
		t.Error("review-exempt role should not enqueue approvals")
	}
}

func TestExecuteWithInstrumentation(t *testing.T) {
	provider, err := otelPkg.Init(context.Background(), otelPkg.Config{})
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatal(err)
	}

	ex := newInstallExecutor(t, nil, false)
	ex.tracer = provider.Tracer
	ex.metrics = metrics

	res := ex.Execute(context.Background(), &dag.Task{
		ID: "t1", ActionType: "install_dependency", Command: "pip install requests",
	})
	if !res.Success {
		t.Fatalf("instrumented execute failed: %+v", res)
	}
}
