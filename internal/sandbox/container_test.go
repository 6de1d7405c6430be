package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/aegis/internal/limits"
)

// fakeRuntime records runtime calls and serves canned exec results.
type fakeRuntime struct {
	mu          sync.Mutex
	created     bool
	started     bool
	removed     bool
	connected   []string
	disconnects []string
	execs       []string
	execResult  ExecResult
	execErr     error
	connectErr  error
}

func (f *fakeRuntime) Create(_ context.Context, name, image string, _ ResourceProfile, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = true
	return "cid-1", nil
}

func (f *fakeRuntime) Start(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeRuntime) Stop(context.Context, string) error { return nil }

func (f *fakeRuntime) Remove(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, _, command string, _ time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, command)
	return f.execResult, f.execErr
}

func (f *fakeRuntime) ConnectNetwork(_ context.Context, _, network string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, network)
	return nil
}

func (f *fakeRuntime) DisconnectNetwork(_ context.Context, _, network string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, network)
	return nil
}

func newTestContainer(t *testing.T, rt Runtime) *Container {
	t.Helper()
	c, err := NewContainer(rt, Config{
		SessionID:      "s1",
		WorkspaceDir:   t.TempDir(),
		InstallNetwork: "aegis-egress",
	})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	return c
}

func TestExec_NotRunningReturnsSyntheticFailure(t *testing.T) {
	c := newTestContainer(t, &fakeRuntime{})

	res := c.Exec(t.Context(), "echo hi", time.Second, PhaseNone)
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "not running") {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	// Even a refused exec lands in the audit trail.
	log := c.AuditLog()
	if len(log) != 1 || log[0].Command != "echo hi" || log[0].ExitCode != -1 {
		t.Fatalf("audit = %+v", log)
	}
}

func TestStartExecStop(t *testing.T) {
	rt := &fakeRuntime{execResult: ExecResult{Stdout: "ok", ExitCode: 0}}
	c := newTestContainer(t, rt)
	ctx := t.Context()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("second start err = %v, want ErrAlreadyStarted", err)
	}

	res := c.Exec(ctx, "python app.py", time.Second, PhaseNone)
	if res.ExitCode != 0 || res.Stdout != "ok" {
		t.Fatalf("result = %+v", res)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !rt.removed {
		t.Fatal("container not removed on stop")
	}
	if c.Running() {
		t.Fatal("still running after stop")
	}
}

func TestExecInstall_AttachesAndAlwaysDetaches(t *testing.T) {
	rt := &fakeRuntime{execResult: ExecResult{ExitCode: 1, Stderr: "install failed"}}
	c := newTestContainer(t, rt)
	ctx := t.Context()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	res := c.ExecInstall(ctx, "pip install flask", time.Second)
	if res.ExitCode != 1 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	// Detach must happen even though the install failed.
	if len(rt.connected) != 1 || rt.connected[0] != "aegis-egress" {
		t.Fatalf("connected = %v", rt.connected)
	}
	if len(rt.disconnects) != 1 || rt.disconnects[0] != "aegis-egress" {
		t.Fatalf("disconnects = %v", rt.disconnects)
	}

	log := c.AuditLog()
	if len(log) != 1 || log[0].Phase != PhaseInstall {
		t.Fatalf("audit = %+v", log)
	}
}

func TestExecInstall_ConnectFailureIsFailedResult(t *testing.T) {
	rt := &fakeRuntime{connectErr: fmt.Errorf("no such network")}
	c := newTestContainer(t, rt)
	ctx := t.Context()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	res := c.ExecInstall(ctx, "pip install flask", time.Second)
	if res.ExitCode != -1 || !strings.Contains(res.Stderr, "attach install network") {
		t.Fatalf("result = %+v", res)
	}
	if len(rt.execs) != 0 {
		t.Fatal("command must not run without the network attach succeeding")
	}
}

func TestWriteFile_Confinement(t *testing.T) {
	c := newTestContainer(t, &fakeRuntime{})

	if c.WriteFile("/etc/passwd", "x") {
		t.Fatal("absolute path outside workspace accepted")
	}
	if c.WriteFile("/workspace/../etc/x", "x") {
		t.Fatal("traversal path accepted")
	}
	if c.WriteFile("/workspace/a/../../etc/x", "x") {
		t.Fatal("nested traversal accepted")
	}
	if !c.WriteFile("/workspace/a/b.py", "print('hi')\n") {
		t.Fatal("legitimate workspace write rejected")
	}

	content, err := c.ReadFile("/workspace/a/b.py")
	if err != nil || content != "print('hi')\n" {
		t.Fatalf("read back: %q %v", content, err)
	}
}

func TestWriteFile_RelativePathConfinedToWorkspace(t *testing.T) {
	c := newTestContainer(t, &fakeRuntime{})
	if !c.WriteFile("src/main.py", "pass\n") {
		t.Fatal("relative workspace write rejected")
	}
	if _, err := c.ReadFile("/workspace/src/main.py"); err != nil {
		t.Fatalf("read back: %v", err)
	}
}

func TestWriteFile_DiffsRecorded(t *testing.T) {
	c := newTestContainer(t, &fakeRuntime{})

	if !c.WriteFile("/workspace/main.py", "pass\n") {
		t.Fatal("create rejected")
	}
	if !c.WriteFile("/workspace/main.py", "print('hi')\n") {
		t.Fatal("modify rejected")
	}
	c.WriteFile("/etc/passwd", "x") // rejected, must not be logged

	diffs := c.Diffs()
	if len(diffs) != 2 {
		t.Fatalf("diffs = %d, want 2", len(diffs))
	}
	if diffs[0].Operation != "create" || diffs[0].Path != "/workspace/main.py" || diffs[0].Bytes != len("pass\n") {
		t.Errorf("first diff = %+v", diffs[0])
	}
	if diffs[1].Operation != "modify" || diffs[1].Bytes != len("print('hi')\n") {
		t.Errorf("second diff = %+v", diffs[1])
	}
	if diffs[0].Timestamp.IsZero() {
		t.Error("diff timestamp not stamped")
	}
}

func TestWriteFile_TrackerBlocks(t *testing.T) {
	tracker := limits.NewTracker(limits.NewWriteLimits(4, 10, 10, 1<<20, 100))
	c, err := NewContainer(&fakeRuntime{}, Config{
		SessionID:    "s1",
		WorkspaceDir: t.TempDir(),
		Tracker:      tracker,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.WriteFile("/workspace/big.txt", "more than four bytes") {
		t.Fatal("oversized write accepted")
	}
	if _, err := c.ReadFile("/workspace/big.txt"); err == nil {
		t.Fatal("blocked write still hit disk")
	}
}

func TestListFiles(t *testing.T) {
	c := newTestContainer(t, &fakeRuntime{})
	c.WriteFile("/workspace/a.txt", "1")
	c.WriteFile("/workspace/sub/b.txt", "2")

	files, err := c.ListFiles("/workspace")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	for _, f := range files {
		if !strings.HasPrefix(f, "/workspace/") {
			t.Fatalf("path not container-relative: %s", f)
		}
	}
}

func TestAuditLog_ConcurrentAppends(t *testing.T) {
	rt := &fakeRuntime{execResult: ExecResult{ExitCode: 0}}
	c := newTestContainer(t, rt)
	ctx := t.Context()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c.Exec(ctx, fmt.Sprintf("cmd-%d", i), time.Second, PhaseNone)
		}(i)
	}
	wg.Wait()

	if got := len(c.AuditLog()); got != n {
		t.Fatalf("audit entries = %d, want %d", got, n)
	}
}

func TestProfileByName(t *testing.T) {
	if p := ProfileByName("light"); p.MemoryMB != 512 {
		t.Fatalf("light = %+v", p)
	}
	if p := ProfileByName("unknown"); p.Name != "standard" {
		t.Fatalf("fallback = %+v", p)
	}
}

func TestLoadProfiles_MergesOverBuiltins(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/profiles.yaml"
	doc := "profiles:\n  - name: xl\n    memory_mb: 16384\n    nano_cpus: 8000000000\n    pids_limit: 1024\n"
	if err := writeTempFile(path, doc); err != nil {
		t.Fatal(err)
	}
	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if profiles["xl"].MemoryMB != 16384 {
		t.Fatalf("xl = %+v", profiles["xl"])
	}
	if profiles["light"].MemoryMB != 512 {
		t.Fatal("builtin lost in merge")
	}
}

func writeTempFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
