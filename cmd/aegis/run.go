package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/aegis/internal/approval"
	"github.com/basket/aegis/internal/audit"
	"github.com/basket/aegis/internal/bus"
	"github.com/basket/aegis/internal/checkpoint"
	"github.com/basket/aegis/internal/config"
	"github.com/basket/aegis/internal/dag"
	"github.com/basket/aegis/internal/feedback"
	"github.com/basket/aegis/internal/gate"
	"github.com/basket/aegis/internal/learning"
	"github.com/basket/aegis/internal/limits"
	"github.com/basket/aegis/internal/loop"
	otelPkg "github.com/basket/aegis/internal/otel"
	"github.com/basket/aegis/internal/plan"
	"github.com/basket/aegis/internal/policy"
	"github.com/basket/aegis/internal/recovery"
	"github.com/basket/aegis/internal/sandbox"
	"github.com/basket/aegis/internal/scan"
	"github.com/basket/aegis/internal/session"
	"github.com/basket/aegis/internal/shared"
	"github.com/basket/aegis/internal/telemetry"
)

// taskExecTimeout bounds one command inside the sandbox.
const taskExecTimeout = 10 * time.Minute

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	planPath := fs.String("plan", "", "path to the plan JSON file (required)")
	roleOverride := fs.String("role", "", "role profile overriding the plan's role")
	credential := fs.String("credential", "", "credential presented to the promotion gate")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "run: -plan is required")
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger = telemetry.WithTrace(ctx, logger)
	slog.SetDefault(logger)

	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer trail.Close()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	outcomes, err := learning.Open(cfg.DBPath(), logger)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer outcomes.Close()
	trail.SetDB(outcomes.DB())

	store, err := session.NewStore(cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "E_SESSION_STORE", err)
	}
	checkpoints, err := checkpoint.NewManager(cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "E_CHECKPOINT_STORE", err)
	}

	lifecycle := recovery.NewLifecycle(store, checkpoints, recovery.RetentionPolicy{
		SessionTTL:               time.Duration(cfg.Retention.SessionTTLDays) * 24 * time.Hour,
		MaxCheckpointsPerSession: cfg.Retention.MaxCheckpointsPerSession,
		CheckpointTTL:            time.Duration(cfg.Retention.CheckpointTTLHours) * time.Hour,
		Schedule:                 cfg.Retention.SweepSchedule,
	}, logger)
	if err := lifecycle.Start(ctx); err != nil {
		return fatalStartup(logger, "E_LIFECYCLE_START", err)
	}
	defer lifecycle.Stop()

	profiles, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	policyVersion := profiles.Version()

	// Policy edits apply to the gate evaluation at the end of the run;
	// a broken edit keeps the previous version.
	var policyMu sync.Mutex
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, governance files are static for this run", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if filepath.Base(ev.Path) != "policy.yaml" {
					logger.Info("governance file changed, applies to the next run", "path", ev.Path)
					continue
				}
				reloaded, err := policy.Load(ev.Path)
				if err != nil {
					logger.Error("policy reload rejected, keeping previous version", "error", err)
					continue
				}
				policyMu.Lock()
				profiles = reloaded
				policyVersion = reloaded.Version()
				policyMu.Unlock()
				logger.Info("policy hot-reloaded", "policy_version", reloaded.Version())
			}
		}()
	}

	doc, err := plan.Load(*planPath)
	if err != nil {
		return fatalStartup(logger, "E_PLAN_LOAD", err)
	}
	taskDAG, err := doc.BuildDAG()
	if err != nil {
		return fatalStartup(logger, "E_PLAN_BUILD", err)
	}

	roleName := doc.Role
	if *roleOverride != "" {
		roleName = *roleOverride
	}
	if roleName == "" {
		roleName = "default"
	}
	policyMu.Lock()
	role, ok := profiles.Role(roleName)
	startVersion := policyVersion
	policyMu.Unlock()
	if !ok {
		return fatalStartup(logger, "E_ROLE_UNKNOWN", fmt.Errorf("role %q not in policy", roleName))
	}

	maxCost := doc.Budget.MaxCostUSD
	if maxCost <= 0 {
		maxCost = cfg.Budget.MaxCostUSD
	}
	maxHours := doc.Budget.MaxDurationHours
	if maxHours <= 0 {
		maxHours = cfg.Budget.MaxDurationHours
	}

	s := session.New(roleName, doc.Goal, maxCost, maxHours)
	if err := store.Save(s); err != nil {
		return fatalStartup(logger, "E_SESSION_SAVE", err)
	}
	ctx = shared.WithSessionID(ctx, s.ID)
	logger.Info("session created", "session_id", s.ID, "goal", s.Goal, "role", roleName)
	trail.Record("info", "session.create", "plan accepted: "+doc.Goal, startVersion, s.ID)

	tracker := limits.NewTracker(limits.NewWriteLimits(
		role.MaxFileSizeBytes,
		role.MaxFilesCreated,
		role.MaxFilesModified,
		role.MaxTotalWriteBytes,
		role.MaxLinesPerFile,
	))

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		return fatalStartup(logger, "E_DOCKER_INIT", err)
	}
	if err := runtime.EnsureInstallNetwork(ctx, cfg.Sandbox.InstallNetwork, cfg.Sandbox.AllowedRegistries); err != nil {
		return fatalStartup(logger, "E_INSTALL_NETWORK", err)
	}

	resourceProfiles, err := sandbox.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return fatalStartup(logger, "E_PROFILES_LOAD", err)
	}
	profileName := doc.Profile
	if profileName == "" {
		profileName = cfg.Sandbox.DefaultProfile
	}
	resourceProfile, ok := resourceProfiles[profileName]
	if !ok {
		resourceProfile = sandbox.ProfileByName(profileName)
	}
	container, err := sandbox.NewContainer(runtime, sandbox.Config{
		SessionID:      s.ID,
		Image:          cfg.Sandbox.Image,
		Profile:        resourceProfile,
		WorkspaceDir:   filepath.Join(store.Dir(s.ID), "workspace"),
		ConfigDir:      cfg.HomeDir,
		InstallNetwork: cfg.Sandbox.InstallNetwork,
		Tracker:        tracker,
		Logger:         logger,
	})
	if err != nil {
		return fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	if err := container.Start(ctx); err != nil {
		return fatalStartup(logger, "E_SANDBOX_START", err)
	}
	defer func() {
		if err := container.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("sandbox stop failed", "session_id", s.ID, "error", err)
		}
	}()

	// The console (aegis approvals) reads the same persisted queue, so
	// review-gated installs block here until an operator decides.
	approvals, err := approval.NewQueue(approval.Config{
		Capacity:    cfg.Approval.Capacity,
		PersistPath: filepath.Join(cfg.HomeDir, "approvals.json"),
		Bus:         eventBus,
		Logger:      logger,
	})
	if err != nil {
		return fatalStartup(logger, "E_APPROVAL_QUEUE", err)
	}
	defer approvals.Close()

	fixer := feedback.NewLoop(container, feedback.NewRuleProvider(), logger,
		feedback.WithMaxRetries(cfg.Loop.MaxFixRetries),
		feedback.WithFixFloor(cfg.Loop.FixConfidenceFloor),
	)
	executor := &sandboxExecutor{
		container:       container,
		fixer:           fixer,
		tracer:          otelProvider.Tracer,
		metrics:         metrics,
		approvals:       approvals,
		requireReview:   role.RequiresReview,
		approvalTimeout: time.Duration(cfg.Approval.DefaultTimeoutMinutes) * time.Minute,
	}

	checkpointFn := func(s *session.Session, tasks []dag.Task, description string) error {
		_, err := checkpoints.Create(s, tasks, description, container.WorkspaceDir())
		return err
	}

	runner := loop.New(loop.Config{
		CollapseThreshold:    cfg.Loop.CollapseThreshold,
		ConfidenceFloor:      cfg.Loop.ConfidenceFloor,
		ErrorStreakThreshold: cfg.Loop.ErrorStreakThreshold,
		CheckpointInterval:   cfg.CheckpointInterval(),
	}, store, outcomes, checkpointFn, eventBus, logger)

	metrics.ActiveSessions.Add(ctx, 1)
	runCtx, runSpan := otelPkg.StartSpan(ctx, otelProvider.Tracer, "session.run",
		otelPkg.AttrSessionID.String(s.ID),
		otelPkg.AttrProfile.String(profileName),
	)
	result := runner.Run(runCtx, s, taskDAG, executor)
	runSpan.SetAttributes(otelPkg.AttrStopReason.String(result.StopReason))
	runSpan.End()
	metrics.ActiveSessions.Add(ctx, -1)
	metrics.SessionCost.Add(ctx, result.CostUSD)
	metrics.CheckpointsWritten.Add(ctx, int64(s.CheckpointCount))

	if diffs := container.Diffs(); len(diffs) > 0 {
		entries := make([]session.FileDiff, len(diffs))
		for i, d := range diffs {
			entries[i] = session.FileDiff{Path: d.Path, Operation: d.Operation, Bytes: d.Bytes, Timestamp: d.Timestamp}
		}
		if err := store.SaveDiffs(s.ID, entries); err != nil {
			logger.Warn("persist diffs failed", "session_id", s.ID, "error", err)
		}
	}

	// Evaluate the promotion gate over whatever the session produced;
	// the decision is recorded either way so blocked runs leave a trace.
	// The role is re-resolved so a hot-reloaded policy governs promotion.
	policyMu.Lock()
	gateVersion := policyVersion
	if r, found := profiles.Role(roleName); found {
		role = r
	}
	policyMu.Unlock()
	auth, err := gate.AuthenticatorFor(role, os.Getenv("AEGIS_PIN"), os.Getenv("AEGIS_TOTP_SECRET"))
	if err != nil {
		logger.Warn("authenticator unavailable", "role", roleName, "error", err)
	}
	_, gateSpan := otelPkg.StartSpan(ctx, otelProvider.Tracer, "gate.evaluate",
		otelPkg.AttrSessionID.String(s.ID))
	decision := gate.New(scan.New(), tracker, role, auth).Evaluate(
		container.WorkspaceDir(), executor.actions, *credential)
	gateSpan.SetAttributes(otelPkg.AttrGatePassed.Bool(decision.Approved))
	gateSpan.End()

	eventBus.Publish(bus.TopicGateEvaluated, bus.GateEvent{
		SessionID:    s.ID,
		Approved:     decision.Approved,
		ChecksFailed: decision.ChecksFailed,
	})
	verdict := "approve"
	if !decision.Approved {
		verdict = "deny"
		metrics.GateBlocks.Add(ctx, 1)
	}
	trail.Record(verdict, "session.promote", decision.Summary(), gateVersion, s.ID)

	fmt.Printf("Session %s: %s (%s)\n", s.ID, s.Status, result.StopReason)
	fmt.Printf("  tasks: %d completed, %d failed, %d skipped\n",
		result.TasksCompleted, result.TasksFailed, result.TasksSkipped)
	fmt.Printf("  cost: $%.2f of $%.2f, elapsed %s\n", s.CostUSD, s.MaxCostUSD, result.Elapsed.Round(time.Second))
	fmt.Printf("  %s\n", decision.Summary())

	if s.Status == session.StatusFailed || !decision.Approved {
		return 1
	}
	return 0
}

// sandboxExecutor runs plan tasks inside the session container. Install
// actions go through the phased-network path, and through the approval
// queue when the role requires review; everything else executes with no
// network. File actions write through the tracked workspace.
type sandboxExecutor struct {
	container       *sandbox.Container
	fixer           *feedback.Loop
	tracer          trace.Tracer
	metrics         *otelPkg.Metrics
	approvals       *approval.Queue
	requireReview   bool
	approvalTimeout time.Duration

	actions []string
}

func (e *sandboxExecutor) Execute(ctx context.Context, task *dag.Task) loop.TaskResult {
	e.actions = append(e.actions, task.ActionType)
	ctx = shared.WithTaskID(ctx, task.ID)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = otelPkg.StartSpan(ctx, e.tracer, "task.execute",
			otelPkg.AttrSessionID.String(shared.SessionID(ctx)),
			otelPkg.AttrTaskID.String(task.ID),
			otelPkg.AttrActionType.String(task.ActionType),
		)
	}
	start := time.Now()
	res := e.run(ctx, task)
	if span != nil {
		span.SetAttributes(otelPkg.AttrConfidence.Float64(res.Confidence))
		span.End()
	}
	if e.metrics != nil {
		e.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
		if !res.Success {
			e.metrics.TaskFailures.Add(ctx, 1)
		}
	}
	return res
}

func (e *sandboxExecutor) run(ctx context.Context, task *dag.Task) loop.TaskResult {
	switch task.ActionType {
	case "install_dependency":
		if err := e.awaitInstallApproval(ctx, task); err != nil {
			return loop.TaskResult{Error: err.Error()}
		}
		var execSpan trace.Span
		if e.tracer != nil {
			ctx, execSpan = otelPkg.StartClientSpan(ctx, e.tracer, "sandbox.exec_install",
				otelPkg.AttrPhase.String(string(sandbox.PhaseInstall)))
		}
		res := e.container.ExecInstall(ctx, task.Command, taskExecTimeout)
		if execSpan != nil {
			execSpan.End()
		}
		return loop.TaskResult{
			Success:    res.ExitCode == 0,
			Output:     res.Stdout,
			Error:      res.Stderr,
			Confidence: confidenceFor(res.ExitCode == 0),
		}
	case "fs_write":
		// Command carries "path\ncontent" for write tasks.
		path, content, ok := splitWritePayload(task.Command)
		if !ok {
			return loop.TaskResult{Error: "fs_write task needs a path and content"}
		}
		if !e.container.WriteFile(path, content) {
			return loop.TaskResult{Error: "write rejected: " + path}
		}
		return loop.TaskResult{Success: true, Output: path, Confidence: 1.0}
	default:
		fb := e.fixer.RunWithFeedback(ctx, task.Command, taskExecTimeout)
		return loop.TaskResult{
			Success:    fb.Success,
			Output:     fb.FinalStdout,
			Error:      fb.FinalStderr,
			Confidence: confidenceFor(fb.Success),
		}
	}
}

// awaitInstallApproval blocks a review-gated install until a human
// decides. Expiry and denial both fail the task.
func (e *sandboxExecutor) awaitInstallApproval(ctx context.Context, task *dag.Task) error {
	if e.approvals == nil || !e.requireReview {
		return nil
	}
	id, err := e.approvals.Submit("install_dependency", task.Command, map[string]string{
		"session_id": shared.SessionID(ctx),
		"task_id":    task.ID,
	}, e.approvalTimeout)
	if err != nil {
		return fmt.Errorf("submit install approval: %w", err)
	}
	start := time.Now()
	status, waitErr := e.approvals.WaitForDecision(id, e.approvalTimeout)
	if e.metrics != nil {
		e.metrics.ApprovalWaits.Record(ctx, time.Since(start).Seconds())
	}
	if waitErr != nil {
		return fmt.Errorf("install approval: %w", waitErr)
	}
	if status != approval.StatusApproved {
		return fmt.Errorf("install not approved (%s)", strings.ToLower(string(status)))
	}
	return nil
}

func confidenceFor(success bool) float64 {
	if success {
		return 0.9
	}
	return 0.0
}

func splitWritePayload(command string) (path, content string, ok bool) {
	for i := 0; i < len(command); i++ {
		if command[i] == '\n' {
			return command[:i], command[i+1:], command[:i] != ""
		}
	}
	return "", "", false
}
