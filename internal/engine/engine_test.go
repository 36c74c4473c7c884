package engine_test

import (
	"context"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/pipeline"
	"gateline/internal/registry"
	"gateline/internal/repo"
	"gateline/internal/scheduler"
)

const tenantYAML = `
- job:
    name: base
    timeout: 30
- job:
    name: unit
    parent: base
    run: ci/unit.sh
- job:
    name: integration
    parent: base
    run: ci/integration.sh
- project-template:
    name: standard-ci
    check:
      jobs:
        - unit
- project:
    name: widget
    templates:
      - standard-ci
    check:
      jobs:
        - integration:
            voting: false
    gate:
      queue: main
      jobs:
        - unit
        - integration
`

type stubExecutor struct {
	fail map[string]bool
}

func (s stubExecutor) Run(ctx context.Context, job domain.EffectiveJob, change domain.Change) (scheduler.Outcome, error) {
	if s.fail[job.Name] {
		return scheduler.Outcome{Status: domain.StatusFailed, LogURL: "log://" + job.Name}, nil
	}
	return scheduler.Outcome{Status: domain.StatusPassed, LogURL: "log://" + job.Name}, nil
}

type slowExecutor struct {
	delay time.Duration
}

func (s slowExecutor) Run(ctx context.Context, job domain.EffectiveJob, change domain.Change) (scheduler.Outcome, error) {
	select {
	case <-time.After(s.delay):
		return scheduler.Outcome{Status: domain.StatusPassed}, nil
	case <-ctx.Done():
		return scheduler.Outcome{}, ctx.Err()
	}
}

type testEnv struct {
	Engine *engine.Engine
	Exec   stubExecutor
	Ctx    context.Context
}

func newEngineWith(t *testing.T, tenant string, exec scheduler.Executor) (*engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, registry.New(), scheduler.New(exec, 4), pipeline.Engine{})
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	cfg, err := config.FromYAML([]byte(tenant))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := eng.Reload(ctx, cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return eng, ctx
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	exec := stubExecutor{fail: map[string]bool{}}
	eng, ctx := newEngineWith(t, tenantYAML, exec)
	return testEnv{Engine: eng, Exec: exec, Ctx: ctx}
}

func TestCheckRunPersistsBuild(t *testing.T) {
	env := newTestEnv(t)
	change := domain.Change{ID: "101", Project: "widget"}

	build, results, err := env.Engine.Run(env.Ctx, "check", change)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.State != domain.StatusPassed {
		t.Fatalf("build state = %s", build.State)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}

	stored, err := env.Engine.Repo.GetBuild(env.Ctx, build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if stored.State != domain.StatusPassed || stored.FinishedAt == "" {
		t.Fatalf("stored build = %+v", stored)
	}
	jobs, err := env.Engine.Repo.ListBuildJobs(env.Ctx, build.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("stored %d job rows", len(jobs))
	}
}

func TestCheckNonVotingFailureStillPasses(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.fail["integration"] = true
	change := domain.Change{ID: "102", Project: "widget"}

	build, results, err := env.Engine.Run(env.Ctx, "check", change)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.State != domain.StatusPassed {
		t.Fatalf("non-voting failure must not fail the build, state = %s", build.State)
	}
	if !domain.Success(results) {
		t.Fatalf("success must ignore non-voting failures")
	}
}

func TestCheckVotingFailureFails(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.fail["unit"] = true

	build, results, err := env.Engine.Run(env.Ctx, "check", domain.Change{ID: "103", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.State != domain.StatusFailed {
		t.Fatalf("state = %s", build.State)
	}
	// Every job still reports a result.
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
}

func TestGateRunMerges(t *testing.T) {
	env := newTestEnv(t)
	change := domain.Change{ID: "201", Project: "widget"}

	build, results, err := env.Engine.Run(env.Ctx, "gate", change)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.State != domain.ItemMerged {
		t.Fatalf("state = %s, want merged", build.State)
	}
	if build.Queue != "main" {
		t.Fatalf("queue = %q", build.Queue)
	}
	if !domain.Success(results) {
		t.Fatalf("results = %+v", results)
	}
	jobs, err := env.Engine.Repo.ListBuildJobs(env.Ctx, build.ID)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("job rows = %v (%v)", jobs, err)
	}
}

func TestGateRunRejectsOnVotingFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.fail["integration"] = true

	build, _, err := env.Engine.Run(env.Ctx, "gate", domain.Change{ID: "202", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.State != domain.ItemRejected {
		t.Fatalf("state = %s, want rejected", build.State)
	}
}

func TestEmptyPlanIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	build, results, err := env.Engine.Run(env.Ctx, "post", domain.Change{ID: "301", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.ID != "" || results != nil {
		t.Fatalf("empty plan must persist nothing, got %+v / %+v", build, results)
	}
	builds, err := env.Engine.Repo.ListBuilds(env.Ctx, repo.BuildFilters{Project: "widget"})
	if err != nil {
		t.Fatalf("list builds: %v", err)
	}
	if len(builds) != 0 {
		t.Fatalf("no build rows expected, got %+v", builds)
	}
}

func TestReloadWritesEvent(t *testing.T) {
	env := newTestEnv(t)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "config.reloaded", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected a config.reloaded event")
	}
}

func TestGateRunWritesItemEvents(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.Run(env.Ctx, "gate", domain.Change{ID: "203", Project: "widget"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	enq, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "widget", "item.enqueued", "", "")
	if err != nil || len(enq) == 0 {
		t.Fatalf("item.enqueued missing: %v %v", enq, err)
	}
	merged, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "widget", "item.merged", "", "")
	if err != nil || len(merged) == 0 {
		t.Fatalf("item.merged missing: %v %v", merged, err)
	}
}

func TestEffectiveJobResolution(t *testing.T) {
	env := newTestEnv(t)
	eff, err := env.Engine.EffectiveJob("unit")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if eff.Run != "ci/unit.sh" {
		t.Fatalf("run = %q", eff.Run)
	}
	if eff.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, must inherit from base", eff.Timeout)
	}
	if _, err := env.Engine.EffectiveJob("ghost"); registry.Code(err) != "unknown_job" {
		t.Fatalf("expected unknown_job, got %v", err)
	}
}

func TestAsyncEnqueuePersistsOutcome(t *testing.T) {
	env := newTestEnv(t)
	change := domain.Change{ID: "401", Project: "widget"}

	plan, err := env.Engine.Plan("gate", change)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	item, done, err := env.Engine.Enqueue(env.Ctx, plan, change)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-done
	if item.State != domain.ItemMerged {
		t.Fatalf("item state = %s, want merged", item.State)
	}
	build, err := env.Engine.Repo.GetBuild(env.Ctx, item.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if build.State != domain.ItemMerged || build.FinishedAt == "" {
		t.Fatalf("stored build = %+v", build)
	}
	jobs, err := env.Engine.Repo.ListBuildJobs(env.Ctx, item.ID)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("job rows = %v (%v)", jobs, err)
	}
	merged, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "widget", "item.merged", "", "")
	if err != nil || len(merged) == 0 {
		t.Fatalf("item.merged missing: %v %v", merged, err)
	}
}

func TestAbandonedWaiterStillRecordsOutcome(t *testing.T) {
	eng, ctx := newEngineWith(t, tenantYAML, slowExecutor{delay: 50 * time.Millisecond})
	change := domain.Change{ID: "402", Project: "widget"}

	plan, err := eng.Plan("gate", change)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	item, done, err := eng.Enqueue(waitCtx, plan, change)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cancel()

	// Cancellation only abandons the waiter; the item still runs to
	// completion and its outcome lands in the store.
	<-done
	if item.State != domain.ItemMerged {
		t.Fatalf("item state = %s, want merged", item.State)
	}
	build, err := eng.Repo.GetBuild(ctx, item.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if build.State != domain.ItemMerged {
		t.Fatalf("stored build state = %s, want merged", build.State)
	}
}

const overrideYAML = `
- job:
    name: unit
    run: ci/unit.sh
- job:
    name: style
    run: ci/style.sh
- project-template:
    name: standard-ci
    gate:
      queue: main
      jobs:
        - unit
        - style
- project:
    name: widget
    templates:
      - standard-ci
    gate:
      jobs:
        - style:
            voting: false
`

func TestGateMergesWhenProjectDowngradesTemplateJob(t *testing.T) {
	exec := stubExecutor{fail: map[string]bool{"style": true}}
	eng, ctx := newEngineWith(t, overrideYAML, exec)

	build, results, err := eng.Run(ctx, "gate", domain.Change{ID: "403", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if build.State != domain.ItemMerged {
		t.Fatalf("state = %s, want merged", build.State)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want one entry per job", results)
	}
	jobs, err := eng.Repo.ListBuildJobs(ctx, build.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("stored %d job rows, want 2", len(jobs))
	}
}

func TestBadReloadKeepsServingOldConfig(t *testing.T) {
	env := newTestEnv(t)
	bad, err := config.FromYAML([]byte("- job:\n    name: loop\n    parent: loop\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := env.Engine.Reload(env.Ctx, bad); registry.Code(err) != "cyclic_inheritance" {
		t.Fatalf("expected cyclic_inheritance, got %v", err)
	}
	// The prior snapshot still plans.
	plan, err := env.Engine.Plan("check", domain.Change{ID: "1", Project: "widget"})
	if err != nil || len(plan.Jobs) != 2 {
		t.Fatalf("old snapshot lost: %+v (%v)", plan, err)
	}
}
