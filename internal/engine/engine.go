package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/pipeline"
	"gateline/internal/queue"
	"gateline/internal/registry"
	"gateline/internal/repo"
	"gateline/internal/scheduler"
)

// Engine wires the registry, planner, scheduler and gate queues together and
// records builds and events in the store.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Registry  *registry.Registry
	Planner   pipeline.Engine
	Scheduler *scheduler.Scheduler
	Gates     *queue.Manager
	Now       func() time.Time
}

func New(conn *sql.DB, reg *registry.Registry, sched *scheduler.Scheduler, planner pipeline.Engine) *Engine {
	e := &Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Registry:  reg,
		Planner:   planner,
		Scheduler: sched,
		Now:       time.Now,
	}
	e.Gates = queue.NewManager(e.runGateItem)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Reload swaps in a new config snapshot. On failure the active snapshot is
// retained and the error carries its taxonomy code.
func (e *Engine) Reload(ctx context.Context, cfg *config.Config) error {
	if err := e.Registry.ReloadAll(cfg); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "config.reloaded", "", "config", "", events.EventPayload{
		"jobs":     len(cfg.Jobs),
		"projects": len(cfg.Projects),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadFile reads, validates and activates a tenant config file.
func (e *Engine) LoadFile(ctx context.Context, path string) error {
	cfg, err := config.FromFile(path)
	if err != nil {
		return err
	}
	return e.Reload(ctx, cfg)
}

// Plan resolves the named pipeline for a change against the active snapshot.
func (e *Engine) Plan(pipelineName string, change domain.Change) (pipeline.Plan, error) {
	return e.Planner.PlanPipeline(e.Registry.Snapshot(), pipelineName, change)
}

// EffectiveJob resolves one job's inheritance chain.
func (e *Engine) EffectiveJob(name string) (domain.EffectiveJob, error) {
	return e.Registry.Snapshot().Resolve(name)
}

// Run executes a pipeline for a change. Plans with a queue name go through
// the gate queue manager; everything else runs directly. An empty plan is a
// no-op unless the planner is strict.
func (e *Engine) Run(ctx context.Context, pipelineName string, change domain.Change) (domain.Build, []domain.JobResult, error) {
	plan, err := e.Plan(pipelineName, change)
	if err != nil {
		return domain.Build{}, nil, err
	}
	if len(plan.Jobs) == 0 {
		return domain.Build{}, nil, nil
	}
	if plan.Queue != "" {
		item, err := e.enqueueAndWait(ctx, plan, change)
		if err != nil {
			return domain.Build{}, nil, err
		}
		build, err := e.Repo.GetBuild(ctx, item.ID)
		return build, item.Results, err
	}

	build, err := e.startBuild(ctx, plan, change, domain.ItemRunning)
	if err != nil {
		return build, nil, err
	}
	results := e.Scheduler.ExecuteAll(ctx, plan.Jobs, change, false)
	state := domain.StatusFailed
	if domain.Success(results) {
		state = domain.StatusPassed
	}
	if err := e.finishBuild(ctx, build, state, results); err != nil {
		return build, results, err
	}
	build.State = state
	return build, results, nil
}

// Enqueue appends a change to its gate queue without waiting. The returned
// channel closes once the item is merged or rejected and its outcome is
// recorded; recording happens regardless of whether anyone waits. The gate
// jobs run detached from ctx, so an abandoned caller never cancels them.
func (e *Engine) Enqueue(ctx context.Context, plan pipeline.Plan, change domain.Change) (*domain.QueueItem, <-chan struct{}, error) {
	if plan.Queue == "" {
		return nil, nil, fmt.Errorf("pipeline %s has no gate queue for project %s", plan.Pipeline, plan.Project)
	}
	item := &domain.QueueItem{
		ID:     uuid.New().String(),
		Queue:  plan.Queue,
		Change: change,
		Jobs:   plan.Jobs,
	}
	build := domain.Build{
		ID:        item.ID,
		Project:   change.Project,
		Pipeline:  plan.Pipeline,
		ChangeID:  change.ID,
		Queue:     plan.Queue,
		State:     domain.ItemQueued,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBuild(ctx, tx, build); err != nil {
		return nil, nil, err
	}
	if err := e.Events.Append(ctx, tx, "item.enqueued", change.Project, "item", item.ID, events.EventPayload{
		"queue":  plan.Queue,
		"change": change.ID,
	}); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	done := e.Gates.Enqueue(context.WithoutCancel(ctx), item)
	recorded := make(chan struct{})
	go func() {
		<-done
		e.recordItemOutcome(item)
		close(recorded)
	}()
	return item, recorded, nil
}

func (e *Engine) enqueueAndWait(ctx context.Context, plan pipeline.Plan, change domain.Change) (*domain.QueueItem, error) {
	item, done, err := e.Enqueue(ctx, plan, change)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		// The item keeps its queue position and its outcome is still
		// recorded; only this waiter gives up.
		return nil, ctx.Err()
	}
	return item, nil
}

/// runGateItem is the queue manager's dispatch callback: all gate jobs run
// with fail-fast cancellation on the first blocking result.
func (e *Engine) runGateItem(ctx context.Context, item *domain.QueueItem) []domain.JobResult {
	return e.Scheduler.ExecuteAll(ctx, item.Jobs, item.Change, true)
}

func (e *Engine) recordItemOutcome(item *domain.QueueItem) {
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	for _, jr := range item.Results {
		if err := e.Repo.InsertJobResult(ctx, tx, item.ID, jr); err != nil {
			return
		}
	}
	finished := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.FinishBuild(ctx, tx, item.ID, item.State, finished); err != nil {
		return
	}
	evtType := "item.merged"
	if item.State == domain.ItemRejected {
		evtType = "item.rejected"
	}
	if err := e.Events.Append(ctx, tx, evtType, item.Change.Project, "item", item.ID, events.EventPayload{
		"queue":  item.Queue,
		"change": item.Change.ID,
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

func (e *Engine) startBuild(ctx context.Context, plan pipeline.Plan, change domain.Change, state string) (domain.Build, error) {
	build := domain.Build{
		ID:        uuid.New().String(),
		Project:   change.Project,
		Pipeline:  plan.Pipeline,
		ChangeID:  change.ID,
		State:     state,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return build, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBuild(ctx, tx, build); err != nil {
		return build, err
	}
	if err := e.Events.Append(ctx, tx, "build.started", change.Project, "build", build.ID, events.EventPayload{
		"pipeline": plan.Pipeline,
		"change":   change.ID,
		"jobs":     len(plan.Jobs),
	}); err != nil {
		return build, err
	}
	return build, tx.Commit()
}

func (e *Engine) finishBuild(ctx context.Context, build domain.Build, state string, results []domain.JobResult) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, jr := range results {
		if err := e.Repo.InsertJobResult(ctx, tx, build.ID, jr); err != nil {
			return err
		}
	}
	finished := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.FinishBuild(ctx, tx, build.ID, state, finished); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "build.finished", build.Project, "build", build.ID, events.EventPayload{
		"state": state,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
