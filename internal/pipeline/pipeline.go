// Package pipeline turns a project's flattened pipeline config into the
// ordered set of jobs to run for a change.
package pipeline

import (
	"fmt"
	"sort"

	"gateline/internal/domain"
	"gateline/internal/registry"
)

// EmptyPipelineError reports a pipeline that resolved to zero jobs for a
// project. Severity is configurable; by default planning treats it as a no-op.
type EmptyPipelineError struct {
	Project  string
	Pipeline string
}

func (e *EmptyPipelineError) Error() string {
	return fmt.Sprintf("pipeline %s resolved to no jobs for project %s", e.Pipeline, e.Project)
}
func (e *EmptyPipelineError) Code() string { return "empty_pipeline" }

// Plan is the resolved job set for one pipeline event.
type Plan struct {
	Pipeline string              `json:"pipeline"`
	Project  string              `json:"project"`
	Queue    string              `json:"queue,omitempty"`
	Jobs     []domain.PlannedJob `json:"jobs"`
}

// Engine plans pipelines against a registry snapshot.
type Engine struct {
	// StrictEmpty makes an empty resolved job list a planning error instead
	// of an empty plan.
	StrictEmpty bool
}

// PlanPipeline resolves the named pipeline for the change's project: each job
// ref resolves through inheritance, pipeline-local voting overrides apply, and
// jobs irrelevant to the change's touched projects are filtered out. Entries
// are parallel-eligible; parents are ordered before children as an advisory
// dispatch hint only.
func (e Engine) PlanPipeline(snap *registry.Snapshot, pipelineName string, change domain.Change) (Plan, error) {
	plan := Plan{Pipeline: pipelineName, Project: change.Project}
	project, err := snap.Project(change.Project)
	if err != nil {
		return plan, err
	}
	pc := project.Pipelines[pipelineName]
	plan.Queue = pc.Queue
	for _, ref := range pc.Jobs {
		eff, err := snap.Resolve(ref.Name)
		if err != nil {
			return plan, err
		}
		if !relevant(eff.RequiredProjects, change.Projects) {
			continue
		}
		plan.Jobs = append(plan.Jobs, domain.PlannedJob{Job: eff, Voting: ref.IsVoting()})
	}
	if len(plan.Jobs) == 0 && e.StrictEmpty {
		return plan, &EmptyPipelineError{Project: change.Project, Pipeline: pipelineName}
	}
	orderByInheritance(snap, plan.Jobs)
	return plan, nil
}

// relevant reports whether a job applies to the change. An empty
// required-projects list means always relevant; an empty touched set runs
// everything.
func relevant(required, touched []string) bool {
	if len(required) == 0 || len(touched) == 0 {
		return true
	}
	for _, t := range touched {
		for _, r := range required {
			if t == r {
				return true
			}
		}
	}
	return false
}

// orderByInheritance stable-sorts plan entries so a job never precedes an
// ancestor that is also in the plan. Dispatch order is advisory; the
// scheduler guarantees nothing beyond it.
func orderByInheritance(snap *registry.Snapshot, jobs []domain.PlannedJob) {
	inPlan := map[string]bool{}
	for _, j := range jobs {
		inPlan[j.Job.Name] = true
	}
	depth := map[string]int{}
	for _, j := range jobs {
		d := 0
		def, err := snap.Lookup(j.Job.Name)
		for err == nil && def.Parent != "" {
			if inPlan[def.Parent] {
				d++
			}
			def, err = snap.Lookup(def.Parent)
		}
		depth[j.Job.Name] = d
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return depth[jobs[i].Job.Name] < depth[jobs[k].Job.Name]
	})
}
