package domain

import "time"

// JobDefinition is one job record from the tenant config. Definitions are
// immutable once registered; a reload replaces the whole set.
type JobDefinition struct {
	Name             string        `json:"name"`
	Parent           string        `json:"parent,omitempty"`
	Run              string        `json:"run,omitempty"`
	PostRun          string        `json:"post_run,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	RequiredProjects []string      `json:"required_projects,omitempty"`
}

// JobRef is a pipeline job-list entry: either a bare job name or a name with
// pipeline-local overrides (voting).
type JobRef struct {
	Name   string `json:"name"`
	Voting *bool  `json:"voting,omitempty"`
}

// IsVoting applies the default: jobs vote unless downgraded.
func (r JobRef) IsVoting() bool {
	if r.Voting == nil {
		return true
	}
	return *r.Voting
}

// Template is a named, reusable bundle of per-pipeline job refs attachable to
// a project.
type Template struct {
	Name      string              `json:"name"`
	Pipelines map[string][]JobRef `json:"pipelines,omitempty"`
}

// PipelineConfig is one project's job list for a single pipeline. Gate
// pipelines carry a queue name.
type PipelineConfig struct {
	Queue string   `json:"queue,omitempty"`
	Jobs  []JobRef `json:"jobs,omitempty"`
}

// ProjectConfig ties a project to its templates and pipelines. Template
// expansion is flattened into Pipelines at load time.
type ProjectConfig struct {
	Name      string                    `json:"name"`
	Templates []string                  `json:"templates,omitempty"`
	Pipelines map[string]PipelineConfig `json:"pipelines,omitempty"`
}

// EffectiveJob is a JobDefinition with its parent chain merged in.
type EffectiveJob struct {
	Name             string        `json:"name"`
	Run              string        `json:"run,omitempty"`
	PostRun          string        `json:"post_run,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	RequiredProjects []string      `json:"required_projects,omitempty"`
}

// PlannedJob is one pipeline-plan entry.
type PlannedJob struct {
	Job    EffectiveJob `json:"job"`
	Voting bool         `json:"voting"`
}

// Change is the source-control change a pipeline runs against.
type Change struct {
	ID       string   `json:"id"`
	Project  string   `json:"project"`
	Ref      string   `json:"ref,omitempty"`
	Projects []string `json:"projects,omitempty"` // touched project identifiers
}

// Job result statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusTimedOut = "timed-out"
	StatusCanceled = "canceled"
)

// JobResult is the recorded outcome of one job execution.
type JobResult struct {
	JobName  string        `json:"job_name"`
	Status   string        `json:"status" enum:"pending,running,passed,failed,timed-out,canceled"`
	Voting   bool          `json:"voting"`
	Duration time.Duration `json:"duration"`
	LogURL   string        `json:"log_url,omitempty"`
}

// Blocking reports whether this result must reject a gate item.
func (r JobResult) Blocking() bool {
	return r.Voting && (r.Status == StatusFailed || r.Status == StatusTimedOut)
}

// Queue item states.
const (
	ItemQueued   = "queued"
	ItemRunning  = "running"
	ItemMerged   = "merged"
	ItemRejected = "rejected"
)

// QueueItem is one in-flight change progressing through a named gate queue.
type QueueItem struct {
	ID      string       `json:"id"`
	Queue   string       `json:"queue"`
	Change  Change       `json:"change"`
	Jobs    []PlannedJob `json:"jobs"`
	State   string       `json:"state" enum:"queued,running,merged,rejected"`
	Results []JobResult  `json:"results,omitempty"`
}

// Success reports whether every voting job passed. Non-voting outcomes never
// affect it.
func Success(results []JobResult) bool {
	for _, r := range results {
		if r.Voting && r.Status != StatusPassed {
			return false
		}
	}
	return true
}

// Build is a persisted pipeline execution record.
type Build struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	Pipeline   string `json:"pipeline"`
	ChangeID   string `json:"change_id"`
	Queue      string `json:"queue,omitempty"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
}

// Event is one append-only control-plane event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Project    string `json:"project,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
