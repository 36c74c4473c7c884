package server

import (
	"gateline/internal/domain"
)

// ChangeRequest carries the change a pipeline should evaluate.
type ChangeRequest struct {
	ChangeID string   `json:"change_id" example:"4321"`
	Project  string   `json:"project" example:"cloudkitty"`
	Ref      string   `json:"ref,omitempty" example:"refs/changes/21/4321/3"`
	Touches  []string `json:"touches,omitempty" example:"[\"cloudkitty\"]"`
}

func (r ChangeRequest) change() domain.Change {
	return domain.Change{
		ID:       r.ChangeID,
		Project:  r.Project,
		Ref:      r.Ref,
		Projects: r.Touches,
	}
}

// ConfigPayload is a raw tenant config document.
type ConfigPayload struct {
	YAML string `json:"yaml"`
}

type ValidateResponse struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type RunResponse struct {
	Build   domain.Build       `json:"build"`
	Results []domain.JobResult `json:"results"`
	Success bool               `json:"success"`
}

type EnqueueResponse struct {
	Item domain.QueueItem `json:"item"`
}

type BuildDetail struct {
	Build domain.Build       `json:"build"`
	Jobs  []domain.JobResult `json:"jobs"`
}
