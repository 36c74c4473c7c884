package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Change identifies what a pipeline should evaluate.
type Change struct {
	ChangeID string   `json:"change_id"`
	Project  string   `json:"project"`
	Ref      string   `json:"ref,omitempty"`
	Touches  []string `json:"touches,omitempty"`
}

// EffectiveJob is a job after inheritance resolution.
type EffectiveJob struct {
	Name             string   `json:"name"`
	Run              string   `json:"run,omitempty"`
	PostRun          string   `json:"post_run,omitempty"`
	Timeout          int64    `json:"timeout,omitempty"`
	RequiredProjects []string `json:"required_projects,omitempty"`
}

// PlannedJob pairs a job with its pipeline-level voting flag.
type PlannedJob struct {
	Job    EffectiveJob `json:"job"`
	Voting bool         `json:"voting"`
}

// Plan is the resolved job list for one pipeline invocation.
type Plan struct {
	Pipeline string       `json:"pipeline"`
	Project  string       `json:"project"`
	Queue    string       `json:"queue,omitempty"`
	Jobs     []PlannedJob `json:"jobs"`
}

// JobResult is one job's outcome.
type JobResult struct {
	JobName  string `json:"job_name"`
	Status   string `json:"status"`
	Voting   bool   `json:"voting"`
	Duration int64  `json:"duration"`
	LogURL   string `json:"log_url,omitempty"`
}

// Build is a persisted pipeline invocation.
type Build struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	Pipeline   string `json:"pipeline"`
	ChangeID   string `json:"change_id"`
	Queue      string `json:"queue,omitempty"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// RunResult is a completed pipeline run.
type RunResult struct {
	Build   Build       `json:"build"`
	Results []JobResult `json:"results"`
	Success bool        `json:"success"`
}

// QueueItem is an in-flight gate entry.
type QueueItem struct {
	ID      string       `json:"id"`
	Queue   string       `json:"queue"`
	Change  Change       `json:"change"`
	Jobs    []PlannedJob `json:"jobs"`
	State   string       `json:"state"`
	Results []JobResult  `json:"results,omitempty"`
}

// Event is one control-plane log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Project    string `json:"project,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Jobs lists registered job names.
func (c *Client) Jobs(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "v0/jobs", nil, &resp)
	return resp, err
}

// Job returns a job's effective configuration.
func (c *Client) Job(ctx context.Context, name string) (EffectiveJob, error) {
	var resp EffectiveJob
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// PlanPipeline resolves the job list a pipeline would run for a change.
func (c *Client) PlanPipeline(ctx context.Context, pipeline string, change Change) (Plan, error) {
	var resp Plan
	endpoint := fmt.Sprintf("v0/pipelines/%s/plan", url.PathEscape(pipeline))
	err := c.do(ctx, http.MethodPost, endpoint, change, &resp)
	return resp, err
}

// RunPipeline runs a pipeline and waits for the result.
func (c *Client) RunPipeline(ctx context.Context, pipeline string, change Change) (RunResult, error) {
	var resp RunResult
	endpoint := fmt.Sprintf("v0/pipelines/%s/run", url.PathEscape(pipeline))
	err := c.do(ctx, http.MethodPost, endpoint, change, &resp)
	return resp, err
}

// Enqueue places a change on its gate queue without waiting.
func (c *Client) Enqueue(ctx context.Context, pipeline string, change Change) (QueueItem, error) {
	var resp struct {
		Item QueueItem `json:"item"`
	}
	endpoint := fmt.Sprintf("v0/pipelines/%s/enqueue", url.PathEscape(pipeline))
	err := c.do(ctx, http.MethodPost, endpoint, change, &resp)
	return resp.Item, err
}

// Queues returns in-flight gate queue items by queue name.
func (c *Client) Queues(ctx context.Context) (map[string][]QueueItem, error) {
	var resp map[string][]QueueItem
	err := c.do(ctx, http.MethodGet, "v0/queues", nil, &resp)
	return resp, err
}

// Builds lists past builds.
func (c *Client) Builds(ctx context.Context, project, pipeline string, limit int) ([]Build, error) {
	endpoint := "v0/builds"
	q := url.Values{}
	if project != "" {
		q.Set("project", project)
	}
	if pipeline != "" {
		q.Set("pipeline", pipeline)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Build
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent control-plane events.
func (c *Client) Events(ctx context.Context, n int) ([]Event, error) {
	endpoint := "v0/events"
	if n > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, n)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReloadConfig validates and atomically applies a tenant config document.
func (c *Client) ReloadConfig(ctx context.Context, yamlDoc string) error {
	body := map[string]any{"yaml": yamlDoc}
	return c.do(ctx, http.MethodPost, "v0/config/reload", body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
