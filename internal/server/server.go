package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/registry"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_job"`
	Message string         `json:"message" example:"unknown job cloudkitty-install"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerConfig(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerPipelines(group, cfg.Engine)
	registerQueues(group, cfg.Engine)
	registerBuilds(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return newAPIError(statusForCode(registry.Code(err)), registry.Code(err), err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code string) int {
	switch code {
	case "unknown_job", "unknown_template", "unknown_project":
		return http.StatusNotFound
	case "duplicate_job":
		return http.StatusConflict
	case "empty_pipeline", "cyclic_inheritance":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "The authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Principal `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body Principal `json:"body"`
		}{Body: p}, nil
	})
}

func registerConfig(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-config",
		Method:      http.MethodPost,
		Path:        "/config/validate",
		Summary:     "Validate a tenant config without applying it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ConfigPayload `json:"body"`
	}) (*struct {
		Body ValidateResponse `json:"body"`
	}, error) {
		resp := ValidateResponse{OK: true}
		err := validatePayload(input.Body.YAML)
		if err != nil {
			resp = ValidateResponse{OK: false, Code: registry.Code(err), Error: err.Error()}
		}
		return &struct {
			Body ValidateResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-config",
		Method:      http.MethodPost,
		Path:        "/config/reload",
		Summary:     "Validate and atomically apply a tenant config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ConfigPayload `json:"body"`
	}) (*struct {
		Body ValidateResponse `json:"body"`
	}, error) {
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err == nil {
			err = e.Reload(ctx, cfg)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidateResponse `json:"body"`
		}{Body: ValidateResponse{OK: true}}, nil
	})
}

func validatePayload(raw string) error {
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		return err
	}
	return registry.New().ReloadAll(cfg)
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List registered job names",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: e.Registry.Snapshot().Jobs()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{name}",
		Summary:     "Get a job's effective configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.EffectiveJob `json:"body"`
	}, error) {
		eff, err := e.EffectiveJob(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EffectiveJob `json:"body"`
		}{Body: eff}, nil
	})
}

func registerPipelines(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plan-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline}/plan",
		Summary:     "Resolve the job list a pipeline would run for a change",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Pipeline string        `path:"pipeline"`
		Body     ChangeRequest `json:"body"`
	}) (*struct {
		Body planBody `json:"body"`
	}, error) {
		plan, err := e.Plan(input.Pipeline, input.Body.change())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body planBody `json:"body"`
		}{Body: planBody{Pipeline: plan.Pipeline, Project: plan.Project, Queue: plan.Queue, Jobs: plan.Jobs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline}/run",
		Summary:     "Run a pipeline for a change and wait for the result",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Pipeline string        `path:"pipeline"`
		Body     ChangeRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		build, results, err := e.Run(ctx, input.Pipeline, input.Body.change())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Build: build, Results: results, Success: domain.Success(results)}}, nil
	})
}

type planBody struct {
	Pipeline string              `json:"pipeline"`
	Project  string              `json:"project"`
	Queue    string              `json:"queue,omitempty"`
	Jobs     []domain.PlannedJob `json:"jobs"`
}

func registerQueues(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-gate",
		Method:        http.MethodPost,
		Path:          "/pipelines/{pipeline}/enqueue",
		Summary:       "Enqueue a change on its gate queue without waiting",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Pipeline string        `path:"pipeline"`
		Body     ChangeRequest `json:"body"`
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		plan, err := e.Plan(input.Pipeline, input.Body.change())
		if err != nil {
			return nil, handleError(err)
		}
		if plan.Queue == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("pipeline %s has no gate queue for project %s", input.Pipeline, input.Body.Project), nil)
		}
		item, _, err := e.Enqueue(ctx, plan, input.Body.change())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{Item: *item}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "In-flight gate queue items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string][]domain.QueueItem `json:"body"`
	}, error) {
		return &struct {
			Body map[string][]domain.QueueItem `json:"body"`
		}{Body: e.Gates.Status()}, nil
	})
}

func registerBuilds(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/builds",
		Summary:     "List builds",
	}, func(ctx context.Context, input *struct {
		Project  string `query:"project"`
		Pipeline string `query:"pipeline"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Build `json:"body"`
	}, error) {
		builds, err := e.Repo.ListBuilds(ctx, repo.BuildFilters{
			Project:  input.Project,
			Pipeline: input.Pipeline,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Build `json:"body"`
		}{Body: builds}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/builds/{id}",
		Summary:     "Get a build with its per-job results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BuildDetail `json:"body"`
	}, error) {
		b, err := e.Repo.GetBuild(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		jobs, err := e.Repo.ListBuildJobs(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildDetail `json:"body"`
		}{Body: BuildDetail{Build: b, Jobs: jobs}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest control-plane events",
	}, func(ctx context.Context, input *struct {
		N          int    `query:"n"`
		Project    string `query:"project"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		n := input.N
		if n <= 0 {
			n = 50
		}
		items, err := e.Repo.LatestEvents(ctx, n, input.Project, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
