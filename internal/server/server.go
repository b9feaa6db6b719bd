package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lockline/internal/domain"
	"lockline/internal/engine"
	"lockline/internal/engine/auth"
	"lockline/internal/history"
	"lockline/internal/invalidation"
	"lockline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_locked"`
	Message string         `json:"message" example:"task already locked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"task.map\"}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the lock API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Lockline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerInvalidations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission, "reason": fe.Reason})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyLocked):
		return newAPIError(http.StatusConflict, "already_locked", err.Error(), nil)
	case errors.Is(err, engine.ErrNotOwner):
		return newAPIError(http.StatusConflict, "not_owner", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrLicenseNotAccepted):
		return newAPIError(http.StatusForbidden, "license_not_accepted", err.Error(), nil)
	case errors.Is(err, history.ErrConcurrencyAnomaly):
		return newAPIError(http.StatusConflict, "concurrency_anomaly", err.Error(), nil)
	case errors.Is(err, engine.ErrBadPartition):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lockline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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

type projectPath struct {
	ProjectID int64 `path:"project_id"`
}

type taskPath struct {
	ProjectID int64 `path:"project_id"`
	TaskID    int64 `path:"task_id"`
}

func (p taskPath) key() domain.TaskKey {
	return domain.TaskKey{TaskID: p.TaskID, ProjectID: p.ProjectID}
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

var lockErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ID <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id must be positive", map[string]any{"field": "id"})
		}
		exists, err := e.Repo.ProjectExists(ctx, e.DB, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if exists {
			return nil, newAPIError(http.StatusConflict, "conflict", "project already exists", map[string]any{"id": input.Body.ID})
		}
		p, err := e.CreateProject(ctx, input.Body.project())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, e.DB, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ProjectResponse{Project: p, TaskCounts: map[string]int{}}
		for st, n := range counts {
			resp.TaskCounts[string(st)] = n
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Add task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Geometry != "" && !json.Valid([]byte(input.Body.Geometry)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "geometry must be GeoJSON", map[string]any{"field": "geometry"})
		}
		t, err := e.AddTask(ctx, domain.Task{
			ID:        input.Body.ID,
			ProjectID: input.ProjectID,
			X:         input.Body.X,
			Y:         input.Body.Y,
			Zoom:      input.Body.Zoom,
			IsSquare:  input.Body.IsSquare,
			Geometry:  input.Body.Geometry,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Status    string `query:"status"`
		LockedBy  int64  `query:"locked_by"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		filters := repo.TaskFilters{ProjectID: input.ProjectID, Limit: normalizeLimit(input.Limit)}
		if input.LockedBy != 0 {
			filters.LockedBy = &input.LockedBy
		}
		if input.Status != "" {
			st, err := domain.ParseTaskStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
			}
			filters.Status = st
		}
		items, err := e.Repo.ListTasks(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Get task with history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, err := e.GetTask(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	register := func(id, suffix, summary string, op func(context.Context, domain.TaskKey, int64) (domain.Task, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/tasks/{task_id}/" + suffix,
			Summary:     summary,
			Errors:      lockErrors,
		}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := op(ctx, input.key(), userID)
			if err != nil {
				return nil, handleError(err)
			}
			return &taskOutput{Body: taskResponse(t)}, nil
		})
	}
	register("lock-for-mapping", "lock-for-mapping", "Lock task for mapping", e.LockForMapping)
	register("lock-for-validation", "lock-for-validation", "Lock task for validation", e.LockForValidating)
	register("extend-lock", "extend", "Extend the caller's lock", e.ExtendLock)
	register("undo", "undo", "Undo the last state change", e.Undo)

	huma.Register(api, huma.Operation{
		OperationID: "unlock",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/unlock",
		Summary:     "Release the caller's lock into a new status",
		Errors:      append([]int{http.StatusBadRequest}, lockErrors...),
	}, func(ctx context.Context, input *struct {
		ProjectID int64         `path:"project_id"`
		TaskID    int64         `path:"task_id"`
		Body      UnlockRequest `json:"body"`
	}) (*taskOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := domain.ParseTaskStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
		}
		opts := engine.UnlockOptions{
			Key:       domain.TaskKey{TaskID: input.TaskID, ProjectID: input.ProjectID},
			UserID:    userID,
			NewStatus: status,
			Comment:   input.Body.Comment,
		}
		for _, mi := range input.Body.Issues {
			opts.Issues = append(opts.Issues, domain.MappingIssue{CategoryID: mi.CategoryID, Issue: mi.Issue, Count: mi.Count})
		}
		t, err := e.Unlock(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/stop",
		Summary:     "Give up the caller's lock without changing state",
		Errors:      lockErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID int64        `path:"project_id"`
		TaskID    int64        `path:"task_id"`
		Body      *StopRequest `json:"body" required:"false"`
	}) (*taskOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var comment string
		if input.Body != nil {
			comment = input.Body.Comment
		}
		t, err := e.ResetLock(ctx, domain.TaskKey{TaskID: input.TaskID, ProjectID: input.ProjectID}, userID, comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "split",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/split",
		Summary:     "Split a square task into four children",
		Errors:      append([]int{http.StatusUnprocessableEntity}, lockErrors...),
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		children, err := e.Split(ctx, input.key(), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(children)}, nil
	})
}

func registerInvalidations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-invalidations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}/invalidations",
		Summary:     "Invalidation cycles of a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []InvalidationResponse `json:"body"`
	}, error) {
		items, err := e.ListInvalidations(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InvalidationResponse `json:"body"`
		}{Body: mapInvalidations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-invalidations",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/invalidations",
		Summary:     "Invalidation cycles where the user was mapper or invalidator",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID    int64  `path:"user_id"`
		Role      string `query:"role" enum:"mapper,invalidator" default:"mapper"`
		ProjectID int64  `query:"project_id"`
		Closed    string `query:"closed" enum:"true,false"`
	}) (*struct {
		Body []InvalidationResponse `json:"body"`
	}, error) {
		f := invalidation.UserFilter{UserID: input.UserID, ProjectID: input.ProjectID, Role: invalidation.AsMapper}
		if input.Role == "invalidator" {
			f.Role = invalidation.AsInvalidator
		}
		if input.Closed != "" {
			closed := input.Closed == "true"
			f.Closed = &closed
		}
		items, err := e.Invalidations.ListForUser(ctx, e.DB, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InvalidationResponse `json:"body"`
		}{Body: mapInvalidations(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List change events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events.After(ctx, e.DB, limit+1, cursorID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	type roleInput struct {
		ProjectID int64  `path:"project_id"`
		UserID    int64  `path:"user_id"`
		Role      string `path:"role"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPut,
		Path:          "/projects/{project_id}/users/{user_id}/roles/{role}",
		Summary:       "Grant a project role",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *roleInput) (*struct{}, error) {
		if _, ok := e.Config.RBAC.Roles[input.Role]; !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Role})
		}
		if _, err := e.Repo.GetProject(ctx, e.DB, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, e.DB, input.ProjectID, input.UserID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/users/{user_id}/roles/{role}",
		Summary:       "Revoke a project role",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *roleInput) (*struct{}, error) {
		if err := e.Repo.RevokeRole(ctx, e.DB, input.ProjectID, input.UserID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "accept-license",
		Method:        http.MethodPost,
		Path:          "/licenses/{license_id}/accept",
		Summary:       "Accept a license as the caller",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		LicenseID int64 `path:"license_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.AcceptLicense(ctx, e.DB, userID, input.LicenseID, domain.FormatTime(time.Now())); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
