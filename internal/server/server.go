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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/gates"
	"gateline/internal/journal"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// DisableWebhooks keeps the background dispatcher off, mainly for tests.
	DisableWebhooks bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized_actor"`
	Message string         `json:"message" example:"role qa does not own gate product.discovery"`
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
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGates(group)
	registerTasks(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerLineages(group, cfg.Engine)
	registerReplay(group, cfg.Engine)
	registerMe(group)
	registerKeys(group, cfg.Engine)
	registerJournal(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if !cfg.DisableWebhooks {
		startWebhookDispatcher(cfg.Engine)
	}
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
	var uae engine.UnauthorizedActorError
	if errors.As(err, &uae) {
		return newAPIError(http.StatusForbidden, "unauthorized_actor", err.Error(), map[string]any{
			"gate":  uae.Gate,
			"actor": string(uae.Actor),
			"owner": string(uae.Owner),
		})
	}
	var uge gates.UnknownGateError
	if errors.As(err, &uge) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_gate", err.Error(), map[string]any{"gate": uge.Name})
	}
	var mbe engine.MalformedBlockedRecordError
	if errors.As(err, &mbe) {
		return newAPIError(http.StatusUnprocessableEntity, "malformed_blocked_record", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
	case errors.Is(err, repo.ErrStateConflict):
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrLineageTerminal):
		return newAPIError(http.StatusConflict, "lineage_terminal", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerGates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/gates",
		Summary:     "List the gate sequence",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GateResponse `json:"body"`
	}, error) {
		seq := gates.Sequence()
		out := make([]GateResponse, 0, len(seq))
		for _, g := range seq {
			out = append(out, GateResponse{
				Name:       g.Name,
				FromState:  string(g.From),
				ToState:    string(g.To),
				OwningRole: string(g.Owner),
				Evidence:   g.Evidence,
			})
		}
		return &struct {
			Body []GateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		id := uuid.NewString()
		if input.Body.ID != nil {
			id = strings.TrimSpace(*input.Body.ID)
			if id == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "id must not be blank", nil)
			}
		}
		t, err := e.CreateTask(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.State != "" && !gates.ValidState(domain.State(input.State)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown state", map[string]any{"state": input.State})
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			State:           domain.State(input.State),
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transition",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/transitions",
		Summary:       "Attempt a gate transition",
		Description:   "Validates the request against the gate sequence and appends the outcome, either a transition record or a blocked record, to the task's lifecycle log. The acting role is taken from the credentials, never from the body.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   CreateTransitionRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		role, authErr := roleFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Gate == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "gate is required", nil)
		}
		if input.Body.Mode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mode is required", nil)
		}
		req := engine.TransitionRequest{
			TaskID:    input.TaskID,
			Gate:      input.Body.Gate,
			Mode:      domain.Mode(input.Body.Mode),
			ActorRole: role,
			Rationale: input.Body.Rationale,
			OutputRef: input.Body.OutputRef,
			Lineage:   input.Body.Lineage,
			Branch:    input.Body.Branch,
		}
		for _, fu := range input.Body.FollowUps {
			if !validRole(fu.Owner) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown follow-up owner", map[string]any{"owner": fu.Owner})
			}
			req.FollowUps = append(req.FollowUps, domain.FollowUp{Owner: domain.Role(fu.Owner), Due: fu.Due})
		}
		rec, err := e.ValidateAndApply(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-log",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/log",
		Summary:     "Read the lifecycle log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID   string `path:"task_id"`
		Lineage  string `query:"lineage"`
		Kind     string `query:"kind" enum:"TRANSITION,BLOCKED"`
		Gate     string `query:"gate"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRecords `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		recs, err := e.Repo.ListRecords(ctx, repo.RecordFilters{
			TaskID:   input.TaskID,
			Lineage:  input.Lineage,
			Kind:     domain.RecordKind(input.Kind),
			Gate:     input.Gate,
			AfterSeq: input.AfterSeq,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRecords{Items: []RecordResponse{}}
		if len(recs) > limit {
			recs = recs[:limit]
			resp.HasMore = true
			resp.NextSeq = recs[len(recs)-1].Seq
		}
		resp.Items = mapRecords(recs)
		return &struct {
			Body paginatedRecords `json:"body"`
		}{Body: resp}, nil
	})
}

func registerLineages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-lineages",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/lineages",
		Summary:     "List task lineages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []LineageResponse `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		lins, err := e.Repo.ListLineages(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LineageResponse, 0, len(lins))
		for _, l := range lins {
			out = append(out, lineageResponse(l))
		}
		return &struct {
			Body []LineageResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerReplay(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "replay-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/replay",
		Summary:     "Replay the log and verify stored states",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.ReplayReport `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.Replay(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReplayReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerMe(api huma.API) {
	type meResponse struct {
		Subject string `json:"subject"`
		Role    string `json:"role"`
		Source  string `json:"source"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body meResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body meResponse `json:"body"`
		}{Body: meResponse{Subject: p.Subject, Role: string(p.Role), Source: p.Source}}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key bound to a role",
		Description:   "The plaintext secret is returned once; only its hash is stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if !validRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		secret := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorRole: domain.Role(input.Body.Role),
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Secret = secret
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, domain.Role(input.Role))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := roleFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

// registerJournal serves the rendered markdown log outside huma; it is a
// text document, not a JSON resource.
func registerJournal(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "tasks/{task_id}/journal"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		taskID := chi.URLParam(req, "task_id")
		if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		recs, err := e.Repo.ListRecords(ctx, repo.RecordFilters{TaskID: taskID})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprintf(w, "# Task %s\n\n## Lifecycle Log\n\n", taskID)
		for _, rec := range recs {
			io.WriteString(w, journal.FormatRecord(rec))
			io.WriteString(w, "\n")
		}
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
