package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"boardline/internal/app"
	"boardline/internal/assistant"
	"boardline/internal/board"
	"boardline/internal/domain"
	"boardline/internal/migrate"
	"boardline/internal/remote"
	"boardline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"board_not_loaded"`
	Message string         `json:"message" example:"board: no project loaded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"task_id\":12}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the local dashboard API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAccessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Boardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerProjects(group, a)
	registerBoard(group, a)
	registerAssistant(group, a)
	registerEvents(group, a)
	registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != "")
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
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
	msg := err.Error()
	switch {
	case errors.Is(err, board.ErrNotLoaded):
		return newAPIError(http.StatusConflict, "board_not_loaded", msg, nil)
	case errors.Is(err, board.ErrProjectNotFound), errors.Is(err, app.ErrTaskNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, board.ErrStatusUpdateFailed):
		return newAPIError(http.StatusBadGateway, "status_update_failed", msg, nil)
	case errors.Is(err, assistant.ErrEmptyMessage):
		return newAPIError(http.StatusBadRequest, "empty_message", msg, nil)
	case errors.Is(err, assistant.ErrExchangeInFlight):
		return newAPIError(http.StatusConflict, "exchange_in_flight", msg, nil)
	case errors.Is(err, board.ErrClosed), errors.Is(err, assistant.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", msg, nil)
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return newAPIError(http.StatusNotFound, "not_found", msg, nil)
		}
		return newAPIError(http.StatusBadGateway, "upstream_error", msg, map[string]any{"status": apiErr.StatusCode})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
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
	healthPath := path.Join(basePath, "health")
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
    <title>Boardline API Docs</title>
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

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	// JournalSchema is the applied journal migration, absent when the
	// journal is disabled.
	JournalSchema int `json:"journal_schema,omitempty"`
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}
		if a.DB != nil {
			v, err := migrate.Version(ctx, a.DB)
			if err != nil {
				return nil, handleError(fmt.Errorf("journal schema: %w", err))
			}
			out.Body.JournalSchema = v
		}
		return out, nil
	})
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := a.Remote.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		title := strings.TrimSpace(input.Body.Title)
		if title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		p, err := a.Remote.CreateProject(ctx, domain.CreateProjectInput{
			Title:    title,
			Goal:     strings.TrimSpace(input.Body.Goal),
			Deadline: input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct{}, error) {
		if err := a.Remote.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerBoard(api huma.API, a *app.App) {
	current := func() (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		store := a.Board.Store()
		gen := store.Gen()
		p, ok := store.Project()
		if !ok {
			return nil, handleError(board.ErrNotLoaded)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: boardResponse(p, gen)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "load-board",
		Method:      http.MethodPost,
		Path:        "/board/{project_id}",
		Summary:     "Load a project onto the board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		if err := a.LoadBoard(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return current()
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Current board grouped by column",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		return current()
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-board",
		Method:      http.MethodPost,
		Path:        "/board/reload",
		Summary:     "Re-fetch the loaded project",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		if err := a.Board.Reload(ctx); err != nil {
			return nil, handleError(err)
		}
		return current()
	})

	huma.Register(api, huma.Operation{
		OperationID: "drop-task",
		Method:      http.MethodPost,
		Path:        "/board/drops",
		Summary:     "Apply a drag-release of a task",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body DropRequest `json:"body"`
	}) (*struct {
		Body DropResponse `json:"body"`
	}, error) {
		res, err := a.Board.ApplyDrop(ctx, input.Body.TaskID, input.Body.Target.target())
		if err != nil {
			return nil, handleError(err)
		}
		b, err := current()
		if err != nil {
			return nil, err
		}
		out := DropResponse{Result: res, Board: b.Body}
		if res.Timeline != nil {
			out.Notice = res.Timeline.Notice()
		}
		return &struct {
			Body DropResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAssistant(api huma.API, a *app.App) {
	type taskPath struct {
		TaskID int64 `path:"task_id"`
	}
	type sessionOutput struct {
		Body SessionResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "open-assistant",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assistant",
		Summary:     "Open the task assistant, seeding it when empty",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *taskPath) (*sessionOutput, error) {
		s, err := a.Session(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.Open(ctx); err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assistant",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/assistant",
		Summary:     "Assistant session state",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*sessionOutput, error) {
		s, err := a.Session(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-assistant-message",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assistant/messages",
		Summary:     "Send a message to the task assistant",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID int64              `path:"task_id"`
		Body   SendMessageRequest `json:"body"`
	}) (*sessionOutput, error) {
		s, err := a.Session(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.Send(ctx, input.Body.Content); err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-assistant",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/assistant",
		Summary:     "Clear and reseed the task conversation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID  int64 `path:"task_id"`
		Confirm bool  `query:"confirm"`
	}) (*sessionOutput, error) {
		if !input.Confirm {
			return nil, newAPIError(http.StatusBadRequest, "confirmation_required", "clearing a conversation requires confirm=true", nil)
		}
		s, err := a.Session(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.Clear(ctx); err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  int64  `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task"`
		EntityID   int64  `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if a.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "journal_disabled", "the event journal is disabled", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
