package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"helpflow/internal/app"
	"helpflow/internal/backend"
	"helpflow/internal/catalog"
	"helpflow/internal/completion"
	"helpflow/internal/domain"
	"helpflow/internal/drawer"
	"helpflow/internal/engine"
	"helpflow/internal/metrics"
	"helpflow/internal/repo"
	"helpflow/internal/taskgraph"
)

// Config for the HTTP API handler.
type Config struct {
	Sessions *app.Sessions
	// Repo serves the event log; nil disables the events operation.
	Repo     *repo.Repo
	Metrics  *metrics.Recorder
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid workflow transition: decided in stage template"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the helpflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: sessions required")
	}
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("helpflow API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{cfg: cfg}
	registerHealth(group)
	registerWhoami(group)
	h.registerWorkflow(group)
	h.registerCatalog(group)
	h.registerDrawer(group)
	h.registerAssignments(group)
	h.registerFinalize(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)
	registerDocs(router, basePath)
	cfg.logger().Debug("api routes registered", "base_path", basePath, "events", cfg.Repo != nil, "metrics", cfg.Metrics != nil)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"stage": te.From, "event": te.Event})
	}
	var inc *completion.IncompleteError
	if errors.As(err, &inc) {
		ids := make([]string, 0, len(inc.Unassigned))
		for _, t := range inc.Unassigned {
			ids = append(ids, t.ID)
		}
		return newAPIError(http.StatusUnprocessableEntity, "assignments_incomplete", err.Error(), map[string]any{"unassigned": ids})
	}
	var ae *backend.APIError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusBadGateway, "backend_rejected", ae.Error(), map[string]any{"status": ae.StatusCode})
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return newAPIError(http.StatusBadGateway, "backend_unavailable", err.Error(), nil)
	}
	switch {
	case errors.Is(err, app.ErrInvalidRequestID), errors.Is(err, engine.ErrWrongRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, completion.ErrNoAssignments),
		errors.Is(err, drawer.ErrStaffRequired),
		errors.Is(err, engine.ErrUnknownTask):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrNoTemplate),
		errors.Is(err, engine.ErrAlreadyVerified),
		errors.Is(err, drawer.ErrNotOpen),
		errors.Is(err, drawer.ErrStale),
		errors.Is(err, drawer.ErrSelectorDisabled),
		errors.Is(err, catalog.ErrNoDetail),
		errors.Is(err, catalog.ErrBusy),
		errors.Is(err, catalog.ErrStale):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, docsHTML(basePath))
	})
}

func docsHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="fa">
  <head>
    <meta charset="utf-8"/>
    <title>Helpflow API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Send Authorization: Bearer &lt;token&gt;; issue one with helpflow token issue.
    </p>
  </body>
</html>`, specURL)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error"}
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func registerWhoami(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated operator",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PrincipalResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, err
		}
		p, _ := principalFromContext(ctx)
		return &struct {
			Body PrincipalResponse `json:"body"`
		}{Body: PrincipalResponse{ActorID: actorID, Roles: append([]string{}, p.Roles...), Source: p.Source}}, nil
	})
}

type handlers struct {
	cfg Config
}

type requestPath struct {
	RequestID string `path:"request_id"`
}

func (h *handlers) session(ctx context.Context, requestID string) (*app.Session, error) {
	return h.cfg.Sessions.Get(ctx, requestID)
}

// backendFailed counts failed collaborator calls.
func (h *handlers) backendFailed(op string, err error) {
	if err == nil || h.cfg.Metrics == nil {
		return
	}
	var ae *backend.APIError
	var ne net.Error
	if errors.As(err, &ae) || errors.As(err, &ne) {
		h.cfg.Metrics.BackendError(op)
	}
}

func (h *handlers) workflow(ctx context.Context, sess *app.Session) WorkflowResponse {
	resp := WorkflowResponse{RequestID: sess.RequestID, State: sess.Engine.State()}
	if tpl, ok := sess.Engine.Template(); ok {
		resp.Template = templateView(tpl, h.cfg.Sessions.Store.Snapshot(ctx, sess.RequestID))
	}
	return resp
}

type workflowOutput struct {
	Body WorkflowResponse `json:"body"`
}

type messageOutput struct {
	Body MessageResponse `json:"body"`
}

func (h *handlers) registerWorkflow(api huma.API) {
	errs := []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway}

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/workflow",
		Summary:     "Workflow state with the confirmed template",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*workflowOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: h.workflow(ctx, sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unload-session",
		Method:        http.MethodDelete,
		Path:          "/requests/{request_id}/session",
		Summary:       "Drop the in-memory session; persisted data stays",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *requestPath) (*struct{}, error) {
		if !app.ValidRequestID(input.RequestID) {
			return nil, handleError(app.ErrInvalidRequestID)
		}
		h.cfg.Sessions.Forget(input.RequestID)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/decision",
		Summary:     "Approve or reject the help request",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		Body      DecisionRequest `json:"body"`
	}) (*workflowOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := sess.Engine.Decide(ctx, domain.Decision(input.Body.Decision)); err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: h.workflow(ctx, sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-documents",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/documents",
		Summary:     "Submit the decision documents",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string           `path:"request_id"`
		Body      DocumentsRequest `json:"body" required:"false"`
	}) (*messageOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		msg, err := sess.Engine.SubmitDocuments(ctx, input.Body.Documents)
		if err != nil {
			h.backendFailed("documents", err)
			return nil, handleError(err)
		}
		return &messageOutput{Body: MessageResponse{Message: msg, State: sess.Engine.State()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-phase-status",
		Method:      http.MethodPut,
		Path:        "/requests/{request_id}/phases/{phase_id}",
		Summary:     "Set a phase's display status",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string             `path:"request_id"`
		PhaseID   string             `path:"phase_id"`
		Body      PhaseStatusRequest `json:"body"`
	}) (*workflowOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := sess.Engine.SetPhaseStatus(ctx, input.PhaseID, domain.PhaseStatus(input.Body.Status)); err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: h.workflow(ctx, sess)}, nil
	})
}

type catalogOutput struct {
	Body CatalogResponse `json:"body"`
}

func (h *handlers) registerCatalog(api huma.API) {
	errs := []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway}

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/templates",
		Summary:     "Template catalog view; the first page is fetched on first use",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*catalogOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		view := sess.Browser.View()
		if !view.Loaded {
			if view, err = sess.Browser.LoadMore(ctx); err != nil {
				h.backendFailed("templates", err)
				return nil, handleError(err)
			}
		}
		return &catalogOutput{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "load-more-templates",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/templates/more",
		Summary:     "Fetch the next catalog page",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*catalogOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := sess.Browser.LoadMore(ctx)
		if err != nil {
			h.backendFailed("templates", err)
			return nil, handleError(err)
		}
		return &catalogOutput{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-template",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/templates/{template_id}/select",
		Summary:     "Fetch a template's detail",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID  string `path:"request_id"`
		TemplateID string `path:"template_id"`
	}) (*catalogOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := sess.Browser.Select(ctx, input.TemplateID); err != nil {
			h.backendFailed("template_detail", err)
			return nil, handleError(err)
		}
		return &catalogOutput{Body: sess.Browser.View()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "catalog-back",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/templates/back",
		Summary:     "Return the catalog to list mode",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*catalogOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		sess.Browser.Back()
		return &catalogOutput{Body: sess.Browser.View()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-template",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/template/confirm",
		Summary:     "Confirm the selected template",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*workflowOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := sess.Browser.Confirm(ctx, sess.Engine.ConfirmTemplate); err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: h.workflow(ctx, sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-template",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/template/reject",
		Summary:     "Request a new template and restart the workflow",
		Description: "The workflow is reset even when the new-template request fails; the failure is reported in error.",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string                `path:"request_id"`
		Body      RejectTemplateRequest `json:"body" required:"false"`
	}) (*messageOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		h.cfg.Sessions.CloseDrawer(ctx, sess.RequestID)
		sess.Browser.Reset()
		resp := MessageResponse{}
		if err := sess.Engine.RejectTemplate(ctx, input.Body.Description, input.Body.Notes); err != nil {
			h.backendFailed("request_new_template", err)
			resp.Error = err.Error()
		}
		resp.State = sess.Engine.State()
		return &messageOutput{Body: resp}, nil
	})
}

type drawerOutput struct {
	Body DrawerResponse `json:"body"`
}

func (h *handlers) openDrawer(sess *app.Session) (*drawer.Drawer, error) {
	d, ok := sess.Drawer()
	if !ok {
		return nil, drawer.ErrNotOpen
	}
	return d, nil
}

func (h *handlers) registerDrawer(api huma.API) {
	errs := []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadGateway}

	huma.Register(api, huma.Operation{
		OperationID: "open-drawer",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/drawer",
		Summary:     "Open the assignment drawer for a task and load staff",
		Description: "A staff fetch failure is reported inline in the drawer view; the selector stays disabled.",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      OpenDrawerRequest `json:"body"`
	}) (*drawerOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if tpl, ok := sess.Engine.Template(); ok && !taskgraph.NewIndex(tpl).Has(input.Body.TaskID) {
			return nil, handleError(fmt.Errorf("%w: %s", engine.ErrUnknownTask, input.Body.TaskID))
		}
		d, err := h.cfg.Sessions.OpenDrawer(ctx, sess.RequestID, input.Body.TaskID)
		if d == nil {
			return nil, handleError(err)
		}
		if err != nil {
			h.backendFailed("staff", err)
			if errors.Is(err, drawer.ErrStale) {
				return nil, handleError(err)
			}
		}
		return &drawerOutput{Body: d.View()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-drawer",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/drawer",
		Summary:     "Current drawer view",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*drawerOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		d, ok := sess.Drawer()
		if !ok {
			return &drawerOutput{Body: drawer.View{Staff: []domain.StaffMember{}}}, nil
		}
		return &drawerOutput{Body: d.View()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-drawer",
		Method:      http.MethodPatch,
		Path:        "/requests/{request_id}/drawer",
		Summary:     "Set drawer fields",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string              `path:"request_id"`
		Body      DrawerFieldsRequest `json:"body"`
	}) (*drawerOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := h.openDrawer(sess)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.StaffID != nil {
			if err := d.SetStaff(*input.Body.StaffID); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Deadline != nil {
			if err := d.SetDeadline(*input.Body.Deadline); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Notes != nil {
			if err := d.SetNotes(*input.Body.Notes); err != nil {
				return nil, handleError(err)
			}
		}
		return &drawerOutput{Body: d.View()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-drawer",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/drawer/submit",
		Summary:     "Commit the drawer's assignment",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*workflowOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := h.openDrawer(sess)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := d.Submit(ctx); err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: h.workflow(ctx, sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "close-drawer",
		Method:        http.MethodDelete,
		Path:          "/requests/{request_id}/drawer",
		Summary:       "Close the drawer without saving",
		DefaultStatus: http.StatusNoContent,
		Errors:        errs,
	}, func(ctx context.Context, input *requestPath) (*struct{}, error) {
		if err := h.cfg.Sessions.CloseDrawer(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-staff",
		Method:      http.MethodGet,
		Path:        "/staff",
		Summary:     "Assignable staff members",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Offset int `query:"offset" default:"0" minimum:"0"`
	}) (*struct {
		Body StaffResponse `json:"body"`
	}, error) {
		staff, err := h.cfg.Sessions.Staff.List(ctx, input.Limit, input.Offset)
		if err != nil {
			h.backendFailed("staff", err)
			return nil, handleError(err)
		}
		return &struct {
			Body StaffResponse `json:"body"`
		}{Body: StaffResponse{Items: staff}}, nil
	})
}

func (h *handlers) registerAssignments(api huma.API) {
	errs := []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/assignments",
		Summary:     "Persisted assignments of the request",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body AssignmentsResponse `json:"body"`
	}, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentsResponse `json:"body"`
		}{Body: AssignmentsResponse{Items: h.cfg.Sessions.Store.Load(ctx, sess.RequestID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPut,
		Path:        "/requests/{request_id}/assignments/{task_id}",
		Summary:     "Assign a task without the drawer",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id"`
		TaskID    string        `path:"task_id"`
		Body      AssignRequest `json:"body"`
	}) (*struct {
		Body domain.AssignmentRecord `json:"body"`
	}, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := drawer.Form{
			TaskID:     input.TaskID,
			StaffID:    input.Body.StaffID,
			StaffLabel: input.Body.StaffLabel,
			Deadline:   input.Body.Deadline,
			Notes:      input.Body.Notes,
		}.Normalize()
		if err != nil {
			return nil, handleError(err)
		}
		if err := sess.Engine.Assign(ctx, sess.RequestID, rec); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AssignmentRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-validation",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/validation",
		Summary:     "Assignment coverage of the confirmed template",
		Errors:      errs,
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := sess.Engine.Validation(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h *handlers) registerFinalize(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/finalize",
		Summary:     "Verify the fully assigned template with the backend",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		Body      FinalizeRequest `json:"body" required:"false"`
	}) (*messageOutput, error) {
		sess, err := h.session(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		msg, err := sess.Engine.Finalize(ctx, input.Body.Title, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		h.cfg.Sessions.CloseDrawer(ctx, sess.RequestID)
		return &messageOutput{Body: MessageResponse{Message: msg, State: sess.Engine.State()}}, nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	if h.cfg.Repo == nil {
		return
	}
	r := *h.cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/events",
		Summary:     "Recent workflow events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if !app.ValidRequestID(input.RequestID) {
			return nil, handleError(app.ErrInvalidRequestID)
		}
		items, err := r.ListEvents(ctx, input.RequestID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "One event by id, as referenced by X-Helpflow-Delivery",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID int64 `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		evt, err := r.Event(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
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
