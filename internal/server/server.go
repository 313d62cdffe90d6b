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

	"plantline/internal/engine"
	"plantline/internal/policy"
	"plantline/internal/repo"
	"plantline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"entity is terminal"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Plantline API.
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
	hcfg := huma.DefaultConfig("Plantline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlants(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerChecklist(group, cfg.Engine)
	registerMaterials(group, cfg.Engine)
	registerPhotos(group, cfg.Engine)
	registerPhotoContent(router, basePath, cfg.Engine)
	registerReport(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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

// handleError maps the engine's typed errors onto the wire envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve workflow.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var ise workflow.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"state": ise.State})
	}
	var ite workflow.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": ite.From, "event": ite.Event})
	}
	var le workflow.LimitExceededError
	if errors.As(err, &le) {
		return newAPIError(http.StatusUnprocessableEntity, "limit_exceeded", err.Error(), map[string]any{"phase": le.Phase, "limit": le.Limit})
	}
	var ne workflow.NotEligibleError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusConflict, "report_not_ready", err.Error(), map[string]any{"state": ne.State})
	}
	var de policy.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": string(de.Action)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
    <title>Plantline API Docs</title>
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

func registerPlants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plant",
		Method:        http.MethodPost,
		Path:          "/plants",
		Summary:       "Register plant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreatePlantRequest `json:"body"`
	}) (*struct {
		Body PlantResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role != policy.RoleSuperadmin && actor.Role != policy.RoleAdmin {
			return nil, handleError(policy.DeniedError{Role: actor.Role, Action: "managePlants"})
		}
		p, err := e.CreatePlant(ctx, input.Body.Name, input.Body.Location)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlantResponse `json:"body"`
		}{Body: plantResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plants",
		Method:      http.MethodGet,
		Path:        "/plants",
		Summary:     "List plants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PlantResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plants, err := e.ListPlants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PlantResponse, 0, len(plants))
		for _, p := range plants {
			out = append(out, plantResponse(p))
		}
		return &struct {
			Body []PlantResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plant-status",
		Method:      http.MethodGet,
		Path:        "/plants/{plant_id}/status",
		Summary:     "Plant status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlantID string `path:"plant_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPlant(ctx, input.PlantID)
		if err != nil {
			return nil, handleError(err)
		}
		incidents, err := e.Repo.CountEntitiesByState(ctx, p.ID, workflow.KindIncident)
		if err != nil {
			return nil, handleError(err)
		}
		maintenance, err := e.Repo.CountEntitiesByState(ctx, p.ID, workflow.KindMaintenance)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"plant_id":    p.ID,
			"name":        p.Name,
			"incidents":   incidents,
			"maintenance": maintenance,
		}}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Report incident or schedule maintenance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			Kind:        input.Body.Kind,
			PlantID:     input.Body.PlantID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Actor:       actor,
		}
		if input.Body.ScheduledDate != nil {
			opts.ScheduledDate = *input.Body.ScheduledDate
		}
		if input.Body.MaintenanceType != nil {
			opts.MaintenanceType = *input.Body.MaintenanceType
		}
		if input.Body.AssignedTo != nil {
			opts.AssignedTo = *input.Body.AssignedTo
		}
		ent, err := e.CreateEntity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List incidents and maintenance tasks",
	}, func(ctx context.Context, input *struct {
		PlantID         string `query:"plant_id"`
		Kind            string `query:"kind" enum:"incident,maintenance"`
		State           string `query:"state" enum:"pending,in_progress,resolved,completed"`
		AssignedTo      string `query:"assigned_to"`
		Limit           int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []EntityResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEntities(ctx, repo.EntityFilters{
			PlantID:         input.PlantID,
			Kind:            input.Kind,
			State:           input.State,
			AssignedTo:      input.AssignedTo,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EntityResponse, 0, len(items))
		for _, ent := range items {
			out = append(out, entityResponse(ent, workflow.IsTerminal(ent.Kind, ent.State)))
		}
		return &struct {
			Body []EntityResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ent, err := e.GetEntity(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent, workflow.IsTerminal(ent.Kind, ent.State))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/entities/{entity_id}",
		Summary:     "Edit descriptive fields",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string              `path:"entity_id"`
		Body     UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.EditFields(ctx, engine.EditOptions{
			ID:              input.EntityID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			ScheduledDate:   input.Body.ScheduledDate,
			MaintenanceType: input.Body.MaintenanceType,
			AssignedTo:      input.Body.AssignedTo,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entity",
		Method:      http.MethodDelete,
		Path:        "/entities/{entity_id}",
		Summary:     "Delete entity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEntity(ctx, input.EntityID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-entity",
		Method:      http.MethodPost,
		Path:        "/entities/{entity_id}/start",
		Summary:     "Begin work",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string             `path:"entity_id"`
		Body     StartEntityRequest `json:"body"`
	}) (*struct {
		Body StartEntityResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		uploads, err := decodeUploads(input.Body.BeforePhotos)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.Start(ctx, engine.StartOptions{
			ID:           input.EntityID,
			BeforePhotos: uploads,
			Actor:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartEntityResponse `json:"body"`
		}{Body: StartEntityResponse{
			Entity:        entityResponse(res.Entity, false),
			PhotoWarnings: res.PhotoWarnings,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-entity",
		Method:      http.MethodPost,
		Path:        "/entities/{entity_id}/complete",
		Summary:     "Complete work",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string                `path:"entity_id"`
		Body     CompleteEntityRequest `json:"body"`
	}) (*struct {
		Body CompleteEntityResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		uploads, err := decodeUploads(input.Body.AfterPhotos)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.Complete(ctx, engine.CompleteOptions{
			ID:          input.EntityID,
			Summary:     input.Body.Summary,
			Materials:   materialInputs(input.Body.Materials),
			AfterPhotos: uploads,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteEntityResponse `json:"body"`
		}{Body: CompleteEntityResponse{
			Entity:        entityResponse(res.Entity, res.ReportReady),
			ReportReady:   res.ReportReady,
			PhotoWarnings: res.PhotoWarnings,
		}}, nil
	})
}

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-checklist-item",
		Method:        http.MethodPost,
		Path:          "/entities/{entity_id}/checklist",
		Summary:       "Add checklist item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string                  `path:"entity_id"`
		Body     AddChecklistItemRequest `json:"body"`
	}) (*struct {
		Body ChecklistItemResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.AddChecklistItem(ctx, input.EntityID, input.Body.Label, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChecklistItemResponse `json:"body"`
		}{Body: checklistItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checklist",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/checklist",
		Summary:     "List checklist",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body ChecklistResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListChecklist(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		progress, err := e.ChecklistProgress(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ChecklistItemResponse, 0, len(items))
		for _, it := range items {
			out = append(out, checklistItemResponse(it))
		}
		return &struct {
			Body ChecklistResponse `json:"body"`
		}{Body: ChecklistResponse{Items: out, Completed: progress.Completed, Total: progress.Total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/checklist/{item_id}",
		Summary:     "Toggle checklist item",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                     `path:"item_id"`
		Body   ToggleChecklistItemRequest `json:"body"`
	}) (*struct {
		Body ChecklistItemResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.ToggleChecklistItem(ctx, input.ItemID, input.Body.Completed, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChecklistItemResponse `json:"body"`
		}{Body: checklistItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-checklist-item",
		Method:      http.MethodDelete,
		Path:        "/checklist/{item_id}",
		Summary:     "Remove checklist item",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveChecklistItem(ctx, input.ItemID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMaterials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-material",
		Method:        http.MethodPost,
		Path:          "/entities/{entity_id}/materials",
		Summary:       "Add material",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string          `path:"entity_id"`
		Body     MaterialRequest `json:"body"`
	}) (*struct {
		Body MaterialResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMaterial(ctx, input.EntityID, engine.MaterialInput{
			Name:     input.Body.Name,
			Quantity: input.Body.Quantity,
			Unit:     input.Body.Unit,
			UnitCost: input.Body.UnitCost,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MaterialResponse `json:"body"`
		}{Body: materialResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-materials",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/materials",
		Summary:     "List materials with total",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body MaterialsResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMaterials(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.MaterialsTotal(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MaterialResponse, 0, len(items))
		for _, m := range items {
			out = append(out, materialResponse(m))
		}
		return &struct {
			Body MaterialsResponse `json:"body"`
		}{Body: MaterialsResponse{
			Items:      out,
			TotalCents: total,
			Total:      formatCents(total),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-material",
		Method:      http.MethodPatch,
		Path:        "/materials/{material_id}",
		Summary:     "Update material",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MaterialID string          `path:"material_id"`
		Body       MaterialRequest `json:"body"`
	}) (*struct {
		Body MaterialResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMaterial(ctx, input.MaterialID, engine.MaterialInput{
			Name:     input.Body.Name,
			Quantity: input.Body.Quantity,
			Unit:     input.Body.Unit,
			UnitCost: input.Body.UnitCost,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MaterialResponse `json:"body"`
		}{Body: materialResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-material",
		Method:      http.MethodDelete,
		Path:        "/materials/{material_id}",
		Summary:     "Remove material",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MaterialID string `path:"material_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveMaterial(ctx, input.MaterialID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPhotos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-photo",
		Method:        http.MethodPost,
		Path:          "/entities/{entity_id}/photos",
		Summary:       "Attach photo",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string             `path:"entity_id"`
		Body     AttachPhotoRequest `json:"body"`
	}) (*struct {
		Body PhotoResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		uploads, err := decodeUploads([]PhotoUploadRequest{{Filename: input.Body.Filename, DataBase64: input.Body.DataBase64}})
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		p, err := e.AttachPhoto(ctx, input.EntityID, input.Body.Phase, uploads[0], actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhotoResponse `json:"body"`
		}{Body: photoResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-photos",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/photos",
		Summary:     "List photos",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []PhotoResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPhotos(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PhotoResponse, 0, len(items))
		for _, p := range items {
			out = append(out, photoResponse(p))
		}
		return &struct {
			Body []PhotoResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-photo",
		Method:      http.MethodDelete,
		Path:        "/photos/{photo_id}",
		Summary:     "Remove photo",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PhotoID string `path:"photo_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemovePhoto(ctx, input.PhotoID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerPhotoContent serves raw photo bytes straight from the blob
// store, outside huma so the body is not JSON.
func registerPhotoContent(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "photos/{photo_id}/content"), func(w http.ResponseWriter, req *http.Request) {
		if _, ok := principalFromContext(req.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		p, err := e.Repo.GetPhoto(req.Context(), chi.URLParam(req, "photo_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		data, err := e.Blobs.Read(p.BlobRef)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	})
}

func registerReport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/report",
		Summary:     "Report snapshot for a terminal entity",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body ReportSnapshotResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.RequestReport(ctx, input.EntityID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportSnapshotResponse `json:"body"`
		}{Body: reportSnapshotResponse(snap)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor   int64  `query:"cursor"`
		PlantID  string `query:"plant_id"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.LatestEvents(ctx, input.Limit, input.Cursor, input.PlantID, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role != policy.RoleSuperadmin && actor.Role != policy.RoleAdmin {
			return nil, handleError(policy.DeniedError{Role: actor.Role, Action: "manageKeys"})
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if !policy.KnownRole(policy.Role(input.Body.Role)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		key, secret, err := IssueAPIKey(ctx, e, input.Body.UserID, input.Body.Role, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Role:      key.Role,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role != policy.RoleSuperadmin && actor.Role != policy.RoleAdmin {
			return nil, handleError(policy.DeniedError{Role: actor.Role, Action: "manageKeys"})
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				UserID:    k.UserID,
				Role:      k.Role,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role != policy.RoleSuperadmin && actor.Role != policy.RoleAdmin {
			return nil, handleError(policy.DeniedError{Role: actor.Role, Action: "manageKeys"})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
