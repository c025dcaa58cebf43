package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"briefcast/internal/domain"
	"briefcast/internal/engine"
	"briefcast/internal/engine/auth"
	"briefcast/internal/logging"
	"briefcast/internal/metrics"
	"briefcast/internal/monitor"
	"briefcast/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Monitor  monitor.Monitor
	Metrics  *metrics.Metrics
	BasePath string
	// BatchTimeout bounds a worker-run batch; zero means defaultBatchTimeout.
	BatchTimeout time.Duration
	Auth         AuthConfig
	Logger       logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope returned by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the stage workers and the operator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := logging.OrDiscard(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	hcfg := huma.DefaultConfig("Briefcast API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkers(group, cfg.Engine, cfg.BatchTimeout)
	registerStatus(group, cfg.Monitor)
	registerRecords(group, cfg.Engine)
	registerLineages(group, cfg.Engine)
	registerHousekeeping(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logging.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var nr engine.NotResettableError
	if errors.As(err, &nr) {
		return newAPIError(http.StatusConflict, "not_resettable", err.Error(), map[string]any{"status": string(nr.Status)})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrLost):
		return newAPIError(http.StatusConflict, "conflict", "record changed concurrently; retry", nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type stagePath struct {
	Stage string `path:"stage" doc:"shape, narrate or synthesize"`
}

func lookupStage(name string) (domain.StageDef, huma.StatusError) {
	def, err := domain.LookupStage(name)
	if err != nil {
		return domain.StageDef{}, newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"stage": name})
	}
	return def, nil
}

const defaultBatchTimeout = 10 * time.Minute

func registerWorkers(api huma.API, e engine.Engine, batchTimeout time.Duration) {
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	huma.Register(api, huma.Operation{
		OperationID: "worker-health",
		Method:      http.MethodGet,
		Path:        "/workers/{stage}",
		Summary:     "Stage worker liveness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body WorkerHealthResponse `json:"body"`
	}, error) {
		def, serr := lookupStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		return &struct {
			Body WorkerHealthResponse `json:"body"`
		}{Body: WorkerHealthResponse{
			Status:    "healthy",
			Component: def.Component(),
			Timestamp: domain.FormatTime(now),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-run",
		Method:      http.MethodPost,
		Path:        "/workers/{stage}",
		Summary:     "Run one batch of a stage",
		Description: "Returns 200 whenever the batch ran, even if individual records failed. " +
			"Only a failure to read the eligible batch returns 500 with success=false.",
		Errors: []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Status int
		Body   WorkerRunResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermStageRun); err != nil {
			return nil, handleError(err)
		}
		def, serr := lookupStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		// A caller that hangs up must not strand claimed records in progress.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), batchTimeout)
		defer cancel()
		res, err := e.RunBatch(runCtx, def.Stage)
		status := http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
			res.Success = false
		}
		return &struct {
			Status int
			Body   WorkerRunResponse `json:"body"`
		}{Status: status, Body: workerRunResponse(res)}, nil
	})
}

func registerStatus(api huma.API, m monitor.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body monitor.Snapshot `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		snap, err := m.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body monitor.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Category   string `query:"category"`
		TargetDate string `query:"target_date"`
		OwnerID    string `query:"owner_id"`
		LineageID  string `query:"lineage_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		f := repo.RecordFilter{
			TargetDate: input.TargetDate,
			OwnerID:    input.OwnerID,
			LineageID:  input.LineageID,
			Limit:      normalizeLimit(input.Limit),
		}
		if input.Status != "" {
			s, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
			}
			f.Status = s
		}
		if input.Category != "" {
			c, err := domain.ParseCategory(input.Category)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"category": input.Category})
			}
			f.Category = c
		}
		items, err := e.Repo.ListRecords(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: RecordList{Items: nonNilRecords(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Get a record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ContentRecord `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.GetRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Add a record to the pipeline",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body domain.ContentRecord `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsWrite); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Enqueue(ctx, input.Body.newRecord())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/reset",
		Summary:     "Return a failed or stuck record to its stage input",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ContentRecord `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsReset); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Reset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerLineages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-lineage",
		Method:      http.MethodGet,
		Path:        "/lineages/{id}",
		Summary:     "Records fanned out from one source record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.LineageView `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		view, err := e.Lineage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.LineageView `json:"body"`
		}{Body: view}, nil
	})
}

func registerHousekeeping(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "expire-records",
		Method:      http.MethodPost,
		Path:        "/housekeeping/expire",
		Summary:     "Expire records past their expiration",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpireResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsReset); err != nil {
			return nil, handleError(err)
		}
		n, err := e.ExpireStale(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpireResponse `json:"body"`
		}{Body: ExpireResponse{Expired: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List pipeline events",
		Description: "Newest first. Pass next_cursor back as cursor for older events, or after=<id> for events newer than an id (oldest first).",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecordID string `query:"record_id"`
		Type     string `query:"type" doc:"exact type, or a prefix ending in *"`
		After    int64  `query:"after"`
		Cursor   string `query:"cursor"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilter{
			RecordID:  input.RecordID,
			Type:      input.Type,
			AfterID:   input.After,
			Limit:     limit + 1,
			Ascending: input.After > 0,
		}
		if input.Cursor != "" {
			before, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.BeforeID = before
		}
		items, err := e.Repo.ListEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []domain.Event{}}
		if len(items) > limit {
			if !f.Ascending {
				resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			}
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	workerPath := path.Join(basePath, "workers/{stage}")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath || (route == workerPath && op == item.Get) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
