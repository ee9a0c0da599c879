package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"linkforge/internal/domain"
	"linkforge/internal/engine"
	"linkforge/internal/quota"
	"linkforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"quota_exceeded"`
	Message string         `json:"message" example:"quota exceeded for automation.jobs_per_month"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the LinkForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("LinkForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerHealth(group)
	registerSites(group, cfg.Engine)
	registerCampaigns(group, cfg.Engine)
	registerTargets(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerWorker(group, cfg.Engine, cfg.Auth)
	registerRuns(group, cfg.Engine)
	registerUsage(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)

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
	var qe quota.ExceededError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusTooManyRequests, "quota_exceeded", err.Error(), map[string]any{
			"metric":   string(qe.Metric),
			"limit":    qe.Limit,
			"used":     qe.Used,
			"reset_at": qe.ResetAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"),
		strings.Contains(lowered, "cannot be retried"),
		strings.Contains(lowered, "has no targets"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusTooManyRequests:
		return "quota_exceeded"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return "error"
	}
}

// requireSite loads a site and checks the caller owns it.
func requireSite(ctx context.Context, e engine.Engine, siteID string) (domain.Site, huma.StatusError) {
	userID, herr := userIDFromContext(ctx)
	if herr != nil {
		return domain.Site{}, herr
	}
	site, err := e.Repo.GetSite(ctx, siteID)
	if err != nil {
		return domain.Site{}, handleError(err)
	}
	if site.UserID != userID {
		return domain.Site{}, newAPIError(http.StatusForbidden, "forbidden", "site belongs to another user", nil)
	}
	return site, nil
}

func requireCampaign(ctx context.Context, e engine.Engine, campaignID string) (domain.Campaign, huma.StatusError) {
	userID, herr := userIDFromContext(ctx)
	if herr != nil {
		return domain.Campaign{}, herr
	}
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, handleError(err)
	}
	if c.UserID != userID {
		return domain.Campaign{}, newAPIError(http.StatusForbidden, "forbidden", "campaign belongs to another user", nil)
	}
	return c, nil
}

func requireJob(ctx context.Context, e engine.Engine, jobID string) (domain.Job, huma.StatusError) {
	userID, herr := userIDFromContext(ctx)
	if herr != nil {
		return domain.Job{}, herr
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, handleError(err)
	}
	if j.UserID != userID {
		return domain.Job{}, newAPIError(http.StatusForbidden, "forbidden", "job belongs to another user", nil)
	}
	return j, nil
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

func registerSites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-site",
		Method:        http.MethodPost,
		Path:          "/sites",
		Summary:       "Register a site",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Host string `json:"host" minLength:"1"`
		}
	}) (*struct {
		Body domain.Site `json:"body"`
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		site, err := e.CreateSite(ctx, userID, input.Body.Host)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Site `json:"body"`
		}{Body: site}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sites",
		Method:      http.MethodGet,
		Path:        "/sites",
		Summary:     "List sites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Sites []domain.Site `json:"sites"`
		}
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		sites, err := e.Repo.ListSitesByUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Sites []domain.Site `json:"sites"`
			}
		}{}
		out.Body.Sites = sites
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-site",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}",
		Summary:     "Get site",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body domain.Site `json:"body"`
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body domain.Site `json:"body"`
		}{Body: site}, nil
	})
}

func registerUsage(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-usage",
		Method:      http.MethodGet,
		Path:        "/usage",
		Summary:     "Quota usage for the current period",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Usage []quota.MetricUsage `json:"usage"`
		}
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		report, err := e.Quota.Report(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Usage []quota.MetricUsage `json:"usage"`
			}
		}{}
		out.Body.Usage = report
		return out, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-site-events",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/events",
		Summary:     "Recent activity for a site",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		}
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		evts, err := e.Repo.LatestEvents(ctx, site.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			}
		}{}
		out.Body.Events = evts
		return out, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		}
	}) (*struct {
		Body struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		}
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			UserID:  userID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID  string `json:"id"`
				Key string `json:"key"`
			}
		}{}
		out.Body.ID = key.ID
		out.Body.Key = raw
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Keys []domain.APIKey `json:"keys"`
		}
	}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Keys []domain.APIKey `json:"keys"`
			}
		}{}
		out.Body.Keys = keys
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, herr := userIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range keys {
			if k.ID == input.KeyID {
				if err := e.Repo.DeleteAPIKey(ctx, k.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
	})
}

func registerDocs(router chi.Router, basePath string) {
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(swaggerHTML(basePath)))
	})
}

func registerOpenAPI(router chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join("/", basePath, "openapi.json")
	router.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>LinkForge API Docs</title>
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
