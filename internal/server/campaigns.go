package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"linkforge/internal/domain"
	"linkforge/internal/engine"
)

var campaignErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
}

func registerCampaigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-campaign",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/campaigns",
		Summary:       "Create campaign",
		DefaultStatus: http.StatusCreated,
		Errors:        campaignErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Body   struct {
			Name           string   `json:"name" minLength:"1"`
			AllowedActions []string `json:"allowed_actions,omitempty"`
			ExecutionMode  string   `json:"execution_mode,omitempty" enum:"drip,burst"`
			MaxRetries     int      `json:"max_retries,omitempty" minimum:"0" maximum:"10"`
		}
	}) (*struct {
		Body domain.Campaign `json:"body"`
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		c, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{
			SiteID:         site.ID,
			UserID:         site.UserID,
			Name:           input.Body.Name,
			AllowedActions: input.Body.AllowedActions,
			ExecutionMode:  input.Body.ExecutionMode,
			MaxRetries:     input.Body.MaxRetries,
			ActorID:        site.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Campaign `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/campaigns",
		Summary:     "List campaigns for a site",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body struct {
			Campaigns []domain.Campaign `json:"campaigns"`
		}
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		campaigns, err := e.Repo.ListCampaignsBySite(ctx, site.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Campaigns []domain.Campaign `json:"campaigns"`
			}
		}{}
		out.Body.Campaigns = campaigns
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Get campaign",
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body domain.Campaign `json:"body"`
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body domain.Campaign `json:"body"`
		}{Body: c}, nil
	})

	type startResponse struct {
		Body struct {
			Campaign    domain.Campaign `json:"campaign"`
			JobsCreated int             `json:"jobs_created"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "start-campaign",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/start",
		Summary:     "Start campaign",
		Errors:      campaignErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*startResponse, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		started, created, err := e.StartCampaign(ctx, c.ID, c.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &startResponse{}
		out.Body.Campaign = started
		out.Body.JobsCreated = created
		return out, nil
	})

	type transitionHandler func(ctx context.Context, campaignID, actorID string) (domain.Campaign, error)
	transitions := []struct {
		op      string
		verb    string
		handler transitionHandler
	}{
		{"pause-campaign", "pause", e.PauseCampaign},
		{"resume-campaign", "resume", e.ResumeCampaign},
		{"stop-campaign", "stop", e.StopCampaign},
	}
	for _, t := range transitions {
		handler := t.handler
		huma.Register(api, huma.Operation{
			OperationID: t.op,
			Method:      http.MethodPost,
			Path:        "/campaigns/{campaign_id}/" + t.verb,
			Summary:     "Campaign " + t.verb,
			Errors:      campaignErrors,
		}, func(ctx context.Context, input *struct {
			CampaignID string `path:"campaign_id"`
		}) (*struct {
			Body domain.Campaign `json:"body"`
		}, error) {
			c, herr := requireCampaign(ctx, e, input.CampaignID)
			if herr != nil {
				return nil, herr
			}
			updated, err := handler(ctx, c.ID, c.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Campaign `json:"body"`
			}{Body: updated}, nil
		})
	}
}

func registerTargets(api huma.API, e engine.Engine) {
	type targetRowBody struct {
		URL            string `json:"url" minLength:"1"`
		AnchorText     string `json:"anchor_text,omitempty"`
		DestinationURL string `json:"destination_url,omitempty"`
		Keyword        string `json:"keyword,omitempty"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "import-targets",
		Method:        http.MethodPost,
		Path:          "/campaigns/{campaign_id}/targets",
		Summary:       "Import targets",
		DefaultStatus: http.StatusCreated,
		Errors:        campaignErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
		Body       struct {
			Source  string          `json:"source,omitempty" enum:"manual,insights"`
			Targets []targetRowBody `json:"targets" minItems:"1"`
		}
	}) (*struct {
		Body engine.ImportResult `json:"body"`
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		source := input.Body.Source
		if source == "" {
			source = domain.SourceManual
		}
		rows := make([]engine.TargetRow, 0, len(input.Body.Targets))
		for _, t := range input.Body.Targets {
			rows = append(rows, engine.TargetRow{
				URL:            t.URL,
				AnchorText:     t.AnchorText,
				DestinationURL: t.DestinationURL,
				Keyword:        t.Keyword,
			})
		}
		res, err := e.ImportTargets(ctx, c.ID, source, rows, c.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-targets-csv",
		Method:        http.MethodPost,
		Path:          "/campaigns/{campaign_id}/targets/import-csv",
		Summary:       "Bulk import targets from CSV",
		DefaultStatus: http.StatusCreated,
		Errors:        campaignErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
		RawBody    []byte `contentType:"text/csv"`
	}) (*struct {
		Body engine.ImportResult `json:"body"`
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		res, err := e.ImportTargetsCSV(ctx, c.ID, input.RawBody, c.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-targets-from-run",
		Method:        http.MethodPost,
		Path:          "/campaigns/{campaign_id}/targets/import-run",
		Summary:       "Import targets from a backlink discovery run",
		DefaultStatus: http.StatusCreated,
		Errors:        campaignErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
		Body       struct {
			RunID string `json:"run_id" minLength:"1"`
		}
	}) (*struct {
		Body engine.ImportResult `json:"body"`
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		res, err := e.ImportTargetsFromBacklinkRun(ctx, c.ID, input.Body.RunID, c.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/targets",
		Summary:     "List targets",
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body struct {
			Targets []domain.Target `json:"targets"`
		}
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		targets, err := e.Repo.ListTargets(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Targets []domain.Target `json:"targets"`
			}
		}{}
		out.Body.Targets = targets
		return out, nil
	})
}
