package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"linkforge/internal/domain"
	"linkforge/internal/engine"
	"linkforge/internal/repo"
)

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-campaign-jobs",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/jobs",
		Summary:     "List jobs for a campaign",
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
		Status     string `query:"status" enum:"queued,locked,running,success,failed,skipped"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body struct {
			Jobs []domain.Job `json:"jobs"`
		}
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilter{
			CampaignID: c.ID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Jobs []domain.Job `json:"jobs"`
			}
		}{}
		out.Body.Jobs = jobs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, herr := requireJob(ctx, e, input.JobID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-attempts",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/attempts",
		Summary:     "List recorded attempts for a job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body struct {
			Attempts []domain.Attempt `json:"attempts"`
		}
	}, error) {
		j, herr := requireJob(ctx, e, input.JobID)
		if herr != nil {
			return nil, herr
		}
		attempts, err := e.Repo.ListAttemptsByJob(ctx, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Attempts []domain.Attempt `json:"attempts"`
			}
		}{}
		out.Body.Attempts = attempts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaign-attempts",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/attempts",
		Summary:     "List recorded attempts across a campaign",
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body struct {
			Attempts []domain.Attempt `json:"attempts"`
		}
	}, error) {
		c, herr := requireCampaign(ctx, e, input.CampaignID)
		if herr != nil {
			return nil, herr
		}
		attempts, err := e.Repo.ListAttemptsByCampaign(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Attempts []domain.Attempt `json:"attempts"`
			}
		}{}
		out.Body.Attempts = attempts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/retry",
		Summary:     "Retry a failed job",
		Errors:      campaignErrors,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, herr := requireJob(ctx, e, input.JobID)
		if herr != nil {
			return nil, herr
		}
		updated, err := e.RetryJob(ctx, j.ID, j.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/skip",
		Summary:     "Skip a job",
		Errors:      campaignErrors,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, herr := requireJob(ctx, e, input.JobID)
		if herr != nil {
			return nil, herr
		}
		updated, err := e.SkipJob(ctx, j.ID, j.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: updated}, nil
	})
}

// claimedJob is what a worker receives: the job plus its one-time report
// credential and the target to act on.
type claimedJob struct {
	Job         domain.Job `json:"job"`
	TargetURL   string     `json:"target_url"`
	AnchorText  string     `json:"anchor_text,omitempty"`
	Destination string     `json:"destination_url,omitempty"`
	Keyword     string     `json:"keyword,omitempty"`
	ReportToken string     `json:"report_token"`
}

func registerWorker(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-next-job",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/jobs/next",
		Summary:     "Claim the next queued job for a site",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SiteID      string `path:"site_id"`
		WorkerToken string `header:"X-Worker-Token"`
		Body        struct {
			WorkerID string `json:"worker_id,omitempty"`
		}
	}) (*struct {
		Body claimedJob `json:"body"`
	}, error) {
		if !workerSharedSecretOK(auth.WorkerSecret, input.WorkerToken) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid worker token", nil)
		}
		workerID := input.Body.WorkerID
		if workerID == "" {
			workerID = "worker"
		}
		j, err := e.ClaimNextJob(ctx, input.SiteID, workerID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "no_job", "no queued job available", nil)
			}
			return nil, handleError(err)
		}
		target, err := e.Repo.GetTarget(ctx, j.TargetID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body claimedJob `json:"body"`
		}{}
		out.Body = claimedJob{
			Job:         j,
			TargetURL:   target.URL,
			ReportToken: WorkerToken(auth.WorkerSecret, j.ID),
		}
		if target.AnchorText != nil {
			out.Body.AnchorText = *target.AnchorText
		}
		if target.DestinationURL != nil {
			out.Body.Destination = *target.DestinationURL
		}
		if target.Keyword != nil {
			out.Body.Keyword = *target.Keyword
		}
		return out, nil
	})

	type signalsBody struct {
		HasCommentForm  bool           `json:"has_comment_form,omitempty"`
		HasLoginForm    bool           `json:"has_login_form,omitempty"`
		HasCaptcha      bool           `json:"has_captcha,omitempty"`
		HasRegistration bool           `json:"has_registration,omitempty"`
		Raw             map[string]any `json:"raw,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "report-job-result",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/result",
		Summary:     "Report a worker result for a job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		JobID       string `path:"job_id"`
		WorkerToken string `header:"X-Worker-Token"`
		Body        struct {
			Result       string         `json:"result" enum:"success,failed"`
			ResultData   map[string]any `json:"result_data,omitempty"`
			ErrorCode    string         `json:"error_code,omitempty"`
			ErrorMessage string         `json:"error_message,omitempty"`
			Signals      *signalsBody   `json:"signals,omitempty"`
			WorkerID     string         `json:"worker_id,omitempty"`
		}
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if !verifyWorkerToken(auth.WorkerSecret, input.JobID, input.WorkerToken) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid worker token", nil)
		}
		workerID := input.Body.WorkerID
		if workerID == "" {
			workerID = "worker"
		}
		opts := engine.JobResultOptions{
			JobID:        input.JobID,
			Result:       input.Body.Result,
			ResultData:   input.Body.ResultData,
			ErrorCode:    input.Body.ErrorCode,
			ErrorMessage: input.Body.ErrorMessage,
			ActorID:      workerID,
		}
		if input.Body.Signals != nil {
			opts.Signals = &engine.SignalPayload{
				HasCommentForm:  input.Body.Signals.HasCommentForm,
				HasLoginForm:    input.Body.Signals.HasLoginForm,
				HasCaptcha:      input.Body.Signals.HasCaptcha,
				HasRegistration: input.Body.Signals.HasRegistration,
				Raw:             input.Body.Signals.Raw,
			}
		}
		j, err := e.ReportJobResult(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	type linkBody struct {
		URL            string `json:"url" minLength:"1"`
		AnchorText     string `json:"anchor_text,omitempty"`
		DestinationURL string `json:"destination_url,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "record-backlink-run",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/backlinks/runs",
		Summary:       "Record a backlink discovery run",
		DefaultStatus: http.StatusCreated,
		Errors:        campaignErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Body   struct {
			Links []linkBody `json:"links"`
		}
	}) (*struct {
		Body domain.BacklinkRun `json:"body"`
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		links := make([]engine.TargetRow, 0, len(input.Body.Links))
		for _, l := range input.Body.Links {
			links = append(links, engine.TargetRow{
				URL:            l.URL,
				AnchorText:     l.AnchorText,
				DestinationURL: l.DestinationURL,
			})
		}
		run, err := e.RecordBacklinkRun(ctx, site.ID, links, site.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BacklinkRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-backlink-runs",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/backlinks/runs",
		Summary:     "List backlink discovery runs",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body struct {
			Runs []domain.BacklinkRun `json:"runs"`
		}
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		runs, err := e.Repo.ListBacklinkRuns(ctx, site.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Runs []domain.BacklinkRun `json:"runs"`
			}
		}{}
		out.Body.Runs = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-runs",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/audits/runs",
		Summary:     "List site audit runs",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body struct {
			Runs []domain.AuditRun `json:"runs"`
		}
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		runs, err := e.Repo.ListAuditRuns(ctx, site.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Runs []domain.AuditRun `json:"runs"`
			}
		}{}
		out.Body.Runs = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-audit-run",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/audits/runs",
		Summary:       "Record a site audit run",
		DefaultStatus: http.StatusCreated,
		Errors:        campaignErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body domain.AuditRun `json:"body"`
	}, error) {
		site, herr := requireSite(ctx, e, input.SiteID)
		if herr != nil {
			return nil, herr
		}
		run, err := e.RecordAuditRun(ctx, site.ID, site.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditRun `json:"body"`
		}{Body: run}, nil
	})
}
