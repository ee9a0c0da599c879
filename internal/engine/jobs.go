package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkforge/internal/decision"
	"linkforge/internal/domain"
	"linkforge/internal/events"
	"linkforge/internal/repo"
)

const defaultJobPriority = 5

// StaleErrorCode marks jobs failed by the staleness sweep rather than by a
// worker report.
const StaleErrorCode = "stale_timeout"

// ConflictError rejects an operation that raced a prior state change, most
// commonly a duplicate worker result report.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// ClaimNextJob hands the oldest eligible queued job for a site to a worker.
// The job passes through lock acquisition to running within one transaction,
// and the owning campaign moves queued -> running on its first claim.
// Returns repo.ErrNotFound when nothing is claimable.
func (e Engine) ClaimNextJob(ctx context.Context, siteID, workerID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.NextQueuedJob(ctx, tx, siteID)
	if err != nil {
		return domain.Job{}, err
	}
	c, err := e.Repo.GetCampaignTx(ctx, tx, j.CampaignID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := ensureJobTransition(j.Status, domain.JobLocked); err != nil {
		return domain.Job{}, err
	}
	if err := ensureJobTransition(domain.JobLocked, domain.JobRunning); err != nil {
		return domain.Job{}, err
	}

	now := e.nowRFC3339()
	j.Status = domain.JobRunning
	j.UpdatedAt = now
	j.StartedAt = &now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if c.Status == domain.CampaignQueued {
		if err := e.Repo.UpdateCampaignStatus(ctx, tx, c.ID, domain.CampaignRunning, nil, nil); err != nil {
			return domain.Job{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "job.claim", j.SiteID, "job", j.ID, workerID, events.EventPayload{
		"campaign_id": j.CampaignID,
		"action":      j.Action,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SignalPayload carries raw page-classification features from the worker.
type SignalPayload struct {
	HasCommentForm  bool
	HasLoginForm    bool
	HasCaptcha      bool
	HasRegistration bool
	Raw             map[string]any
}

// JobResultOptions is a worker's result report for one job.
type JobResultOptions struct {
	JobID        string
	Result       string
	ResultData   map[string]any
	ErrorCode    string
	ErrorMessage string
	Signals      *SignalPayload
	ActorID      string
}

// ReportJobResult ingests a worker result: terminal status, exactly one
// attempt row, at most one page-signal row, and a campaign totals recompute,
// all in one transaction. Only locked/running jobs accept results: terminal
// jobs reject the worker-side network retry, queued jobs were never claimed.
func (e Engine) ReportJobResult(ctx context.Context, opts JobResultOptions) (domain.Job, error) {
	if opts.Result != domain.JobSuccess && opts.Result != domain.JobFailed {
		return domain.Job{}, fmt.Errorf("invalid result %q", opts.Result)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, opts.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobLocked && j.Status != domain.JobRunning {
		// Covers both terminal jobs (worker-side network retry) and queued
		// jobs nobody claimed: results only follow a claim.
		return domain.Job{}, ConflictError{Msg: fmt.Sprintf("job %s is %s, not awaiting a result", j.ID, j.Status)}
	}

	now := e.nowRFC3339()
	j.Status = opts.Result
	j.UpdatedAt = now
	j.FinishedAt = &now
	j.ErrorCode = nil
	j.ErrorMessage = nil
	if opts.ErrorCode != "" {
		j.ErrorCode = &opts.ErrorCode
	}
	if opts.ErrorMessage != "" {
		j.ErrorMessage = &opts.ErrorMessage
	}
	j.ResultJSON = nil
	if len(opts.ResultData) > 0 {
		data, err := json.Marshal(opts.ResultData)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal result data: %w", err)
		}
		s := string(data)
		j.ResultJSON = &s
	}
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}

	target, err := e.targetTx(ctx, tx, j.TargetID)
	if err != nil {
		return domain.Job{}, err
	}
	a := domain.Attempt{
		ID:         uuid.New().String(),
		JobID:      j.ID,
		CampaignID: j.CampaignID,
		TargetURL:  target.URL,
		TargetHost: decision.Host(target.URL),
		Platform:   decision.DetectPlatform(target.URL),
		Action:     j.Action,
		Result:     opts.Result,
		CreatedAt:  now,
	}
	if len(opts.ResultData) > 0 {
		a.MetadataJSON = j.ResultJSON
	}
	if err := e.Repo.InsertAttempt(ctx, tx, a); err != nil {
		return domain.Job{}, fmt.Errorf("insert attempt: %w", err)
	}
	if opts.Signals != nil {
		raw := opts.Signals.Raw
		if raw == nil {
			raw = map[string]any{}
		}
		rawJSON, err := json.Marshal(raw)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal signals: %w", err)
		}
		sig := domain.PageSignal{
			ID:              uuid.New().String(),
			AttemptID:       a.ID,
			HasCommentForm:  opts.Signals.HasCommentForm,
			HasLoginForm:    opts.Signals.HasLoginForm,
			HasCaptcha:      opts.Signals.HasCaptcha,
			HasRegistration: opts.Signals.HasRegistration,
			RawJSON:         string(rawJSON),
			CreatedAt:       now,
		}
		if err := e.Repo.InsertPageSignal(ctx, tx, sig); err != nil {
			return domain.Job{}, fmt.Errorf("insert page signal: %w", err)
		}
	}

	if err := e.recomputeCampaign(ctx, tx, j.CampaignID); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.result", j.SiteID, "job", j.ID, opts.ActorID, events.EventPayload{
		"result":     opts.Result,
		"error_code": opts.ErrorCode,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// RetryJob re-queues a failed job. A job's action is never re-decided on
// retry.
func (e Engine) RetryJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobFailed || j.Attempts >= j.MaxAttempts {
		return domain.Job{}, fmt.Errorf("job %s cannot be retried", j.ID)
	}

	now := e.nowRFC3339()
	j.Status = domain.JobQueued
	j.Attempts++
	j.ErrorCode = nil
	j.ErrorMessage = nil
	j.ResultJSON = nil
	j.FinishedAt = nil
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.reopenCampaignIfCompleted(ctx, tx, j.CampaignID); err != nil {
		return domain.Job{}, err
	}
	if err := e.recomputeCampaign(ctx, tx, j.CampaignID); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.retry", j.SiteID, "job", j.ID, actorID, events.EventPayload{
		"attempts": j.Attempts,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SkipJob is an operator override; legal from any state.
func (e Engine) SkipJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	now := e.nowRFC3339()
	j.Status = domain.JobSkipped
	j.UpdatedAt = now
	j.FinishedAt = &now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.recomputeCampaign(ctx, tx, j.CampaignID); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.skip", j.SiteID, "job", j.ID, actorID, nil); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SweepStaleJobs fails locked or running jobs whose last update is older
// than maxAge. A worker that never reports back otherwise parks a job
// forever.
func (e Engine) SweepStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, errors.New("sweep max age must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := e.now().UTC().Add(-maxAge).Format(time.RFC3339)
	stuck, err := e.Repo.ListStuckJobs(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	now := e.nowRFC3339()
	campaigns := map[string]bool{}
	for _, j := range stuck {
		lastUpdate := j.UpdatedAt
		code := StaleErrorCode
		msg := fmt.Sprintf("no worker report since %s", lastUpdate)
		j.Status = domain.JobFailed
		j.ErrorCode = &code
		j.ErrorMessage = &msg
		j.UpdatedAt = now
		j.FinishedAt = &now
		if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
			return 0, err
		}
		campaigns[j.CampaignID] = true
		if err := e.Events.Append(ctx, tx, "job.stale", j.SiteID, "job", j.ID, "sweeper", events.EventPayload{
			"last_update": lastUpdate,
		}); err != nil {
			return 0, err
		}
	}
	for id := range campaigns {
		if err := e.recomputeCampaign(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stuck), nil
}

// recomputeCampaign rebuilds aggregate totals from the jobs table and
// completes the campaign when no live jobs remain.
func (e Engine) recomputeCampaign(ctx context.Context, tx *sql.Tx, campaignID string) error {
	c, err := e.Repo.GetCampaignTx(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	counts, err := e.Repo.CountJobsByStatus(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	targets, err := e.Repo.CountTargets(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if err := e.Repo.UpdateCampaignTotals(ctx, tx, campaignID, targets, total,
		counts[domain.JobSuccess], counts[domain.JobFailed], counts[domain.JobSkipped]); err != nil {
		return err
	}

	live := counts[domain.JobQueued] + counts[domain.JobLocked] + counts[domain.JobRunning]
	if live == 0 && total > 0 &&
		(c.Status == domain.CampaignQueued || c.Status == domain.CampaignRunning) {
		now := e.nowRFC3339()
		return e.Repo.UpdateCampaignStatus(ctx, tx, campaignID, domain.CampaignCompleted, nil, &now)
	}
	return nil
}

// reopenCampaignIfCompleted undoes auto-completion when an operator retries
// a job in a campaign that had already drained.
func (e Engine) reopenCampaignIfCompleted(ctx context.Context, tx *sql.Tx, campaignID string) error {
	c, err := e.Repo.GetCampaignTx(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignCompleted {
		return nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE campaigns SET status=?,finished_at=NULL WHERE id=?`, domain.CampaignQueued, campaignID)
	return err
}

func (e Engine) targetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Target, error) {
	var t domain.Target
	var anchor, dest, keyword sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT id,campaign_id,url,url_hash,source,anchor_text,destination_url,keyword,created_at FROM targets WHERE id=?`, id).
		Scan(&t.ID, &t.CampaignID, &t.URL, &t.URLHash, &t.Source, &anchor, &dest, &keyword, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, repo.ErrNotFound
	}
	return t, err
}

func ensureJobTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.JobQueued:
		if newStatus == domain.JobLocked || newStatus == domain.JobSkipped {
			return nil
		}
	case domain.JobLocked:
		if newStatus == domain.JobRunning || newStatus == domain.JobSkipped {
			return nil
		}
	case domain.JobRunning:
		if newStatus == domain.JobSuccess || newStatus == domain.JobFailed || newStatus == domain.JobSkipped {
			return nil
		}
	case domain.JobFailed:
		if newStatus == domain.JobQueued {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", oldStatus, newStatus)
}
