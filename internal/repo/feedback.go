package repo

import (
	"context"
	"database/sql"

	"linkforge/internal/domain"
)

// Attempts and page signals are the learning feedback trail. Insert-only;
// there are deliberately no update or delete queries for these tables.

func (r Repo) InsertAttempt(ctx context.Context, tx *sql.Tx, a domain.Attempt) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO attempts(id,job_id,campaign_id,target_url,target_host,platform,action,result,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.JobID, a.CampaignID, a.TargetURL, a.TargetHost, a.Platform, a.Action, a.Result,
		nullablePtr(a.MetadataJSON), a.CreatedAt)
	return err
}

func (r Repo) InsertPageSignal(ctx context.Context, tx *sql.Tx, s domain.PageSignal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO page_signals(id,attempt_id,has_comment_form,has_login_form,has_captcha,has_registration,raw_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.AttemptID, boolInt(s.HasCommentForm), boolInt(s.HasLoginForm), boolInt(s.HasCaptcha), boolInt(s.HasRegistration), s.RawJSON, s.CreatedAt)
	return err
}

func (r Repo) ListAttemptsByJob(ctx context.Context, jobID string) ([]domain.Attempt, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,job_id,campaign_id,target_url,target_host,platform,action,result,metadata_json,created_at FROM attempts WHERE job_id=? ORDER BY created_at,id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.JobID, &a.CampaignID, &a.TargetURL, &a.TargetHost, &a.Platform, &a.Action, &a.Result, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.MetadataJSON = ptrOf(meta)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAttemptsByCampaign(ctx context.Context, campaignID string) ([]domain.Attempt, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,job_id,campaign_id,target_url,target_host,platform,action,result,metadata_json,created_at FROM attempts WHERE campaign_id=? ORDER BY created_at,id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.JobID, &a.CampaignID, &a.TargetURL, &a.TargetHost, &a.Platform, &a.Action, &a.Result, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.MetadataJSON = ptrOf(meta)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetPageSignalByAttempt(ctx context.Context, attemptID string) (domain.PageSignal, error) {
	var s domain.PageSignal
	var cf, lf, cap, reg int
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,attempt_id,has_comment_form,has_login_form,has_captcha,has_registration,raw_json,created_at FROM page_signals WHERE attempt_id=?`, attemptID).
		Scan(&s.ID, &s.AttemptID, &cf, &lf, &cap, &reg, &s.RawJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.HasCommentForm = cf != 0
	s.HasLoginForm = lf != 0
	s.HasCaptcha = cap != 0
	s.HasRegistration = reg != 0
	return s, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
