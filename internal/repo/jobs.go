package repo

import (
	"context"
	"database/sql"
	"strings"

	"linkforge/internal/domain"
)

const jobCols = `id,campaign_id,target_id,site_id,user_id,action,status,priority,attempts,max_attempts,result_json,error_code,error_message,created_at,updated_at,started_at,finished_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var result, errCode, errMsg, startedAt, finishedAt sql.NullString
	err := scan(&j.ID, &j.CampaignID, &j.TargetID, &j.SiteID, &j.UserID, &j.Action, &j.Status,
		&j.Priority, &j.Attempts, &j.MaxAttempts,
		&result, &errCode, &errMsg, &j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.ResultJSON = ptrOf(result)
	j.ErrorCode = ptrOf(errCode)
	j.ErrorMessage = ptrOf(errMsg)
	j.StartedAt = ptrOf(startedAt)
	j.FinishedAt = ptrOf(finishedAt)
	return j, err
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.CampaignID, j.TargetID, j.SiteID, j.UserID, j.Action, j.Status,
		j.Priority, j.Attempts, j.MaxAttempts,
		nullablePtr(j.ResultJSON), nullablePtr(j.ErrorCode), nullablePtr(j.ErrorMessage),
		j.CreatedAt, j.UpdatedAt, nullablePtr(j.StartedAt), nullablePtr(j.FinishedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// UpdateJob persists the mutable job fields. Status transitions are guarded
// upstream in the engine, never here.
func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?,attempts=?,result_json=?,error_code=?,error_message=?,updated_at=?,started_at=?,finished_at=? WHERE id=?`,
		j.Status, j.Attempts,
		nullablePtr(j.ResultJSON), nullablePtr(j.ErrorCode), nullablePtr(j.ErrorMessage),
		j.UpdatedAt, nullablePtr(j.StartedAt), nullablePtr(j.FinishedAt), j.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// JobFilter narrows ListJobs. Zero values mean "no filter".
type JobFilter struct {
	SiteID     string
	CampaignID string
	Status     string
	Limit      int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	if f.SiteID != "" {
		conds = append(conds, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.CampaignID != "" {
		conds = append(conds, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + jobCols + ` FROM jobs`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at,id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// NextQueuedJob returns the oldest highest-priority queued job for a site.
// Lower priority value sorts first. Jobs whose campaign is paused stay in
// the queue but are never handed out, and must not block other campaigns.
func (r Repo) NextQueuedJob(ctx context.Context, tx *sql.Tx, siteID string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE site_id=? AND status=?
		   AND campaign_id NOT IN (SELECT id FROM campaigns WHERE status=?)
		 ORDER BY priority,created_at,id LIMIT 1`,
		siteID, domain.JobQueued, domain.CampaignPaused)
	return scanJob(row.Scan)
}

// CountJobsByStatus returns campaign job counts keyed by status.
func (r Repo) CountJobsByStatus(ctx context.Context, tx *sql.Tx, campaignID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status,COUNT(*) FROM jobs WHERE campaign_id=? GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListStuckJobs returns locked or running jobs last touched before the
// cutoff, oldest first.
func (r Repo) ListStuckJobs(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status IN (?,?) AND updated_at < ? ORDER BY updated_at,id`,
		domain.JobLocked, domain.JobRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
