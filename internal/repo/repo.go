package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"linkforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func ptrOf(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// HashURL returns the canonical dedup key for a target URL: SHA-256 hex of
// the trimmed URL with any trailing slash removed and the scheme+host
// lowercased by the caller's normalizer.
func HashURL(normalized string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(normalized)))
	return hex.EncodeToString(sum[:])
}

// ---- sites ----

func (r Repo) InsertSite(ctx context.Context, s domain.Site) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sites(id,user_id,host,created_at) VALUES (?,?,?,?)`,
		s.ID, s.UserID, s.Host, s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	var s domain.Site
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,host,created_at FROM sites WHERE id=?`, id).
		Scan(&s.ID, &s.UserID, &s.Host, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSitesByUser(ctx context.Context, userID string) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,host,created_at FROM sites WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.UserID, &s.Host, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ---- campaigns ----

const campaignCols = `id,site_id,user_id,name,status,allowed_actions_json,execution_mode,max_retries,total_targets,jobs_total,jobs_success,jobs_failed,jobs_skipped,created_at,started_at,finished_at`

func scanCampaign(scan func(dest ...any) error) (domain.Campaign, error) {
	var c domain.Campaign
	var startedAt, finishedAt sql.NullString
	err := scan(&c.ID, &c.SiteID, &c.UserID, &c.Name, &c.Status, &c.AllowedActionsJSON,
		&c.ExecutionMode, &c.MaxRetries, &c.TotalTargets,
		&c.JobsTotal, &c.JobsSuccess, &c.JobsFailed, &c.JobsSkipped,
		&c.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.StartedAt = ptrOf(startedAt)
	c.FinishedAt = ptrOf(finishedAt)
	return c, err
}

func (r Repo) InsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO campaigns(`+campaignCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SiteID, c.UserID, c.Name, c.Status, c.AllowedActionsJSON,
		c.ExecutionMode, c.MaxRetries, c.TotalTargets,
		c.JobsTotal, c.JobsSuccess, c.JobsFailed, c.JobsSkipped,
		c.CreatedAt, nullablePtr(c.StartedAt), nullablePtr(c.FinishedAt))
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=?`, id)
	return scanCampaign(row.Scan)
}

func (r Repo) GetCampaignTx(ctx context.Context, tx *sql.Tx, id string) (domain.Campaign, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=?`, id)
	return scanCampaign(row.Scan)
}

func (r Repo) ListCampaignsBySite(ctx context.Context, siteID string) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE site_id=? ORDER BY created_at DESC`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCampaignStatus changes status and optionally stamps started/finished.
func (r Repo) UpdateCampaignStatus(ctx context.Context, tx *sql.Tx, id, status string, startedAt, finishedAt *string) error {
	fields := []string{"status=?"}
	args := []any{status}
	if startedAt != nil {
		fields = append(fields, "started_at=?")
		args = append(args, *startedAt)
	}
	if finishedAt != nil {
		fields = append(fields, "finished_at=?")
		args = append(args, *finishedAt)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE campaigns SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateCampaignTotals(ctx context.Context, tx *sql.Tx, id string, totalTargets, jobsTotal, jobsSuccess, jobsFailed, jobsSkipped int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET total_targets=?,jobs_total=?,jobs_success=?,jobs_failed=?,jobs_skipped=? WHERE id=?`,
		totalTargets, jobsTotal, jobsSuccess, jobsFailed, jobsSkipped, id)
	return err
}

// ---- targets ----

const targetCols = `id,campaign_id,url,url_hash,source,anchor_text,destination_url,keyword,created_at`

func scanTarget(scan func(dest ...any) error) (domain.Target, error) {
	var t domain.Target
	var anchor, dest, keyword sql.NullString
	err := scan(&t.ID, &t.CampaignID, &t.URL, &t.URLHash, &t.Source, &anchor, &dest, &keyword, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.AnchorText = ptrOf(anchor)
	t.DestinationURL = ptrOf(dest)
	t.Keyword = ptrOf(keyword)
	return t, err
}

// UpsertTarget inserts a target unless one with the same (campaign, url hash)
// already exists. Returns whether a row was actually created, so importers
// can report imported vs deduplicated counts.
func (r Repo) UpsertTarget(ctx context.Context, tx *sql.Tx, t domain.Target) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO targets(`+targetCols+`) VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(campaign_id,url_hash) DO NOTHING`,
		t.ID, t.CampaignID, t.URL, t.URLHash, t.Source,
		nullablePtr(t.AnchorText), nullablePtr(t.DestinationURL), nullablePtr(t.Keyword), t.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) GetTarget(ctx context.Context, id string) (domain.Target, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id=?`, id)
	return scanTarget(row.Scan)
}

func (r Repo) ListTargets(ctx context.Context, campaignID string) ([]domain.Target, error) {
	return r.listTargets(ctx, r.DB.QueryContext, campaignID)
}

func (r Repo) ListTargetsTx(ctx context.Context, tx *sql.Tx, campaignID string) ([]domain.Target, error) {
	return r.listTargets(ctx, tx.QueryContext, campaignID)
}

func (r Repo) listTargets(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), campaignID string) ([]domain.Target, error) {
	rows, err := query(ctx, `SELECT `+targetCols+` FROM targets WHERE campaign_id=? ORDER BY created_at,id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTargets(ctx context.Context, tx *sql.Tx, campaignID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE campaign_id=?`, campaignID).Scan(&n)
	return n, err
}
