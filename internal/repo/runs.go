package repo

import (
	"context"
	"database/sql"

	"linkforge/internal/domain"
)

// ---- backlink discovery runs ----

func (r Repo) InsertBacklinkRun(ctx context.Context, tx *sql.Tx, run domain.BacklinkRun) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO backlink_runs(id,site_id,user_id,status,result_count,created_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.SiteID, run.UserID, run.Status, run.ResultCount, run.CreatedAt)
	return err
}

func (r Repo) InsertBacklinkResult(ctx context.Context, tx *sql.Tx, res domain.BacklinkResult) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO backlink_results(id,run_id,url,anchor_text,destination_url) VALUES (?,?,?,?,?)`,
		res.ID, res.RunID, res.URL, nullablePtr(res.AnchorText), nullablePtr(res.DestinationURL))
	return err
}

func (r Repo) GetBacklinkRun(ctx context.Context, id string) (domain.BacklinkRun, error) {
	var run domain.BacklinkRun
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,site_id,user_id,status,result_count,created_at FROM backlink_runs WHERE id=?`, id).
		Scan(&run.ID, &run.SiteID, &run.UserID, &run.Status, &run.ResultCount, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListBacklinkRuns(ctx context.Context, siteID string) ([]domain.BacklinkRun, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,site_id,user_id,status,result_count,created_at FROM backlink_runs WHERE site_id=? ORDER BY created_at DESC`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BacklinkRun
	for rows.Next() {
		var run domain.BacklinkRun
		if err := rows.Scan(&run.ID, &run.SiteID, &run.UserID, &run.Status, &run.ResultCount, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListBacklinkResults(ctx context.Context, runID string) ([]domain.BacklinkResult, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,run_id,url,anchor_text,destination_url FROM backlink_results WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BacklinkResult
	for rows.Next() {
		var br domain.BacklinkResult
		var anchor, dest sql.NullString
		if err := rows.Scan(&br.ID, &br.RunID, &br.URL, &anchor, &dest); err != nil {
			return nil, err
		}
		br.AnchorText = ptrOf(anchor)
		br.DestinationURL = ptrOf(dest)
		res = append(res, br)
	}
	return res, rows.Err()
}

// ---- audit runs ----

func (r Repo) InsertAuditRun(ctx context.Context, run domain.AuditRun) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_runs(id,site_id,user_id,status,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.SiteID, run.UserID, run.Status, run.CreatedAt)
	return err
}

func (r Repo) ListAuditRuns(ctx context.Context, siteID string) ([]domain.AuditRun, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,site_id,user_id,status,created_at FROM audit_runs WHERE site_id=? ORDER BY created_at DESC`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRun
	for rows.Next() {
		var run domain.AuditRun
		if err := rows.Scan(&run.ID, &run.SiteID, &run.UserID, &run.Status, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
