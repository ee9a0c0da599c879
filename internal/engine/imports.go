package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"linkforge/internal/domain"
	"linkforge/internal/events"
	"linkforge/internal/quota"
	"linkforge/internal/repo"
)

// TargetRow is one candidate target from any import source.
type TargetRow struct {
	URL            string
	AnchorText     string
	DestinationURL string
	Keyword        string
}

// ImportResult reports what an import actually did. Skipped counts rows
// rejected for bad URLs; duplicates are rows already present.
type ImportResult struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// ImportTargets upserts targets keyed by (campaign, url hash). Invalid URLs
// are skipped row by row so a dirty batch never aborts the import. Importing
// the same rows twice yields zero new targets.
func (e Engine) ImportTargets(ctx context.Context, campaignID, source string, rows []TargetRow, actorID string) (ImportResult, error) {
	switch source {
	case domain.SourceManual, domain.SourceCSV, domain.SourceBacklinksRun, domain.SourceInsights:
	default:
		return ImportResult{}, fmt.Errorf("invalid target source %q", source)
	}
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return ImportResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ImportResult{}, err
	}
	defer tx.Rollback()

	var res ImportResult
	now := e.nowRFC3339()
	for _, row := range rows {
		normalized, err := normalizeURL(row.URL)
		if err != nil {
			res.Skipped++
			continue
		}
		t := domain.Target{
			ID:         uuid.New().String(),
			CampaignID: c.ID,
			URL:        normalized,
			URLHash:    repo.HashURL(normalized),
			Source:     source,
			CreatedAt:  now,
		}
		if v := strings.TrimSpace(row.AnchorText); v != "" {
			t.AnchorText = &v
		}
		if v := strings.TrimSpace(row.DestinationURL); v != "" {
			t.DestinationURL = &v
		}
		if v := strings.TrimSpace(row.Keyword); v != "" {
			t.Keyword = &v
		}
		inserted, err := e.Repo.UpsertTarget(ctx, tx, t)
		if err != nil {
			return ImportResult{}, fmt.Errorf("upsert target: %w", err)
		}
		if inserted {
			res.Imported++
		} else {
			res.Duplicates++
		}
	}

	targets, err := e.Repo.CountTargets(ctx, tx, c.ID)
	if err != nil {
		return ImportResult{}, err
	}
	if err := e.Repo.UpdateCampaignTotals(ctx, tx, c.ID, targets, c.JobsTotal, c.JobsSuccess, c.JobsFailed, c.JobsSkipped); err != nil {
		return ImportResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "targets.import", c.SiteID, "campaign", c.ID, actorID, events.EventPayload{
		"source":     source,
		"imported":   res.Imported,
		"duplicates": res.Duplicates,
		"skipped":    res.Skipped,
	}); err != nil {
		return ImportResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

// ImportTargetsCSV parses a CSV body and imports its rows. Column layout:
// url, anchor text, destination link, keyword; only the URL is required.
// A leading header row is tolerated (its URL fails validation and is
// counted as skipped by the importer).
func (e Engine) ImportTargetsCSV(ctx context.Context, campaignID string, body []byte, actorID string) (ImportResult, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	var rows []TargetRow
	malformed := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			// Bulk input is dirty. One broken row is skipped, not fatal.
			malformed++
			continue
		}
		if err != nil {
			return ImportResult{}, fmt.Errorf("parse csv: %w", err)
		}
		row := TargetRow{}
		if len(record) > 0 {
			row.URL = record[0]
		}
		if len(record) > 1 {
			row.AnchorText = record[1]
		}
		if len(record) > 2 {
			row.DestinationURL = record[2]
		}
		if len(record) > 3 {
			row.Keyword = record[3]
		}
		rows = append(rows, row)
	}
	res, err := e.ImportTargets(ctx, campaignID, domain.SourceCSV, rows, actorID)
	if err != nil {
		return res, err
	}
	res.Skipped += malformed
	return res, nil
}

// ImportTargetsFromBacklinkRun seeds a campaign from a prior discovery run.
// The run must belong to the campaign's owner; a foreign run id reads as
// not found rather than revealing that the run exists.
func (e Engine) ImportTargetsFromBacklinkRun(ctx context.Context, campaignID, runID, actorID string) (ImportResult, error) {
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return ImportResult{}, err
	}
	run, err := e.Repo.GetBacklinkRun(ctx, runID)
	if err != nil {
		return ImportResult{}, err
	}
	if run.UserID != c.UserID {
		return ImportResult{}, repo.ErrNotFound
	}
	results, err := e.Repo.ListBacklinkResults(ctx, run.ID)
	if err != nil {
		return ImportResult{}, err
	}
	rows := make([]TargetRow, 0, len(results))
	for _, r := range results {
		row := TargetRow{URL: r.URL}
		if r.AnchorText != nil {
			row.AnchorText = *r.AnchorText
		}
		if r.DestinationURL != nil {
			row.DestinationURL = *r.DestinationURL
		}
		rows = append(rows, row)
	}
	return e.ImportTargets(ctx, campaignID, domain.SourceBacklinksRun, rows, actorID)
}

// RecordBacklinkRun ingests a completed discovery run and its found links.
// One backlinks_per_month unit is consumed per run.
func (e Engine) RecordBacklinkRun(ctx context.Context, siteID string, links []TargetRow, actorID string) (domain.BacklinkRun, error) {
	site, err := e.Repo.GetSite(ctx, siteID)
	if err != nil {
		return domain.BacklinkRun{}, err
	}
	if err := e.Quota.AssertCan(ctx, site.UserID, quota.BacklinkRunsPerMonth, 1); err != nil {
		return domain.BacklinkRun{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BacklinkRun{}, err
	}
	defer tx.Rollback()

	run := domain.BacklinkRun{
		ID:        uuid.New().String(),
		SiteID:    site.ID,
		UserID:    site.UserID,
		Status:    "completed",
		CreatedAt: e.nowRFC3339(),
	}
	var results []domain.BacklinkResult
	for _, link := range links {
		normalized, err := normalizeURL(link.URL)
		if err != nil {
			continue
		}
		br := domain.BacklinkResult{
			ID:    uuid.New().String(),
			RunID: run.ID,
			URL:   normalized,
		}
		if v := strings.TrimSpace(link.AnchorText); v != "" {
			br.AnchorText = &v
		}
		if v := strings.TrimSpace(link.DestinationURL); v != "" {
			br.DestinationURL = &v
		}
		results = append(results, br)
	}
	run.ResultCount = len(results)
	if err := e.Repo.InsertBacklinkRun(ctx, tx, run); err != nil {
		return domain.BacklinkRun{}, fmt.Errorf("insert backlink run: %w", err)
	}
	for _, br := range results {
		if err := e.Repo.InsertBacklinkResult(ctx, tx, br); err != nil {
			return domain.BacklinkRun{}, fmt.Errorf("insert backlink result: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "backlinks.run", run.SiteID, "backlink_run", run.ID, actorID, events.EventPayload{
		"results": run.ResultCount,
	}); err != nil {
		return domain.BacklinkRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BacklinkRun{}, err
	}
	if err := e.Quota.Consume(ctx, run.UserID, quota.BacklinkRunsPerMonth, 1, map[string]any{"run_id": run.ID}); err != nil {
		return run, fmt.Errorf("record backlink usage: %w", err)
	}
	return run, nil
}

// RecordAuditRun ingests a completed site audit. One audits_per_month unit
// per run.
func (e Engine) RecordAuditRun(ctx context.Context, siteID, actorID string) (domain.AuditRun, error) {
	site, err := e.Repo.GetSite(ctx, siteID)
	if err != nil {
		return domain.AuditRun{}, err
	}
	if err := e.Quota.AssertCan(ctx, site.UserID, quota.AuditRunsPerMonth, 1); err != nil {
		return domain.AuditRun{}, err
	}
	run := domain.AuditRun{
		ID:        uuid.New().String(),
		SiteID:    site.ID,
		UserID:    site.UserID,
		Status:    "completed",
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertAuditRun(ctx, run); err != nil {
		return domain.AuditRun{}, fmt.Errorf("insert audit run: %w", err)
	}
	if err := e.Quota.Consume(ctx, run.UserID, quota.AuditRunsPerMonth, 1, map[string]any{"run_id": run.ID}); err != nil {
		return run, fmt.Errorf("record audit usage: %w", err)
	}
	return run, nil
}

// normalizeURL canonicalizes a target URL for dedup: scheme and host
// lowercased, fragment dropped, trailing slash trimmed. Anything that is
// not absolute http(s) with a host is rejected.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}
