package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"linkforge/internal/config"
	"linkforge/internal/db"
	"linkforge/internal/domain"
	"linkforge/internal/engine"
	"linkforge/internal/migrate"
	"linkforge/internal/quota"
	"linkforge/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Site   domain.Site
	Now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	eng.Quota.Now = eng.Now
	eng.Events.Now = eng.Now
	ctx := context.Background()
	site, err := eng.CreateSite(ctx, "user-1", "myshop.example")
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Site: site, Now: &now}
}

func (env testEnv) advance(d time.Duration) {
	*env.Now = env.Now.Add(d)
}

func (env testEnv) createCampaign(t *testing.T, actions []string, maxRetries int) domain.Campaign {
	t.Helper()
	c, err := env.Engine.CreateCampaign(env.Ctx, engine.CampaignCreateOptions{
		SiteID:         env.Site.ID,
		UserID:         "user-1",
		Name:           "grow links",
		AllowedActions: actions,
		MaxRetries:     maxRetries,
		ActorID:        "user-1",
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func (env testEnv) importURLs(t *testing.T, campaignID string, urls ...string) engine.ImportResult {
	t.Helper()
	rows := make([]engine.TargetRow, 0, len(urls))
	for _, u := range urls {
		rows = append(rows, engine.TargetRow{URL: u})
	}
	res, err := env.Engine.ImportTargets(env.Ctx, campaignID, domain.SourceManual, rows, "user-1")
	if err != nil {
		t.Fatalf("import targets: %v", err)
	}
	return res
}

func TestCampaignLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, nil, 1)
	if c.Status != domain.CampaignDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}

	// pause from draft is illegal
	if _, err := env.Engine.PauseCampaign(env.Ctx, c.ID, "user-1"); err == nil {
		t.Fatalf("expected transition error pausing a draft")
	}

	env.importURLs(t, c.ID, "https://forum.example.com/threads/hello")
	c2, created, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c2.Status != domain.CampaignQueued || created != 1 {
		t.Fatalf("expected queued with 1 job, got %s/%d", c2.Status, created)
	}
	if c2.StartedAt == nil {
		t.Fatalf("started_at not stamped")
	}

	// a campaign cannot be started twice
	if _, _, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1"); err == nil {
		t.Fatalf("expected error starting a queued campaign")
	}

	if _, err := env.Engine.PauseCampaign(env.Ctx, c.ID, "user-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.Engine.ResumeCampaign(env.Ctx, c.ID, "user-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	stopped, err := env.Engine.StopCampaign(env.Ctx, c.ID, "user-1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.CampaignCompleted || stopped.FinishedAt == nil {
		t.Fatalf("expected completed with finished_at, got %+v", stopped)
	}
	// completed is terminal
	if _, err := env.Engine.ResumeCampaign(env.Ctx, c.ID, "user-1"); err == nil {
		t.Fatalf("expected error resuming a completed campaign")
	}
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, nil, 1)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, env.Site.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatalf("no events recorded")
	}
	for _, evt := range evts {
		if evt.TS != "2024-03-10T12:00:00Z" {
			t.Fatalf("event %s stamped %s, not the engine clock", evt.Type, evt.TS)
		}
	}
}

func TestStartFromPausedRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, nil, 1)
	env.importURLs(t, c.ID,
		"https://forum.example.com/threads/one",
		"https://example.com/blog/two")
	if _, created, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1"); err != nil || created != 2 {
		t.Fatalf("start: created=%d err=%v", created, err)
	}
	if _, err := env.Engine.PauseCampaign(env.Ctx, c.ID, "user-1"); err != nil {
		t.Fatal(err)
	}

	// paused campaigns resume, they do not start again
	if _, _, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1"); err == nil {
		t.Fatalf("expected error starting a paused campaign")
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilter{CampaignID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("rejected start duplicated jobs: %d", len(jobs))
	}
	report, err := env.Engine.Quota.Report(env.Ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range report {
		if row.Metric == string(quota.JobsPerMonth) && row.Used != 2 {
			t.Fatalf("rejected start double-consumed quota: %+v", row)
		}
	}
}

func TestStartRequiresTargets(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, nil, 1)
	if _, _, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1"); err == nil {
		t.Fatalf("expected error starting a campaign with no targets")
	}
	got, err := env.Engine.Repo.GetCampaign(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CampaignDraft {
		t.Fatalf("failed start must leave campaign in draft, got %s", got.Status)
	}
}

func TestIdempotentImport(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, nil, 1)
	urls := []string{
		"https://example.com/blog/post-1",
		"https://example.com/blog/post-2",
		"not-a-url",
		"ftp://example.com/blog/post-3",
	}
	res := env.importURLs(t, c.ID, urls...)
	if res.Imported != 2 || res.Skipped != 2 || res.Duplicates != 0 {
		t.Fatalf("first import: %+v", res)
	}
	// exact re-import creates nothing new
	res = env.importURLs(t, c.ID, urls...)
	if res.Imported != 0 || res.Duplicates != 2 {
		t.Fatalf("second import: %+v", res)
	}
	// trailing slash and fragment normalize to the same target
	res = env.importURLs(t, c.ID, "https://EXAMPLE.com/blog/post-1/#comments")
	if res.Imported != 0 || res.Duplicates != 1 {
		t.Fatalf("normalized duplicate import: %+v", res)
	}
	targets, err := env.Engine.Repo.ListTargets(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
}

func TestImportCSV(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, nil, 1)
	body := []byte("url,anchor,destination,keyword\n" +
		"https://example.com/blog/a,best shop,https://myshop.example,widgets\n" +
		"https://example.com/blog/broken,an\"chor\n" +
		"https://example.com/blog/b\n" +
		"garbage-row\n")
	res, err := env.Engine.ImportTargetsCSV(env.Ctx, c.ID, body, "user-1")
	if err != nil {
		t.Fatalf("csv import: %v", err)
	}
	// header row and the bare-quote row count as skipped; rows after the
	// malformed one still import
	if res.Imported != 2 || res.Skipped != 3 {
		t.Fatalf("csv import result: %+v", res)
	}
	targets, err := env.Engine.Repo.ListTargets(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	var withAnchor int
	for _, tgt := range targets {
		if tgt.AnchorText != nil && *tgt.AnchorText == "best shop" {
			withAnchor++
			if tgt.Keyword == nil || *tgt.Keyword != "widgets" {
				t.Fatalf("keyword not carried: %+v", tgt)
			}
		}
	}
	if withAnchor != 1 {
		t.Fatalf("expected 1 target with anchor text, got %d", withAnchor)
	}
}

func TestStartCreatesJobsPerDecision(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, []string{domain.ActionComment, domain.ActionProfile}, 1)
	env.importURLs(t, c.ID,
		"https://forum.example.com/threads/hello", // forum: disallowed, skipped
		"https://example.com/blog/nice-post",      // comment: allowed
		"https://example.com/about",               // unrecognized, skipped
	)
	c2, created, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected exactly 1 job, got %d", created)
	}
	if c2.TotalTargets != 3 || c2.JobsTotal != 1 {
		t.Fatalf("totals: %+v", c2)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilter{CampaignID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	j := jobs[0]
	if j.Action != domain.ActionComment || j.Status != domain.JobQueued || j.Priority != 5 || j.MaxAttempts != 1 {
		t.Fatalf("unexpected job: %+v", j)
	}
	if j.SiteID != env.Site.ID || j.UserID != "user-1" {
		t.Fatalf("job denormalization wrong: %+v", j)
	}
}

func TestStartAtomicOnPersistenceFault(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, nil, 1)
	env.importURLs(t, c.ID, "https://example.com/blog/a", "https://example.com/blog/b")

	// Break job persistence mid-transaction; the whole start must roll back.
	if _, err := env.Engine.DB.Exec(`ALTER TABLE jobs RENAME TO jobs_backup`); err != nil {
		t.Fatalf("rename jobs: %v", err)
	}
	if _, _, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1"); err == nil {
		t.Fatalf("expected start to fail")
	}
	if _, err := env.Engine.DB.Exec(`ALTER TABLE jobs_backup RENAME TO jobs`); err != nil {
		t.Fatalf("restore jobs: %v", err)
	}

	got, err := env.Engine.Repo.GetCampaign(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CampaignDraft || got.StartedAt != nil {
		t.Fatalf("failed start mutated campaign: %+v", got)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilter{CampaignID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs after rollback, got %d", len(jobs))
	}
	// nothing was committed, so nothing may be metered
	report, err := env.Engine.Quota.Report(env.Ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range report {
		if row.Metric == string(quota.JobsPerMonth) && row.Used != 0 {
			t.Fatalf("usage recorded for aborted start: %+v", row)
		}
	}
}

func TestCampaignQuotaLimit(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Quota.Plans = map[string]config.Plan{
		"free": {Limits: map[string]int{
			string(quota.CampaignsPerMonth):    2,
			string(quota.JobsPerMonth):         100,
			string(quota.JobsPerDay):           100,
			string(quota.AuditRunsPerMonth):    1,
			string(quota.BacklinkRunsPerMonth): 1,
		}},
	}
	env.createCampaign(t, nil, 1)
	env.createCampaign(t, nil, 1)
	_, err := env.Engine.CreateCampaign(env.Ctx, engine.CampaignCreateOptions{
		SiteID: env.Site.ID, UserID: "user-1", Name: "third", ActorID: "user-1",
	})
	var qe quota.ExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if qe.Metric != quota.CampaignsPerMonth || qe.Limit != 2 || qe.Used != 2 {
		t.Fatalf("unexpected quota error: %+v", qe)
	}
}

func TestJobQuotaBoundaryAndLedgerTruth(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Quota.Plans = map[string]config.Plan{
		"free": {Limits: map[string]int{
			string(quota.CampaignsPerMonth):    config.Unlimited,
			string(quota.JobsPerMonth):         5,
			string(quota.JobsPerDay):           config.Unlimited,
			string(quota.AuditRunsPerMonth):    1,
			string(quota.BacklinkRunsPerMonth): 1,
		}},
	}

	// 5 targets, but only 4 decidable: the pre-check reserves 5, the ledger
	// records the 4 jobs actually created.
	c := env.createCampaign(t, nil, 1)
	env.importURLs(t, c.ID,
		"https://example.com/blog/a",
		"https://example.com/blog/b",
		"https://forum.example.com/threads/c",
		"https://example.com/users/d",
		"https://example.com/nothing",
	)
	_, created, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if created != 4 {
		t.Fatalf("expected 4 jobs, got %d", created)
	}
	report, err := env.Engine.Quota.Report(env.Ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range report {
		if row.Metric == string(quota.JobsPerMonth) && row.Used != 4 {
			t.Fatalf("ledger should hold 4 units, got %d", row.Used)
		}
	}

	// 4 used of 5: a 2-target start must fail the pre-check outright.
	c2 := env.createCampaign(t, nil, 1)
	env.importURLs(t, c2.ID, "https://example.com/blog/x", "https://example.com/blog/y")
	_, _, err = env.Engine.StartCampaign(env.Ctx, c2.ID, "user-1")
	var qe quota.ExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error, got %v", err)
	}
	jobs, _ := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilter{CampaignID: c2.ID})
	if len(jobs) != 0 {
		t.Fatalf("aborted start created jobs: %d", len(jobs))
	}

	// a 1-target start still fits
	c3 := env.createCampaign(t, nil, 1)
	env.importURLs(t, c3.ID, "https://example.com/blog/z")
	if _, created, err = env.Engine.StartCampaign(env.Ctx, c3.ID, "user-1"); err != nil || created != 1 {
		t.Fatalf("boundary start: %v (%d)", err, created)
	}
}

func startSingleJobCampaign(t *testing.T, env testEnv, maxRetries int) domain.Job {
	t.Helper()
	c := env.createCampaign(t, nil, maxRetries)
	env.importURLs(t, c.ID, "https://example.com/blog/solo")
	if _, _, err := env.Engine.StartCampaign(env.Ctx, c.ID, "user-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilter{CampaignID: c.ID})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected 1 job: %v", err)
	}
	return jobs[0]
}

func TestClaimAndReportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	j := startSingleJobCampaign(t, env, 1)

	claimed, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != j.ID || claimed.Status != domain.JobRunning || claimed.StartedAt == nil {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	c, _ := env.Engine.Repo.GetCampaign(env.Ctx, j.CampaignID)
	if c.Status != domain.CampaignRunning {
		t.Fatalf("campaign should be running after first claim, got %s", c.Status)
	}

	// nothing else to claim
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no job, got %v", err)
	}

	done, err := env.Engine.ReportJobResult(env.Ctx, engine.JobResultOptions{
		JobID:      j.ID,
		Result:     domain.JobSuccess,
		ResultData: map[string]any{"posted_url": "https://example.com/blog/solo#comment-9"},
		Signals: &engine.SignalPayload{
			HasCommentForm: true,
			HasCaptcha:     true,
			Raw:            map[string]any{"forms": 2},
		},
		ActorID: "agent-7",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if done.Status != domain.JobSuccess || done.FinishedAt == nil || done.ResultJSON == nil {
		t.Fatalf("unexpected job after report: %+v", done)
	}

	attempts, err := env.Engine.Repo.ListAttemptsByJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.Result != domain.JobSuccess || a.TargetHost != "example.com" || a.Platform != "generic-blog" || a.Action != domain.ActionComment {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	sig, err := env.Engine.Repo.GetPageSignalByAttempt(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("expected a page signal: %v", err)
	}
	if !sig.HasCommentForm || !sig.HasCaptcha || sig.HasLoginForm {
		t.Fatalf("unexpected signal: %+v", sig)
	}

	// sole job finished: campaign auto-completes with recomputed totals
	c, _ = env.Engine.Repo.GetCampaign(env.Ctx, j.CampaignID)
	if c.Status != domain.CampaignCompleted || c.JobsSuccess != 1 || c.FinishedAt == nil {
		t.Fatalf("campaign not completed: %+v", c)
	}
}

func TestReportWithoutClaimRejected(t *testing.T) {
	env := newTestEnv(t)
	j := startSingleJobCampaign(t, env, 1)

	// results only follow a claim
	_, err := env.Engine.ReportJobResult(env.Ctx, engine.JobResultOptions{
		JobID: j.ID, Result: domain.JobSuccess, ActorID: "agent-7",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict reporting an unclaimed job, got %v", err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobQueued {
		t.Fatalf("unclaimed job mutated by rejected report: %s", got.Status)
	}
	attempts, _ := env.Engine.Repo.ListAttemptsByJob(env.Ctx, j.ID)
	if len(attempts) != 0 {
		t.Fatalf("rejected report recorded attempts: %d", len(attempts))
	}
}

func TestDuplicateResultReportRejected(t *testing.T) {
	env := newTestEnv(t)
	j := startSingleJobCampaign(t, env, 1)
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); err != nil {
		t.Fatal(err)
	}
	report := engine.JobResultOptions{JobID: j.ID, Result: domain.JobSuccess, ActorID: "agent-7"}
	if _, err := env.Engine.ReportJobResult(env.Ctx, report); err != nil {
		t.Fatalf("first report: %v", err)
	}
	_, err := env.Engine.ReportJobResult(env.Ctx, report)
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict on duplicate report, got %v", err)
	}
	// no double counting
	attempts, _ := env.Engine.Repo.ListAttemptsByJob(env.Ctx, j.ID)
	if len(attempts) != 1 {
		t.Fatalf("duplicate report created attempts: %d", len(attempts))
	}
	c, _ := env.Engine.Repo.GetCampaign(env.Ctx, j.CampaignID)
	if c.JobsSuccess != 1 || c.JobsTotal != 1 {
		t.Fatalf("totals double counted: %+v", c)
	}
}

func TestRetryBound(t *testing.T) {
	env := newTestEnv(t)
	j := startSingleJobCampaign(t, env, 2)

	failOnce := func() {
		t.Helper()
		if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := env.Engine.ReportJobResult(env.Ctx, engine.JobResultOptions{
			JobID: j.ID, Result: domain.JobFailed, ErrorCode: "captcha", ErrorMessage: "blocked", ActorID: "agent-7",
		}); err != nil {
			t.Fatalf("report failed: %v", err)
		}
	}

	failOnce()
	retried, err := env.Engine.RetryJob(env.Ctx, j.ID, "user-1")
	if err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if retried.Status != domain.JobQueued || retried.Attempts != 1 || retried.ErrorCode != nil || retried.FinishedAt != nil {
		t.Fatalf("retry must reset the job: %+v", retried)
	}
	// action is decided once, never re-decided
	if retried.Action != j.Action {
		t.Fatalf("retry changed action: %s -> %s", j.Action, retried.Action)
	}

	failOnce()
	if retried, err = env.Engine.RetryJob(env.Ctx, j.ID, "user-1"); err != nil || retried.Attempts != 2 {
		t.Fatalf("second retry: %v", err)
	}

	failOnce()
	if _, err := env.Engine.RetryJob(env.Ctx, j.ID, "user-1"); err == nil {
		t.Fatalf("third retry must be rejected")
	}

	// retrying a successful job is also illegal
	env2 := newTestEnv(t)
	j2 := startSingleJobCampaign(t, env2, 2)
	if _, err := env2.Engine.ClaimNextJob(env2.Ctx, env2.Site.ID, "agent-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := env2.Engine.ReportJobResult(env2.Ctx, engine.JobResultOptions{JobID: j2.ID, Result: domain.JobSuccess, ActorID: "agent-7"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env2.Engine.RetryJob(env2.Ctx, j2.ID, "user-1"); err == nil {
		t.Fatalf("retry of a successful job must be rejected")
	}
}

func TestSkipJob(t *testing.T) {
	env := newTestEnv(t)
	j := startSingleJobCampaign(t, env, 1)
	skipped, err := env.Engine.SkipJob(env.Ctx, j.ID, "user-1")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.Status != domain.JobSkipped || skipped.FinishedAt == nil {
		t.Fatalf("unexpected skip: %+v", skipped)
	}
	c, _ := env.Engine.Repo.GetCampaign(env.Ctx, j.CampaignID)
	if c.JobsSkipped != 1 || c.Status != domain.CampaignCompleted {
		t.Fatalf("totals after skip: %+v", c)
	}
}

func TestPausedCampaignClaimsNothing(t *testing.T) {
	env := newTestEnv(t)
	j := startSingleJobCampaign(t, env, 1)
	if _, err := env.Engine.PauseCampaign(env.Ctx, j.CampaignID, "user-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("paused campaign handed out a job: %v", err)
	}
	if _, err := env.Engine.ResumeCampaign(env.Ctx, j.CampaignID, "user-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); err != nil {
		t.Fatalf("claim after resume: %v", err)
	}
}

func TestPausedCampaignDoesNotStarveOthers(t *testing.T) {
	env := newTestEnv(t)
	first := startSingleJobCampaign(t, env, 1)
	if _, err := env.Engine.PauseCampaign(env.Ctx, first.CampaignID, "user-1"); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	second := startSingleJobCampaign(t, env, 1)

	// first's job sorts ahead of second's, but its paused campaign must
	// not block the rest of the site's queue
	claimed, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.CampaignID != second.CampaignID {
		t.Fatalf("claimed from campaign %s, want %s", claimed.CampaignID, second.CampaignID)
	}
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("paused campaign handed out a job: %v", err)
	}
	if _, err := env.Engine.ResumeCampaign(env.Ctx, first.CampaignID, "user-1"); err != nil {
		t.Fatal(err)
	}
	claimed, err = env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7")
	if err != nil {
		t.Fatalf("claim after resume: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("expected first campaign's job after resume, got %s", claimed.ID)
	}
}

func TestSweepStaleJobs(t *testing.T) {
	env := newTestEnv(t)
	stale := startSingleJobCampaign(t, env, 1)
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); err != nil {
		t.Fatal(err)
	}

	// three hours later a second job is claimed; only the first is stale
	env.advance(3 * time.Hour)
	fresh := startSingleJobCampaign(t, env, 1)
	if _, err := env.Engine.ClaimNextJob(env.Ctx, env.Site.ID, "agent-7"); err != nil {
		t.Fatal(err)
	}

	n, err := env.Engine.SweepStaleJobs(env.Ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept job, got %d", n)
	}
	got, _ := env.Engine.Repo.GetJob(env.Ctx, stale.ID)
	if got.Status != domain.JobFailed || got.ErrorCode == nil || *got.ErrorCode != engine.StaleErrorCode {
		t.Fatalf("stale job not failed: %+v", got)
	}
	c, _ := env.Engine.Repo.GetCampaign(env.Ctx, stale.CampaignID)
	if c.Status != domain.CampaignCompleted || c.JobsFailed != 1 {
		t.Fatalf("stale campaign totals: %+v", c)
	}
	untouched, _ := env.Engine.Repo.GetJob(env.Ctx, fresh.ID)
	if untouched.Status != domain.JobRunning {
		t.Fatalf("fresh job swept: %+v", untouched)
	}
}

func TestBacklinkRunFeedsCampaign(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RecordBacklinkRun(env.Ctx, env.Site.ID, []engine.TargetRow{
		{URL: "https://example.com/blog/found-1", AnchorText: "shop"},
		{URL: "https://example.com/blog/found-2"},
		{URL: "garbage"},
	}, "user-1")
	if err != nil {
		t.Fatalf("record run: %v", err)
	}
	if run.ResultCount != 2 {
		t.Fatalf("expected 2 results, got %d", run.ResultCount)
	}

	c := env.createCampaign(t, nil, 1)
	res, err := env.Engine.ImportTargetsFromBacklinkRun(env.Ctx, c.ID, run.ID, "user-1")
	if err != nil {
		t.Fatalf("import from run: %v", err)
	}
	if res.Imported != 2 {
		t.Fatalf("expected 2 imported, got %+v", res)
	}
	targets, _ := env.Engine.Repo.ListTargets(env.Ctx, c.ID)
	for _, tgt := range targets {
		if tgt.Source != domain.SourceBacklinksRun {
			t.Fatalf("wrong source: %+v", tgt)
		}
	}

	// the run itself is metered
	env.Engine.Quota.Plans = map[string]config.Plan{
		"free": {Limits: map[string]int{string(quota.BacklinkRunsPerMonth): 1}},
	}
	_, err = env.Engine.RecordBacklinkRun(env.Ctx, env.Site.ID, nil, "user-1")
	var qe quota.ExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error on second run, got %v", err)
	}
}

func TestBacklinkRunImportForeignRunHidden(t *testing.T) {
	env := newTestEnv(t)
	otherSite, err := env.Engine.CreateSite(env.Ctx, "user-2", "rival.example")
	if err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.RecordBacklinkRun(env.Ctx, otherSite.ID, []engine.TargetRow{
		{URL: "https://example.com/blog/found-1"},
	}, "user-2")
	if err != nil {
		t.Fatal(err)
	}

	// a leaked run id from another account reads as not found
	c := env.createCampaign(t, nil, 1)
	if _, err := env.Engine.ImportTargetsFromBacklinkRun(env.Ctx, c.ID, run.ID, "user-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found importing a foreign run, got %v", err)
	}
	targets, _ := env.Engine.Repo.ListTargets(env.Ctx, c.ID)
	if len(targets) != 0 {
		t.Fatalf("foreign run leaked %d targets", len(targets))
	}
}
