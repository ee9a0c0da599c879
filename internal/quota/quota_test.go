package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkforge/internal/config"
	"linkforge/internal/db"
	"linkforge/internal/domain"
	"linkforge/internal/migrate"
	"linkforge/internal/repo"
)

func newTestService(t *testing.T, now time.Time) (*Service, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := now
	svc := New(repo.Repo{DB: conn}, config.Default())
	svc.Now = func() time.Time { return clock }
	return svc, &clock
}

func subscribe(t *testing.T, svc *Service, userID, plan string, periodStart time.Time) {
	t.Helper()
	err := svc.Repo.InsertSubscription(context.Background(), domain.Subscription{
		ID:          uuid.New().String(),
		UserID:      userID,
		Plan:        plan,
		Status:      "active",
		PeriodStart: periodStart.Format(time.RFC3339),
		CreatedAt:   periodStart.Format(time.RFC3339),
	})
	require.NoError(t, err)
}

func TestClampDay(t *testing.T) {
	assert.Equal(t, 31, clampDay(2024, time.January, 31))
	assert.Equal(t, 29, clampDay(2024, time.February, 31)) // leap year
	assert.Equal(t, 28, clampDay(2023, time.February, 31))
	assert.Equal(t, 30, clampDay(2024, time.April, 31))
	assert.Equal(t, 15, clampDay(2024, time.February, 15))
}

func TestMonthlyPeriodStart(t *testing.T) {
	// anchor day already passed this month
	now := time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), monthlyPeriodStart(now, 15))

	// anchor day still ahead: the window opened last month
	now = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), monthlyPeriodStart(now, 15))

	// a day-31 anchor clamps to February's last day
	now = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), monthlyPeriodStart(now, 31))

	// and stretches back out in a long month
	begin := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), nextMonthlyPeriod(begin, 31))
}

func TestMetricWindow(t *testing.T) {
	assert.Equal(t, "day", JobsPerDay.Window())
	for _, m := range []Metric{CampaignsPerMonth, JobsPerMonth, AuditRunsPerMonth, BacklinkRunsPerMonth} {
		assert.Equal(t, "month", m.Window(), m.String())
	}
}

func TestExceededErrorText(t *testing.T) {
	err := ExceededError{
		Metric:    JobsPerMonth,
		Limit:     50,
		Used:      48,
		Requested: 5,
		ResetAt:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.EqualError(t, err,
		"quota exceeded for automation.jobs_per_month: used 48 of 50, requested 5 more (resets 2024-04-01T00:00:00Z)")
}

func TestUnlimitedAlwaysPasses(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	subscribe(t, svc, "u1", "agency", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	// agency campaigns are unlimited; not even SumUsage is consulted
	require.NoError(t, svc.AssertCan(ctx, "u1", CampaignsPerMonth, 1_000_000))
}

func TestBoundary(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	// default free plan: 2 campaigns per month

	require.NoError(t, svc.AssertCan(ctx, "u1", CampaignsPerMonth, 2))
	require.NoError(t, svc.Consume(ctx, "u1", CampaignsPerMonth, 2, nil))

	err := svc.AssertCan(ctx, "u1", CampaignsPerMonth, 1)
	var qe ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, CampaignsPerMonth, qe.Metric)
	assert.Equal(t, 2, qe.Limit)
	assert.Equal(t, 2, qe.Used)
	assert.Equal(t, 1, qe.Requested)
	// no subscription: window anchored to the first of the month
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), qe.ResetAt)

	// zero-unit requests are a no-op either way
	require.NoError(t, svc.AssertCan(ctx, "u1", CampaignsPerMonth, 0))
	require.NoError(t, svc.Consume(ctx, "u1", CampaignsPerMonth, 0, nil))
}

func TestSubscriptionAnchoredWindow(t *testing.T) {
	svc, clock := newTestService(t, time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	subscribe(t, svc, "u1", "starter", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))

	// March 14: still inside the window that opened February 15
	require.NoError(t, svc.Consume(ctx, "u1", BacklinkRunsPerMonth, 25, nil))
	err := svc.AssertCan(ctx, "u1", BacklinkRunsPerMonth, 1)
	var qe ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), qe.ResetAt)

	// one day later the window rolls over and usage resets
	*clock = time.Date(2024, 3, 15, 0, 0, 1, 0, time.UTC)
	require.NoError(t, svc.AssertCan(ctx, "u1", BacklinkRunsPerMonth, 25))

	report, err := svc.Report(ctx, "u1")
	require.NoError(t, err)
	for _, row := range report {
		if row.Metric == string(BacklinkRunsPerMonth) {
			assert.Equal(t, "starter", row.Plan)
			assert.Equal(t, 0, row.Used)
			assert.Equal(t, 25, row.Remaining)
			assert.Equal(t, "2024-04-15T00:00:00Z", row.ResetAt)
		}
	}
}

func TestDailyWindowIsolation(t *testing.T) {
	svc, clock := newTestService(t, time.Date(2024, 3, 10, 23, 50, 0, 0, time.UTC))
	ctx := context.Background()
	// default free plan: 25 jobs per day

	require.NoError(t, svc.Consume(ctx, "u1", JobsPerDay, 25, nil))
	err := svc.AssertCan(ctx, "u1", JobsPerDay, 1)
	var qe ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), qe.ResetAt)

	// the daily window follows the UTC calendar day, not the billing anchor
	*clock = time.Date(2024, 3, 11, 0, 10, 0, 0, time.UTC)
	require.NoError(t, svc.AssertCan(ctx, "u1", JobsPerDay, 25))

	// yesterday's spend is untouched in the ledger
	used, err := svc.Repo.SumUsage(ctx, "u1", string(JobsPerDay), "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 25, used)
}

func TestFallbackToDefaultPlan(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// no subscription at all
	report, err := svc.Report(ctx, "nobody")
	require.NoError(t, err)
	require.NotEmpty(t, report)
	assert.Equal(t, "free", report[0].Plan)

	// subscription naming an unconfigured plan degrades to the default
	subscribe(t, svc, "u2", "enterprise-legacy", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	report, err = svc.Report(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "free", report[0].Plan)

	// canceled subscriptions do not count
	err = svc.Repo.InsertSubscription(ctx, domain.Subscription{
		ID: uuid.New().String(), UserID: "u3", Plan: "agency", Status: "canceled",
		PeriodStart: "2024-01-01T00:00:00Z", CreatedAt: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	report, err = svc.Report(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, "free", report[0].Plan)
}

func TestConsumeRecordsMetadata(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, svc.Consume(ctx, "u1", JobsPerMonth, 3, map[string]any{"campaign_id": "c-1"}))

	var metadata string
	err := svc.Repo.DB.QueryRowContext(ctx,
		`SELECT metadata_json FROM usage_events WHERE user_id='u1' AND metric=?`, string(JobsPerMonth)).
		Scan(&metadata)
	require.NoError(t, err)
	assert.JSONEq(t, `{"campaign_id":"c-1"}`, metadata)
}
