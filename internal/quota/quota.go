// Package quota answers "can this user perform this action N more times in
// the current window" and records committed usage. Check and consume are
// deliberately not atomic against each other: two concurrent requests can
// both pass AssertCan and jointly overshoot a limit by one batch. That race
// is accepted product-wide; serializing every mutation on a per-user lock is
// not worth the contention at these usage tiers.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkforge/internal/config"
	"linkforge/internal/domain"
	"linkforge/internal/repo"
)

// Metric is a closed enumeration of meterable actions. The backing store
// keys rows by the string value, so adding a metric is additive.
type Metric string

const (
	CampaignsPerMonth    Metric = "automation.campaigns_per_month"
	JobsPerMonth         Metric = "automation.jobs_per_month"
	JobsPerDay           Metric = "automation.jobs_per_day"
	AuditRunsPerMonth    Metric = "audits.runs_per_month"
	BacklinkRunsPerMonth Metric = "backlinks.runs_per_month"
)

// Metrics lists every known metric, in report order.
func Metrics() []Metric {
	return []Metric{
		CampaignsPerMonth,
		JobsPerMonth,
		JobsPerDay,
		AuditRunsPerMonth,
		BacklinkRunsPerMonth,
	}
}

// Window returns the metric's time window, "day" or "month".
func (m Metric) Window() string {
	switch m {
	case JobsPerDay:
		return "day"
	default:
		return "month"
	}
}

func (m Metric) String() string { return string(m) }

// ExceededError reports a failed quota check with enough detail for the
// caller to render actionable text (upgrade plan / wait until reset).
type ExceededError struct {
	Metric    Metric
	Limit     int
	Used      int
	Requested int
	ResetAt   time.Time
}

func (e ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d, requested %d more (resets %s)",
		e.Metric, e.Used, e.Limit, e.Requested, e.ResetAt.UTC().Format(time.RFC3339))
}

// MetricUsage is one row of a usage report.
type MetricUsage struct {
	Metric    string `json:"metric"`
	Window    string `json:"window" enum:"day,month"`
	Plan      string `json:"plan"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at" format:"date-time"`
}

// Service resolves a user's plan and meters usage against it. Passed
// explicitly into the engine and handlers, never resolved from ambient
// context.
type Service struct {
	Repo        repo.Repo
	Plans       map[string]config.Plan
	DefaultPlan string
	Now         func() time.Time
}

func New(r repo.Repo, cfg *config.Config) *Service {
	return &Service{
		Repo:        r,
		Plans:       cfg.Plans,
		DefaultPlan: cfg.DefaultPlan,
		Now:         time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AssertCan fails with ExceededError if used+units would exceed the user's
// plan limit for the metric in its current window. A limit of
// config.Unlimited always passes.
func (s *Service) AssertCan(ctx context.Context, userID string, metric Metric, units int) error {
	if units <= 0 {
		return nil
	}
	_, plan, anchor, err := s.resolvePlan(ctx, userID)
	if err != nil {
		return err
	}
	limit := plan.Limit(string(metric))
	if limit == config.Unlimited {
		return nil
	}
	periodKey, resetAt := s.window(metric, anchor)
	used, err := s.Repo.SumUsage(ctx, userID, string(metric), periodKey)
	if err != nil {
		return fmt.Errorf("resolve usage for %s: %w", metric, err)
	}
	if used+units > limit {
		return ExceededError{
			Metric:    metric,
			Limit:     limit,
			Used:      used,
			Requested: units,
			ResetAt:   resetAt,
		}
	}
	return nil
}

// Consume durably records usage. Called only after the gated mutation has
// committed, never before.
func (s *Service) Consume(ctx context.Context, userID string, metric Metric, units int, metadata map[string]any) error {
	if units <= 0 {
		return nil
	}
	_, _, anchor, err := s.resolvePlan(ctx, userID)
	if err != nil {
		return err
	}
	periodKey, _ := s.window(metric, anchor)
	ev := domain.UsageEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Metric:    string(metric),
		Window:    metric.Window(),
		PeriodKey: periodKey,
		Units:     units,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal usage metadata: %w", err)
		}
		str := string(b)
		ev.MetadataJSON = &str
	}
	return s.Repo.InsertUsageEvent(ctx, ev)
}

// Report returns per-metric limit/used/remaining for the user's plan.
func (s *Service) Report(ctx context.Context, userID string) ([]MetricUsage, error) {
	planName, plan, anchor, err := s.resolvePlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	var report []MetricUsage
	for _, metric := range Metrics() {
		limit := plan.Limit(string(metric))
		periodKey, resetAt := s.window(metric, anchor)
		used, err := s.Repo.SumUsage(ctx, userID, string(metric), periodKey)
		if err != nil {
			return nil, err
		}
		remaining := 0
		if limit == config.Unlimited {
			remaining = config.Unlimited
		} else if limit > used {
			remaining = limit - used
		}
		report = append(report, MetricUsage{
			Metric:    string(metric),
			Window:    metric.Window(),
			Plan:      planName,
			Limit:     limit,
			Used:      used,
			Remaining: remaining,
			ResetAt:   resetAt.UTC().Format(time.RFC3339),
		})
	}
	return report, nil
}

// resolvePlan returns the user's plan and the billing anchor for monthly
// windows. Users without an active subscription fall back to the default
// plan anchored to the first of the month.
func (s *Service) resolvePlan(ctx context.Context, userID string) (string, config.Plan, time.Time, error) {
	anchor := time.Time{}
	planName := s.DefaultPlan
	sub, err := s.Repo.ActiveSubscription(ctx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", config.Plan{}, anchor, fmt.Errorf("resolve subscription: %w", err)
	}
	if err == nil {
		planName = sub.Plan
		if ts, perr := time.Parse(time.RFC3339, sub.PeriodStart); perr == nil {
			anchor = ts
		}
	}
	plan, ok := s.Plans[planName]
	if !ok {
		plan, ok = s.Plans[s.DefaultPlan]
		if !ok {
			return "", config.Plan{}, anchor, fmt.Errorf("plan %s not configured and no default plan", planName)
		}
		planName = s.DefaultPlan
	}
	return planName, plan, anchor, nil
}

// window computes the current period key and its reset instant. Daily
// metrics use the UTC calendar day; monthly metrics anchor to the
// subscription's billing day-of-month, clamped for short months.
func (s *Service) window(metric Metric, anchor time.Time) (string, time.Time) {
	now := s.now().UTC()
	if metric.Window() == "day" {
		begin := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return begin.Format("2006-01-02"), begin.AddDate(0, 0, 1)
	}
	day := 1
	if !anchor.IsZero() {
		day = anchor.UTC().Day()
	}
	begin := monthlyPeriodStart(now, day)
	return begin.Format("2006-01-02"), nextMonthlyPeriod(begin, day)
}

func monthlyPeriodStart(now time.Time, anchorDay int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), clampDay(now.Year(), now.Month(), anchorDay), 0, 0, 0, 0, time.UTC)
	if candidate.After(now) {
		prev := now.AddDate(0, -1, 0)
		candidate = time.Date(prev.Year(), prev.Month(), clampDay(prev.Year(), prev.Month(), anchorDay), 0, 0, 0, 0, time.UTC)
	}
	return candidate
}

func nextMonthlyPeriod(begin time.Time, anchorDay int) time.Time {
	next := begin.AddDate(0, 1, 0)
	return time.Date(next.Year(), next.Month(), clampDay(next.Year(), next.Month(), anchorDay), 0, 0, 0, 0, time.UTC)
}

func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
