package repo

import (
	"context"
	"database/sql"

	"linkforge/internal/domain"
)

// ActiveSubscription returns the user's most recent active subscription.
func (r Repo) ActiveSubscription(ctx context.Context, userID string) (domain.Subscription, error) {
	var s domain.Subscription
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,user_id,plan,status,period_start,created_at FROM subscriptions WHERE user_id=? AND status='active' ORDER BY created_at DESC,id DESC LIMIT 1`, userID).
		Scan(&s.ID, &s.UserID, &s.Plan, &s.Status, &s.PeriodStart, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSubscription(ctx context.Context, s domain.Subscription) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO subscriptions(id,user_id,plan,status,period_start,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.UserID, s.Plan, s.Status, s.PeriodStart, s.CreatedAt)
	return err
}

func (r Repo) InsertUsageEvent(ctx context.Context, ev domain.UsageEvent) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO usage_events(id,user_id,metric,window,period_key,units,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.UserID, ev.Metric, ev.Window, ev.PeriodKey, ev.Units, nullablePtr(ev.MetadataJSON), ev.CreatedAt)
	return err
}

// SumUsage totals committed units for one metric in one period.
func (r Repo) SumUsage(ctx context.Context, userID, metric, periodKey string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(units),0) FROM usage_events WHERE user_id=? AND metric=? AND period_key=?`,
		userID, metric, periodKey).Scan(&n)
	return n, err
}
