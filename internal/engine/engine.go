package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkforge/internal/config"
	"linkforge/internal/decision"
	"linkforge/internal/domain"
	"linkforge/internal/events"
	"linkforge/internal/quota"
	"linkforge/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Quota  *quota.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db, Now: time.Now},
		Quota:  quota.New(r, cfg),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateSite registers a site owned by a user.
func (e Engine) CreateSite(ctx context.Context, userID, host string) (domain.Site, error) {
	if host == "" {
		return domain.Site{}, errors.New("host is required")
	}
	s := domain.Site{
		ID:        uuid.New().String(),
		UserID:    userID,
		Host:      host,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertSite(ctx, s); err != nil {
		return domain.Site{}, fmt.Errorf("insert site: %w", err)
	}
	return s, nil
}

// CampaignCreateOptions are parameters for creating a campaign.
type CampaignCreateOptions struct {
	SiteID         string
	UserID         string
	Name           string
	AllowedActions []string
	ExecutionMode  string
	MaxRetries     int
	ActorID        string
}

// CreateCampaign opens a campaign in draft. One campaigns_per_month unit is
// consumed here, at creation, not at start.
func (e Engine) CreateCampaign(ctx context.Context, opts CampaignCreateOptions) (domain.Campaign, error) {
	if opts.Name == "" {
		return domain.Campaign{}, errors.New("name is required")
	}
	site, err := e.Repo.GetSite(ctx, opts.SiteID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if opts.UserID == "" {
		opts.UserID = site.UserID
	}
	if len(opts.AllowedActions) == 0 {
		opts.AllowedActions = []string{domain.ActionComment, domain.ActionProfile, domain.ActionForum, domain.ActionGuest}
	}
	for _, a := range opts.AllowedActions {
		switch a {
		case domain.ActionComment, domain.ActionProfile, domain.ActionForum, domain.ActionGuest:
		default:
			return domain.Campaign{}, fmt.Errorf("invalid action %q", a)
		}
	}
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = "burst"
	}
	if opts.ExecutionMode != "burst" && opts.ExecutionMode != "drip" {
		return domain.Campaign{}, fmt.Errorf("invalid execution mode %q", opts.ExecutionMode)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if err := e.Quota.AssertCan(ctx, opts.UserID, quota.CampaignsPerMonth, 1); err != nil {
		return domain.Campaign{}, err
	}
	allowedJSON, err := json.Marshal(opts.AllowedActions)
	if err != nil {
		return domain.Campaign{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()

	c := domain.Campaign{
		ID:                 uuid.New().String(),
		SiteID:             site.ID,
		UserID:             opts.UserID,
		Name:               opts.Name,
		Status:             domain.CampaignDraft,
		AllowedActionsJSON: string(allowedJSON),
		ExecutionMode:      opts.ExecutionMode,
		MaxRetries:         opts.MaxRetries,
		CreatedAt:          e.nowRFC3339(),
	}
	if err := e.Repo.InsertCampaign(ctx, tx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "campaign.create", c.SiteID, "campaign", c.ID, opts.ActorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	if err := e.Quota.Consume(ctx, c.UserID, quota.CampaignsPerMonth, 1, map[string]any{"campaign_id": c.ID}); err != nil {
		return c, fmt.Errorf("record campaign usage: %w", err)
	}
	return c, nil
}

// StartCampaign materializes jobs for every target the decision engine
// accepts, atomically. Either all eligible targets get jobs and the campaign
// moves to queued, or nothing changes.
//
// The quota pre-check covers the full target count even though post-filter
// job creation may be smaller. Conservative over-reservation is intentional:
// only the jobs actually created are committed to the ledger afterwards.
func (e Engine) StartCampaign(ctx context.Context, campaignID, actorID string) (domain.Campaign, int, error) {
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, 0, err
	}
	// Only draft campaigns start. paused→queued is the Resume edge and must
	// not re-run job materialization.
	if c.Status != domain.CampaignDraft {
		return domain.Campaign{}, 0, fmt.Errorf("invalid campaign transition %s -> %s", c.Status, domain.CampaignQueued)
	}
	allowed, err := allowedActions(c)
	if err != nil {
		return domain.Campaign{}, 0, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, 0, err
	}
	defer tx.Rollback()

	targets, err := e.Repo.ListTargetsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.Campaign{}, 0, err
	}
	if len(targets) == 0 {
		return domain.Campaign{}, 0, errors.New("campaign has no targets")
	}
	if err := e.Quota.AssertCan(ctx, c.UserID, quota.JobsPerMonth, len(targets)); err != nil {
		return domain.Campaign{}, 0, err
	}
	if err := e.Quota.AssertCan(ctx, c.UserID, quota.JobsPerDay, len(targets)); err != nil {
		return domain.Campaign{}, 0, err
	}

	now := e.nowRFC3339()
	created := 0
	for _, t := range targets {
		action, ok := decision.Decide(t.URL, allowed)
		if !ok {
			continue
		}
		j := domain.Job{
			ID:          uuid.New().String(),
			CampaignID:  c.ID,
			TargetID:    t.ID,
			SiteID:      c.SiteID,
			UserID:      c.UserID,
			Action:      action,
			Status:      domain.JobQueued,
			Priority:    defaultJobPriority,
			MaxAttempts: c.MaxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
			return domain.Campaign{}, 0, fmt.Errorf("insert job: %w", err)
		}
		created++
	}

	if err := e.Repo.UpdateCampaignStatus(ctx, tx, c.ID, domain.CampaignQueued, &now, nil); err != nil {
		return domain.Campaign{}, 0, err
	}
	if err := e.Repo.UpdateCampaignTotals(ctx, tx, c.ID, len(targets), created, 0, 0, 0); err != nil {
		return domain.Campaign{}, 0, err
	}
	if err := e.Events.Append(ctx, tx, "campaign.start", c.SiteID, "campaign", c.ID, actorID, events.EventPayload{
		"targets": len(targets),
		"jobs":    created,
	}); err != nil {
		return domain.Campaign{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, 0, err
	}

	if created > 0 {
		meta := map[string]any{"campaign_id": c.ID}
		if err := e.Quota.Consume(ctx, c.UserID, quota.JobsPerMonth, created, meta); err != nil {
			return domain.Campaign{}, created, fmt.Errorf("record job usage: %w", err)
		}
		if err := e.Quota.Consume(ctx, c.UserID, quota.JobsPerDay, created, meta); err != nil {
			return domain.Campaign{}, created, fmt.Errorf("record job usage: %w", err)
		}
	}
	out, err := e.Repo.GetCampaign(ctx, c.ID)
	return out, created, err
}

// PauseCampaign halts scheduling. Queued and locked jobs stay put; the
// worker simply receives nothing for paused campaigns.
func (e Engine) PauseCampaign(ctx context.Context, campaignID, actorID string) (domain.Campaign, error) {
	return e.transitionCampaign(ctx, campaignID, domain.CampaignPaused, actorID, "campaign.pause")
}

func (e Engine) ResumeCampaign(ctx context.Context, campaignID, actorID string) (domain.Campaign, error) {
	return e.transitionCampaign(ctx, campaignID, domain.CampaignQueued, actorID, "campaign.resume")
}

func (e Engine) StopCampaign(ctx context.Context, campaignID, actorID string) (domain.Campaign, error) {
	return e.transitionCampaign(ctx, campaignID, domain.CampaignCompleted, actorID, "campaign.stop")
}

func (e Engine) transitionCampaign(ctx context.Context, campaignID, newStatus, actorID, evtType string) (domain.Campaign, error) {
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if err := ensureCampaignTransition(c.Status, newStatus); err != nil {
		return domain.Campaign{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()

	var finishedAt *string
	if newStatus == domain.CampaignCompleted {
		now := e.nowRFC3339()
		finishedAt = &now
	}
	if err := e.Repo.UpdateCampaignStatus(ctx, tx, c.ID, newStatus, nil, finishedAt); err != nil {
		return domain.Campaign{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, c.SiteID, "campaign", c.ID, actorID, events.EventPayload{
		"from": c.Status,
		"to":   newStatus,
	}); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	return e.Repo.GetCampaign(ctx, c.ID)
}

func allowedActions(c domain.Campaign) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(c.AllowedActionsJSON), &list); err != nil {
		return nil, fmt.Errorf("campaign %s has invalid allowed actions: %w", c.ID, err)
	}
	return list, nil
}

func ensureCampaignTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.CampaignDraft:
		if newStatus == domain.CampaignQueued || newStatus == domain.CampaignCompleted {
			return nil
		}
	case domain.CampaignQueued:
		if newStatus == domain.CampaignRunning || newStatus == domain.CampaignPaused || newStatus == domain.CampaignCompleted {
			return nil
		}
	case domain.CampaignRunning:
		if newStatus == domain.CampaignPaused || newStatus == domain.CampaignCompleted {
			return nil
		}
	case domain.CampaignPaused:
		if newStatus == domain.CampaignQueued || newStatus == domain.CampaignCompleted {
			return nil
		}
	}
	return fmt.Errorf("invalid campaign transition %s -> %s", oldStatus, newStatus)
}
