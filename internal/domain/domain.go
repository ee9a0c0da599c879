package domain

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignQueued    = "queued"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Job statuses.
const (
	JobQueued  = "queued"
	JobLocked  = "locked"
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
	JobSkipped = "skipped"
)

// Automation actions a target can be classified into.
const (
	ActionComment = "comment"
	ActionProfile = "profile"
	ActionForum   = "forum"
	ActionGuest   = "guest"
)

// Target provenance.
const (
	SourceManual       = "manual"
	SourceCSV          = "csv"
	SourceBacklinksRun = "backlinks_run"
	SourceInsights     = "insights"
)

type Site struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Host      string `json:"host"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Campaign struct {
	ID                 string  `json:"id"`
	SiteID             string  `json:"site_id"`
	UserID             string  `json:"user_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status" enum:"draft,queued,running,paused,completed"`
	AllowedActionsJSON string  `json:"allowed_actions_json"`
	ExecutionMode      string  `json:"execution_mode" enum:"drip,burst"`
	MaxRetries         int     `json:"max_retries"`
	TotalTargets       int     `json:"total_targets"`
	JobsTotal          int     `json:"jobs_total"`
	JobsSuccess        int     `json:"jobs_success"`
	JobsFailed         int     `json:"jobs_failed"`
	JobsSkipped        int     `json:"jobs_skipped"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt         *string `json:"finished_at,omitempty" format:"date-time"`
}

type Target struct {
	ID             string  `json:"id"`
	CampaignID     string  `json:"campaign_id"`
	URL            string  `json:"url"`
	URLHash        string  `json:"url_hash"`
	Source         string  `json:"source" enum:"manual,csv,backlinks_run,insights"`
	AnchorText     *string `json:"anchor_text,omitempty"`
	DestinationURL *string `json:"destination_url,omitempty"`
	Keyword        *string `json:"keyword,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Job denormalizes user and site ids so worker-facing queries never join
// through campaigns.
type Job struct {
	ID           string  `json:"id"`
	CampaignID   string  `json:"campaign_id"`
	TargetID     string  `json:"target_id"`
	SiteID       string  `json:"site_id"`
	UserID       string  `json:"user_id"`
	Action       string  `json:"action" enum:"comment,profile,forum,guest"`
	Status       string  `json:"status" enum:"queued,locked,running,success,failed,skipped"`
	Priority     int     `json:"priority"`
	Attempts     int     `json:"attempts"`
	MaxAttempts  int     `json:"max_attempts"`
	ResultJSON   *string `json:"result_json,omitempty"`
	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	StartedAt    *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt   *string `json:"finished_at,omitempty" format:"date-time"`
}

// Attempt is the immutable training record written once per completed job.
// Never updated or deleted after insert.
type Attempt struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	CampaignID   string  `json:"campaign_id"`
	TargetURL    string  `json:"target_url"`
	TargetHost   string  `json:"target_host"`
	Platform     string  `json:"platform"`
	Action       string  `json:"action"`
	Result       string  `json:"result" enum:"success,failed"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// PageSignal holds raw page-classification features supplied by the worker,
// at most one per attempt, written in the same transaction.
type PageSignal struct {
	ID              string `json:"id"`
	AttemptID       string `json:"attempt_id"`
	HasCommentForm  bool   `json:"has_comment_form"`
	HasLoginForm    bool   `json:"has_login_form"`
	HasCaptcha      bool   `json:"has_captcha"`
	HasRegistration bool   `json:"has_registration"`
	RawJSON         string `json:"raw_json"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Subscription struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Plan        string `json:"plan"`
	Status      string `json:"status" enum:"active,canceled"`
	PeriodStart string `json:"period_start" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// UsageEvent is one row of the append-only quota ledger.
type UsageEvent struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Metric       string  `json:"metric"`
	Window       string  `json:"window" enum:"day,month"`
	PeriodKey    string  `json:"period_key"`
	Units        int     `json:"units"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type BacklinkRun struct {
	ID          string `json:"id"`
	SiteID      string `json:"site_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status" enum:"completed"`
	ResultCount int    `json:"result_count"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type BacklinkResult struct {
	ID             string  `json:"id"`
	RunID          string  `json:"run_id"`
	URL            string  `json:"url"`
	AnchorText     *string `json:"anchor_text,omitempty"`
	DestinationURL *string `json:"destination_url,omitempty"`
}

type AuditRun struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status" enum:"completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
