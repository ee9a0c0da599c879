// Package linkforgesdk is a minimal client for the LinkForge HTTP API,
// covering both the operator surface and the worker-agent surface (claim a
// job, report its result).
package linkforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal LinkForge HTTP API client.
type Client struct {
	BaseURL      string
	APIKey       string
	BearerToken  string
	WorkerSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	TargetID    string `json:"target_id"`
	SiteID      string `json:"site_id"`
	Action      string `json:"action"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

// ClaimedJob is a claim response: the job, its target, and the one-time
// token for reporting the result.
type ClaimedJob struct {
	Job         Job    `json:"job"`
	TargetURL   string `json:"target_url"`
	AnchorText  string `json:"anchor_text,omitempty"`
	Destination string `json:"destination_url,omitempty"`
	Keyword     string `json:"keyword,omitempty"`
	ReportToken string `json:"report_token"`
}

// Campaign represents the API campaign model (partial).
type Campaign struct {
	ID          string `json:"id"`
	SiteID      string `json:"site_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	JobsTotal   int    `json:"jobs_total"`
	JobsSuccess int    `json:"jobs_success"`
	JobsFailed  int    `json:"jobs_failed"`
	JobsSkipped int    `json:"jobs_skipped"`
}

// MetricUsage is one row of the /usage report.
type MetricUsage struct {
	Metric    string `json:"metric"`
	Window    string `json:"window"`
	Plan      string `json:"plan"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
}

// Signals carries raw page features observed by the worker.
type Signals struct {
	HasCommentForm  bool           `json:"has_comment_form,omitempty"`
	HasLoginForm    bool           `json:"has_login_form,omitempty"`
	HasCaptcha      bool           `json:"has_captcha,omitempty"`
	HasRegistration bool           `json:"has_registration,omitempty"`
	Raw             map[string]any `json:"raw,omitempty"`
}

// ResultReport is a worker's result for one claimed job.
type ResultReport struct {
	Result       string         `json:"result"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Signals      *Signals       `json:"signals,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNoJob reports whether an error means the claim queue was empty.
func IsNoJob(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// ClaimJob claims the next queued job for a site. Authenticated with the
// shared worker secret, not a user credential.
func (c *Client) ClaimJob(ctx context.Context, siteID, workerID string) (ClaimedJob, error) {
	var resp ClaimedJob
	endpoint := fmt.Sprintf("v1/sites/%s/jobs/next", url.PathEscape(siteID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"worker_id": workerID}, &resp, c.WorkerSecret)
	return resp, err
}

// ReportResult reports a claimed job's outcome using the claim's report
// token.
func (c *Client) ReportResult(ctx context.Context, jobID, reportToken string, report ResultReport) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v1/jobs/%s/result", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, report, &resp, reportToken)
	return resp, err
}

// Campaigns lists campaigns for a site.
func (c *Client) Campaigns(ctx context.Context, siteID string) ([]Campaign, error) {
	var resp struct {
		Campaigns []Campaign `json:"campaigns"`
	}
	endpoint := fmt.Sprintf("v1/sites/%s/campaigns", url.PathEscape(siteID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp.Campaigns, err
}

// StartCampaign starts a draft campaign.
func (c *Client) StartCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	var resp struct {
		Campaign Campaign `json:"campaign"`
	}
	endpoint := fmt.Sprintf("v1/campaigns/%s/start", url.PathEscape(campaignID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, "")
	return resp.Campaign, err
}

// Usage fetches the caller's quota usage report.
func (c *Client) Usage(ctx context.Context) ([]MetricUsage, error) {
	var resp struct {
		Usage []MetricUsage `json:"usage"`
	}
	err := c.do(ctx, http.MethodGet, "v1/usage", nil, &resp, "")
	return resp.Usage, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, workerToken string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case workerToken != "":
		req.Header.Set("X-Worker-Token", workerToken)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
