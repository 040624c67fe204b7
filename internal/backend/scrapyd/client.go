// Package scrapyd talks to a scrapyd execution backend over its JSON API.
package scrapyd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

const (
	defaultProject = "default"
	defaultTimeout = 10 * time.Second
	maxLogBytes    = 8 << 20
)

// Config controls the backend endpoint.
type Config struct {
	BaseURL string
	Project string
	Timeout time.Duration
}

// Client is the scheduler.Backend implementation for scrapyd.
type Client struct {
	base    *url.URL
	project string
	http    *http.Client
}

// New builds a Client. A nil httpClient gets one bounded by cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("backend.base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.BaseURL)
	}
	project := cfg.Project
	if project == "" {
		project = defaultProject
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, project: project, http: httpClient}, nil
}

type jobEntry struct {
	ID        string `json:"id"`
	Spider    string `json:"spider"`
	StartTime string `json:"start_time"`
	PID       int    `json:"pid"`
}

type listJobsReply struct {
	Status   string     `json:"status"`
	Message  string     `json:"message"`
	Pending  []jobEntry `json:"pending"`
	Running  []jobEntry `json:"running"`
	Finished []jobEntry `json:"finished"`
}

type scheduleReply struct {
	Status  string `json:"status"`
	JobID   string `json:"jobid"`
	Message string `json:"message"`
}

type cancelReply struct {
	Status    string  `json:"status"`
	PrevState *string `json:"prevstate"`
	Message   string  `json:"message"`
}

// ListJobs returns pending, running and finished jobs of the project.
func (c *Client) ListJobs(ctx context.Context) (scheduler.Listing, error) {
	q := url.Values{"project": {c.project}}
	var reply listJobsReply
	if err := c.do(ctx, http.MethodGet, "listjobs.json", q, nil, &reply); err != nil {
		return scheduler.Listing{}, err
	}
	if reply.Status != "" && reply.Status != "ok" {
		return scheduler.Listing{}, fmt.Errorf("listjobs: %w: %s", scheduler.ErrBackendUnavailable, reply.Message)
	}
	return scheduler.Listing{
		Pending:  toBackendJobs(reply.Pending),
		Running:  toBackendJobs(reply.Running),
		Finished: toBackendJobs(reply.Finished),
	}, nil
}

// Submit schedules spider with params and returns the backend job id.
func (c *Client) Submit(ctx context.Context, spider string, params scheduler.Params) (string, error) {
	form := params.Form()
	form.Set("project", c.project)
	form.Set("spider", spider)
	var reply scheduleReply
	if err := c.do(ctx, http.MethodPost, "schedule.json", nil, form, &reply); err != nil {
		return "", err
	}
	if reply.Status != "ok" {
		msg := reply.Message
		if msg == "" {
			msg = "status " + reply.Status
		}
		return "", fmt.Errorf("schedule %s: %w: %s", spider, scheduler.ErrDispatchRejected, msg)
	}
	if reply.JobID == "" {
		return "", fmt.Errorf("schedule %s: %w: empty job id", spider, scheduler.ErrDispatchRejected)
	}
	return reply.JobID, nil
}

// Cancel stops a pending or running job. It reports false when the backend
// did not know the job.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	form := url.Values{"project": {c.project}, "job": {jobID}}
	var reply cancelReply
	if err := c.do(ctx, http.MethodPost, "cancel.json", nil, form, &reply); err != nil {
		return false, err
	}
	if reply.Status != "ok" {
		return false, fmt.Errorf("cancel %s: %w: %s", jobID, scheduler.ErrDispatchRejected, reply.Message)
	}
	return reply.PrevState != nil && *reply.PrevState != "", nil
}

// FetchLog returns the text log of a job.
func (c *Client) FetchLog(ctx context.Context, spider, jobID string) (string, error) {
	path := fmt.Sprintf("logs/%s/%s/%s.log",
		url.PathEscape(c.project), url.PathEscape(spider), url.PathEscape(jobID))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch log %s: %w: %w", jobID, scheduler.ErrBackendUnavailable, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("fetch log %s: %w", jobID, scheduler.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch log %s: %w: status %d", jobID, scheduler.ErrBackendUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
	if err != nil {
		return "", fmt.Errorf("read log %s: %w: %w", jobID, scheduler.ErrBackendUnavailable, err)
	}
	return string(body), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query, form url.Values) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, out any) error {
	req, err := c.newRequest(ctx, method, path, query, form)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, scheduler.ErrBackendUnavailable, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %w: status %d", path, scheduler.ErrBackendUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w: empty body", path, scheduler.ErrBackendUnavailable)
		}
		return fmt.Errorf("%s: %w: decode reply: %w", path, scheduler.ErrBackendUnavailable, err)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func toBackendJobs(in []jobEntry) []scheduler.BackendJob {
	out := make([]scheduler.BackendJob, 0, len(in))
	for _, j := range in {
		out = append(out, scheduler.BackendJob{ID: j.ID, Spider: j.Spider, StartTime: j.StartTime, PID: j.PID})
	}
	return out
}
