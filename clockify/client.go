// Package clockify is a small client for the time-tracking REST API used by
// rule actions
package clockify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/timerules/internal/logger"
	"github.com/liamcoop/timerules/ratelimit"
)

const (
	DefaultBaseURL   = "https://api.clockify.me/api"
	addonTokenHeader = "X-Addon-Token"
	maxResponseBody  = 4 << 20
)

// Limiter admits outbound calls for a workspace
type Limiter interface {
	Wait(ctx context.Context, workspaceID string) error
}

// APIError is a non-2xx response
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// Retryable reports whether a retry may succeed
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config tunes every client created from it
type Config struct {
	HTTPClient     *http.Client
	Limiter        Limiter
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client calls the API on behalf of one installed workspace
type Client struct {
	baseURL     string
	workspaceID string
	token       string
	cfg         Config
}

// NewClient creates a client; an empty baseURL uses DefaultBaseURL
func NewClient(baseURL, workspaceID, token string, cfg Config) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		workspaceID: workspaceID,
		token:       token,
		cfg:         cfg,
	}
}

// WorkspaceID returns the workspace the client acts for
func (c *Client) WorkspaceID() string {
	return c.workspaceID
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)
}

// do sends one request with retries on 429, 5xx, transport errors and a
// saturated rate budget. The response body is returned for 2xx responses.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		switch b := body.(type) {
		case []byte:
			payload = b
		case string:
			payload = []byte(b)
		default:
			var err error
			if payload, err = json.Marshal(body); err != nil {
				return 0, nil, fmt.Errorf("failed to encode request: %w", err)
			}
		}
	}

	var (
		status   int
		respBody []byte
	)
	operation := func() error {
		if c.cfg.Limiter != nil {
			if err := c.cfg.Limiter.Wait(ctx, c.workspaceID); err != nil {
				if errors.Is(err, ratelimit.ErrRateLimited) {
					logger.WarnRateLimited(c.workspaceID)
					return err
				}
				return backoff.Permanent(err)
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set(addonTokenHeader, c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		status = resp.StatusCode
		if status < 200 || status > 299 {
			apiErr := &APIError{Method: method, Path: path, Status: status, Body: string(data)}
			if apiErr.Retryable() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		respBody = data
		return nil
	}

	if err := backoff.Retry(operation, c.retryPolicy(ctx)); err != nil {
		return status, nil, err
	}
	return status, respBody, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	_, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) workspacePath(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return "/v1/workspaces/" + url.PathEscape(c.workspaceID) + fmt.Sprintf(format, escaped...)
}

// GetTimeEntry fetches one time entry
func (c *Client) GetTimeEntry(ctx context.Context, id string) (*TimeEntry, error) {
	var entry TimeEntry
	if err := c.getJSON(ctx, c.workspacePath("/time-entries/%s", id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateTimeEntry replaces the editable fields of a time entry
func (c *Client) UpdateTimeEntry(ctx context.Context, entry *TimeEntry) (*TimeEntry, error) {
	_, body, err := c.do(ctx, http.MethodPut, c.workspacePath("/time-entries/%s", entry.ID), entry.UpdateRequest())
	if err != nil {
		return nil, err
	}
	var updated TimeEntry
	if len(body) > 0 {
		if err := json.Unmarshal(body, &updated); err != nil {
			return nil, fmt.Errorf("failed to decode updated time entry: %w", err)
		}
	}
	return &updated, nil
}

// ListTags returns the workspace tags, optionally filtered by name
func (c *Client) ListTags(ctx context.Context, name string) ([]Tag, error) {
	path := c.workspacePath("/tags") + "?page-size=200"
	if name != "" {
		path += "&strict-name-search=true&name=" + url.QueryEscape(name)
	}
	var tags []Tag
	if err := c.getJSON(ctx, path, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// CreateTag creates a tag
func (c *Client) CreateTag(ctx context.Context, name string) (*Tag, error) {
	_, body, err := c.do(ctx, http.MethodPost, c.workspacePath("/tags"), map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	var tag Tag
	if err := json.Unmarshal(body, &tag); err != nil {
		return nil, fmt.Errorf("failed to decode tag: %w", err)
	}
	return &tag, nil
}

// ListProjects returns projects, optionally filtered by name
func (c *Client) ListProjects(ctx context.Context, name string) ([]Project, error) {
	path := c.workspacePath("/projects") + "?page-size=200"
	if name != "" {
		path += "&strict-name-search=true&name=" + url.QueryEscape(name)
	}
	var projects []Project
	if err := c.getJSON(ctx, path, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ListTasks returns the tasks of a project, optionally filtered by name
func (c *Client) ListTasks(ctx context.Context, projectID, name string) ([]Task, error) {
	path := c.workspacePath("/projects/%s/tasks", projectID) + "?page-size=200"
	if name != "" {
		path += "&strict-name-search=true&name=" + url.QueryEscape(name)
	}
	var tasks []Task
	if err := c.getJSON(ctx, path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Call sends an arbitrary request relative to the base URL
func (c *Client) Call(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if !strings.HasPrefix(path, "/") {
		return 0, nil, fmt.Errorf("path must start with /: %q", path)
	}
	var payload any
	if len(body) > 0 {
		payload = body
	}
	return c.do(ctx, strings.ToUpper(method), path, payload)
}
