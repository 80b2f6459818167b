// Package client is the HTTP client for the relay coordinator API, shared by
// the runner agent, the CLI, and the TUI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/registry"
)

// DefaultTimeout bounds every request except long-polls.
const DefaultTimeout = 10 * time.Second

// pollGrace is added to the server's poll timeout for the client deadline.
const pollGrace = 15 * time.Second

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client wraps HTTP calls to the relay API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	pollTimeout time.Duration
}

// New creates a client for the coordinator at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		timeout:     DefaultTimeout,
		pollTimeout: 30 * time.Second,
	}
}

// BaseURL returns the coordinator address.
func (c *Client) BaseURL() string { return c.baseURL }

// SetPollTimeout tells the client how long the server may hold a poll.
func (c *Client) SetPollTimeout(d time.Duration) {
	if d > 0 {
		c.pollTimeout = d
	}
}

// do sends a request and decodes a JSON response into out. It returns the
// status code so callers can tell 204 apart.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e api.ErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, out, c.timeout)
	return err
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	_, err := c.do(ctx, http.MethodPost, path, in, out, c.timeout)
	return err
}

// --- Runs ---

// CreateRun submits a run.
func (c *Client) CreateRun(ctx context.Context, spec models.RunSpec) (api.CreateRunResponse, error) {
	var out api.CreateRunResponse
	err := c.post(ctx, "/runs", spec, &out)
	return out, err
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	err := c.get(ctx, "/runs/"+url.PathEscape(id), &run)
	return run, err
}

// ListRuns lists runs, optionally filtered by status and session.
func (c *Client) ListRuns(ctx context.Context, status models.RunStatus, sessionID string) ([]models.Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var runs []models.Run
	err := c.get(ctx, path, &runs)
	return runs, err
}

// StopRun requests that a run stop.
func (c *Client) StopRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	err := c.post(ctx, "/runs/"+url.PathEscape(id)+"/stop", nil, &run)
	return run, err
}

// --- Runners ---

// Register registers a runner.
func (c *Client) Register(ctx context.Context, reg registry.Registration) (api.RegisterResponse, error) {
	var out api.RegisterResponse
	err := c.post(ctx, "/runner/register", reg, &out)
	return out, err
}

// Heartbeat refreshes a runner's liveness.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	return c.post(ctx, "/runner/heartbeat", map[string]string{"runner_id": runnerID}, nil)
}

// Deregister removes a runner.
func (c *Client) Deregister(ctx context.Context, runnerID string) error {
	return c.post(ctx, "/runner/deregister", map[string]string{"runner_id": runnerID}, nil)
}

// Poll long-polls for work. With claim false the coordinator only answers
// with stop commands or deregistration. ok is false on 204.
func (c *Client) Poll(ctx context.Context, runnerID string, claim bool) (resp api.PollResponse, ok bool, err error) {
	q := url.Values{"runner_id": {runnerID}}
	if !claim {
		q.Set("claim", "false")
	}
	code, err := c.do(ctx, http.MethodGet, "/runner/runs?"+q.Encode(), nil, &resp, c.pollTimeout+pollGrace)
	if err != nil {
		return resp, false, err
	}
	return resp, code == http.StatusOK, nil
}

// ReportStarted tells the coordinator execution began.
func (c *Client) ReportStarted(ctx context.Context, runID, runnerID string) error {
	return c.report(ctx, runID, "started", map[string]string{"runner_id": runnerID})
}

// ReportCompleted records a successful outcome.
func (c *Client) ReportCompleted(ctx context.Context, runID, runnerID, result string) error {
	return c.report(ctx, runID, "completed", map[string]string{"runner_id": runnerID, "result": result})
}

// ReportFailed records a failure.
func (c *Client) ReportFailed(ctx context.Context, runID, runnerID, errMsg string) error {
	return c.report(ctx, runID, "failed", map[string]string{"runner_id": runnerID, "error": errMsg})
}

func (c *Client) report(ctx context.Context, runID, outcome string, body map[string]string) error {
	return c.post(ctx, "/runner/runs/"+url.PathEscape(runID)+"/"+outcome, body, nil)
}

// ListRunners lists registered runners.
func (c *Client) ListRunners(ctx context.Context) ([]models.RunnerView, error) {
	var out []models.RunnerView
	err := c.get(ctx, "/runners", &out)
	return out, err
}

// --- Sessions ---

// ListSessions lists sessions, oldest first.
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var out []models.Session
	err := c.get(ctx, "/sessions", &out)
	return out, err
}

// GetSession fetches a session.
func (c *Client) GetSession(ctx context.Context, id string) (models.Session, error) {
	var out models.Session
	err := c.get(ctx, "/sessions/"+url.PathEscape(id), &out)
	return out, err
}

// SessionStatus fetches a session's derived status.
func (c *Client) SessionStatus(ctx context.Context, id string) (api.SessionStatusResponse, error) {
	var out api.SessionStatusResponse
	err := c.get(ctx, "/sessions/"+url.PathEscape(id)+"/status", &out)
	return out, err
}

// SessionResult fetches a session's latest result or error.
func (c *Client) SessionResult(ctx context.Context, id string) (api.SessionResultResponse, error) {
	var out api.SessionResultResponse
	err := c.get(ctx, "/sessions/"+url.PathEscape(id)+"/result", &out)
	return out, err
}

// SessionRuns lists a session's runs in creation order.
func (c *Client) SessionRuns(ctx context.Context, id string) ([]models.Run, error) {
	var out []models.Run
	err := c.get(ctx, "/sessions/"+url.PathEscape(id)+"/runs", &out)
	return out, err
}

// --- Observability ---

// Health checks the coordinator. The parsed body is returned alongside the
// error on non-200 responses.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.get(ctx, "/health", &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			_ = json.Unmarshal([]byte(apiErr.Message), &out)
			return &out, err
		}
		return nil, err
	}
	return &out, nil
}

// Stats fetches coordinator counters.
func (c *Client) Stats(ctx context.Context) (api.Stats, error) {
	var out api.Stats
	err := c.get(ctx, "/stats", &out)
	return out, err
}

// Audit lists decision records, newest first.
func (c *Client) Audit(ctx context.Context, runID string, limit int) ([]models.AuditEntry, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.AuditEntry
	err := c.get(ctx, path, &out)
	return out, err
}
