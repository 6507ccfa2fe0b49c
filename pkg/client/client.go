package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL matches the dispatcher's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:7420/api"

// Client talks to a running atpinstall dispatcher.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second}
}

// New creates a dispatcher client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the dispatcher is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("Dispatcher unreachable", "error", err)
		return false
	}
	return true
}

// Install submits an install job.
func (c *Client) Install(ctx context.Context) (string, error) {
	return c.submit(ctx, "/install", nil)
}

// Deploy submits a deploy job for target (api, admin, public or all).
func (c *Client) Deploy(ctx context.Context, target string) (string, error) {
	return c.submit(ctx, "/deploy?target="+url.QueryEscape(target), nil)
}

// SyncModules submits a module sync towards modules.
func (c *Client) SyncModules(ctx context.Context, modules []string) (string, error) {
	return c.submit(ctx, "/modules/sync", map[string][]string{"modules": modules})
}

// ScanAWS submits a status scan; results arrive on the event stream.
func (c *Client) ScanAWS(ctx context.Context) (string, error) {
	return c.submit(ctx, "/aws/scan", nil)
}

// Ensure submits an ensure job for kind (bucket, role, certificate or distribution).
func (c *Client) Ensure(ctx context.Context, kind, name string) (string, error) {
	path := "/aws/ensure/" + url.PathEscape(kind)
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	return c.submit(ctx, path, nil)
}

// InstallTool submits a winget install of a missing prerequisite.
func (c *Client) InstallTool(ctx context.Context, tool string) (string, error) {
	return c.submit(ctx, "/prerequisites/"+url.PathEscape(tool)+"/install", nil)
}

// Migrate submits "sync" or "setup" for env.
func (c *Client) Migrate(ctx context.Context, action, env string) (string, error) {
	return c.submit(ctx, "/migration/"+url.PathEscape(action)+"?env="+url.QueryEscape(env), nil)
}

// MigrationStatus queries the migration status of env.
func (c *Client) MigrationStatus(ctx context.Context, env string) (MigrationStatus, error) {
	var st MigrationStatus
	err := c.do(ctx, http.MethodGet, "/migration/status?env="+url.QueryEscape(env), nil, &st)
	return st, err
}

// Dev runs action (start, stop or restart) on a dev target and returns the finished job.
func (c *Client) Dev(ctx context.Context, id, action string) (Job, error) {
	var j Job
	err := c.do(ctx, http.MethodPost, "/dev/"+url.PathEscape(id)+"/"+url.PathEscape(action), nil, &j)
	return j, err
}

// DevStatus lists the dev targets.
func (c *Client) DevStatus(ctx context.Context) ([]DevTarget, error) {
	var out []DevTarget
	err := c.do(ctx, http.MethodGet, "/dev/status", nil, &out)
	return out, err
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var j Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j)
	return j, err
}

// WaitJob polls job id every interval until it finishes or ctx is done.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.Job(ctx, id)
		if err != nil {
			return j, err
		}
		if j.Done() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) submit(ctx context.Context, path string, body any) (string, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	c.logger.Debug("Job submitted", "path", path, "id", resp.JobID)
	return resp.JobID, nil
}

// do performs an HTTP request with common error handling. 2xx bodies are
// decoded into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx response from the dispatcher.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return &APIError{Status: resp.StatusCode}
	}
	if errorResp.Error == "" {
		// failed jobs answer with the job itself
		return &APIError{Status: resp.StatusCode}
	}
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
