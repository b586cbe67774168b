// Package semaphore is a client for the Semaphore UI task orchestration API.
package semaphore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/semabot/semabot/internal/shellwords"
)

// ErrNotFound is returned (wrapped in *APIError) for 404 responses.
var ErrNotFound = errors.New("semaphore: not found")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("semaphore API error (status %d): %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Config holds Semaphore connection settings.
type Config struct {
	URL                string        `yaml:"url"`
	APIToken           string        `yaml:"api_token"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default Semaphore settings.
func DefaultConfig() *Config {
	return &Config{
		URL:     "http://localhost:3000",
		Timeout: 30 * time.Second,
	}
}

// Client is a Semaphore API client. It is safe for concurrent use; its
// configuration is fixed at construction.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client from cfg.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed installs
	}

	return &Client{
		token:   cfg.APIToken,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// NewClientWithBaseURL creates a client against a custom base URL (for testing).
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Token returns the API token (used by the event stream dialer).
func (c *Client) Token() string {
	return c.token
}

// EventStreamURL returns the websocket URL of the task event stream.
func (c *Client) EventStreamURL() string {
	u := c.baseURL + "/api/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// TLSConfig returns the TLS settings used by the HTTP transport, or nil.
func (c *Client) TLSConfig() *tls.Config {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		return t.TLSClientConfig
	}
	return nil
}

// doRequest performs an HTTP request against the API and decodes the JSON
// response into result when non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/api/ping", nil, nil)
}

// ListProjects lists the projects visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	if err := c.doRequest(ctx, http.MethodGet, "/api/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ListTemplates lists the templates of a project, sorted by name.
func (c *Client) ListTemplates(ctx context.Context, projectID int) ([]*Template, error) {
	path := fmt.Sprintf("/api/project/%d/templates?sort=name&order=asc", projectID)
	var templates []*Template
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// StartTask starts a task from a template.
func (c *Client) StartTask(ctx context.Context, projectID int, req *StartTaskRequest) (*Task, error) {
	path := fmt.Sprintf("/api/project/%d/tasks", projectID)
	var task Task
	if err := c.doRequest(ctx, http.MethodPost, path, req, &task); err != nil {
		return nil, err
	}
	if task.ProjectID == 0 {
		task.ProjectID = projectID
	}
	return &task, nil
}

// GetTask fetches a task's current state.
func (c *Client) GetTask(ctx context.Context, projectID, taskID int) (*Task, error) {
	path := fmt.Sprintf("/api/project/%d/tasks/%d", projectID, taskID)
	var task Task
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskOutput returns the full output of a task as newline-joined text.
func (c *Client) GetTaskOutput(ctx context.Context, projectID, taskID int) (string, error) {
	path := fmt.Sprintf("/api/project/%d/tasks/%d/output", projectID, taskID)
	var lines []OutputLine
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &lines); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Output)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// StopTask asks Semaphore to stop a running task.
func (c *Client) StopTask(ctx context.Context, projectID, taskID int) error {
	path := fmt.Sprintf("/api/project/%d/tasks/%d/stop", projectID, taskID)
	return c.doRequest(ctx, http.MethodPost, path, map[string]bool{"force": false}, nil)
}

// TaskURL returns the web UI link of a task.
func (c *Client) TaskURL(projectID, taskID int) string {
	return fmt.Sprintf("%s/project/%d/history?t=%d", c.baseURL, projectID, taskID)
}

// EncodeArguments converts a free-form argument string into the JSON array
// form the API expects. Words are split like a shell line, so quoted
// values stay whole. An empty string yields "".
func EncodeArguments(raw string) (string, error) {
	fields, err := shellwords.Split(raw)
	if err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if len(fields) == 0 {
		return "", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}
	return string(b), nil
}

// SplitTags turns "a,b, c" into ["a","b","c"].
func SplitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ParseID parses a positive numeric id.
func ParseID(s string) (int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
