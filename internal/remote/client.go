package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardline/internal/domain"
)

const DefaultTimeout = 10 * time.Second

// Client talks to the remote project/task planning service. A Client is
// shared by the board engine and every assistant session, so its fields
// must not change once calls start.
type Client struct {
	BaseURL    string
	APIKey     string
	Tokens     *TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a client whose calls time out after timeout, or after
// DefaultTimeout when timeout is not positive.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the remote service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListProjects returns every project visible to the caller.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var resp []domain.Project
	err := c.do(ctx, http.MethodGet, "projects/", nil, &resp)
	return resp, err
}

// FetchProject returns a project with its embedded task list.
func (c *Client) FetchProject(ctx context.Context, id int64) (domain.Project, error) {
	var resp domain.Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/", id), nil, &resp)
	return resp, err
}

// CreateProject asks the service to plan a new project from a goal.
func (c *Client) CreateProject(ctx context.Context, in domain.CreateProjectInput) (domain.Project, error) {
	var resp domain.Project
	err := c.do(ctx, http.MethodPost, "projects/new/", in, &resp)
	return resp, err
}

func (c *Client) DeleteProject(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("projects/%d/", id), nil, nil)
}

// UpdateTaskStatus mutates a task's status. The response may carry a
// timeline re-estimate computed by the service.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID int64, status domain.TaskStatus) (domain.TaskUpdateResponse, error) {
	body := map[string]any{"status": status}
	var resp domain.TaskUpdateResponse
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d/", taskID), body, &resp)
	return resp, err
}

// FetchConversation returns the task's conversation in server order.
func (c *Client) FetchConversation(ctx context.Context, taskID int64) ([]domain.Message, error) {
	var resp domain.Conversation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d/conversation/", taskID), nil, &resp)
	return resp.Messages, err
}

// SendMessage submits a user turn and returns the full updated sequence.
func (c *Client) SendMessage(ctx context.Context, taskID int64, content string) ([]domain.Message, error) {
	body := map[string]any{"content": content}
	var resp domain.Conversation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/conversation/messages/", taskID), body, &resp)
	return resp.Messages, err
}

func (c *Client) ClearConversation(ctx context.Context, taskID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d/conversation/", taskID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.Tokens != nil:
		token, err := c.Tokens.Token()
		if err != nil {
			return fmt.Errorf("sign bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.logger().Debug("remote call failed", "method", method, "url", url, "request_id", requestID, "err", err)
		return err
	}
	defer resp.Body.Close()
	c.logger().Debug("remote call", "method", method, "url", url, "status", resp.StatusCode, "request_id", requestID, "elapsed", time.Since(start))
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
