package locklinesdk

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

// Client is a minimal Lockline HTTP API client scoped to one project.
type Client struct {
	BaseURL     string
	ProjectID   int64
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, projectID int64, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		ProjectID:   projectID,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type MappingIssue struct {
	CategoryID int64  `json:"category_id"`
	Issue      string `json:"issue"`
	Count      int    `json:"count"`
}

type HistoryEntry struct {
	ID         int64          `json:"id"`
	UserID     int64          `json:"user_id"`
	Action     string         `json:"action"`
	ActionText *string        `json:"action_text,omitempty"`
	ActionDate string         `json:"action_date"`
	Issues     []MappingIssue `json:"issues,omitempty"`
}

// Task is the API task model.
type Task struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	X           *int            `json:"x,omitempty"`
	Y           *int            `json:"y,omitempty"`
	Zoom        *int            `json:"zoom,omitempty"`
	IsSquare    bool            `json:"is_square"`
	Geometry    json.RawMessage `json:"geometry,omitempty"`
	Status      string          `json:"status"`
	LockedBy    *int64          `json:"locked_by,omitempty"`
	MappedBy    *int64          `json:"mapped_by,omitempty"`
	ValidatedBy *int64          `json:"validated_by,omitempty"`
	History     []HistoryEntry  `json:"history,omitempty"`
}

type Invalidation struct {
	ID              int64   `json:"id"`
	TaskID          int64   `json:"task_id"`
	IsClosed        bool    `json:"is_closed"`
	MapperID        *int64  `json:"mapper_id,omitempty"`
	InvalidatorID   *int64  `json:"invalidator_id,omitempty"`
	ValidatorID     *int64  `json:"validator_id,omitempty"`
	InvalidatedDate *string `json:"invalidated_date,omitempty"`
	ValidatedDate   *string `json:"validated_date,omitempty"`
}

// Event is one change-feed entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  int64          `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    int64          `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

func (c *Client) LockForMapping(ctx context.Context, taskID int64) (Task, error) {
	return c.taskOp(ctx, taskID, "lock-for-mapping", nil)
}

func (c *Client) LockForValidation(ctx context.Context, taskID int64) (Task, error) {
	return c.taskOp(ctx, taskID, "lock-for-validation", nil)
}

// Unlock releases the caller's lock into status.
func (c *Client) Unlock(ctx context.Context, taskID int64, status, comment string, issues []MappingIssue) (Task, error) {
	body := map[string]any{"status": status}
	if comment != "" {
		body["comment"] = comment
	}
	if len(issues) > 0 {
		body["issues"] = issues
	}
	return c.taskOp(ctx, taskID, "unlock", body)
}

func (c *Client) Undo(ctx context.Context, taskID int64) (Task, error) {
	return c.taskOp(ctx, taskID, "undo", nil)
}

func (c *Client) Extend(ctx context.Context, taskID int64) (Task, error) {
	return c.taskOp(ctx, taskID, "extend", nil)
}

// Stop gives up the caller's lock without changing the task's state.
func (c *Client) Stop(ctx context.Context, taskID int64, comment string) (Task, error) {
	return c.taskOp(ctx, taskID, "stop", map[string]any{"comment": comment})
}

func (c *Client) Split(ctx context.Context, taskID int64) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "split"), nil, &resp)
	return resp, err
}

func (c *Client) Invalidations(ctx context.Context, taskID int64) ([]Invalidation, error) {
	var resp []Invalidation
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "invalidations"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) taskOp(ctx context.Context, taskID int64, op string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, op), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	return fmt.Sprintf("v1/projects/%d/%s", c.ProjectID, strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(taskID int64, op string) string {
	p := fmt.Sprintf("tasks/%d", taskID)
	if op != "" {
		p += "/" + op
	}
	return c.projectPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
