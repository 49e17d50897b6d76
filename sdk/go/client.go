package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID           string  `json:"id"`
	CurrentState string  `json:"current_state"`
	Owner        string  `json:"owner,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	DeliveredAt  *string `json:"delivered_at,omitempty"`
}

// FollowUp is a commitment attached to a transition.
type FollowUp struct {
	Owner string `json:"owner"`
	Due   string `json:"due,omitempty"`
}

// Record is one lifecycle log entry, a transition or a blocked outcome.
type Record struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Lineage   string `json:"lineage"`
	Kind      string `json:"kind"`
	TS        string `json:"ts"`
	Gate      string `json:"gate,omitempty"`
	Mode      string `json:"mode,omitempty"`
	ActorRole string `json:"actor_role,omitempty"`

	FromState string     `json:"from_state,omitempty"`
	ToState   string     `json:"to_state,omitempty"`
	Rationale []string   `json:"rationale,omitempty"`
	OutputRef string     `json:"output_ref,omitempty"`
	FollowUps []FollowUp `json:"follow_ups,omitempty"`

	MissingInputs []string `json:"missing_inputs,omitempty"`
	UnblockSteps  []string `json:"unblock_steps,omitempty"`
}

// Blocked reports whether the attempt was recorded as a blocked outcome.
func (r Record) Blocked() bool { return r.Kind == "BLOCKED" }

// TransitionRequest is one gate attempt. The acting role comes from the
// client's credentials, not from this struct.
type TransitionRequest struct {
	Gate      string     `json:"gate"`
	Mode      string     `json:"mode"`
	Rationale []string   `json:"rationale"`
	OutputRef string     `json:"output_ref"`
	FollowUps []FollowUp `json:"follow_ups,omitempty"`
	Lineage   string     `json:"lineage,omitempty"`
	Branch    string     `json:"branch,omitempty"`
}

// Lineage is a named current-state pointer over a task's log.
type Lineage struct {
	Name         string `json:"name"`
	CurrentState string `json:"current_state"`
	CreatedAt    string `json:"created_at"`
}

// PaginatedRecords wraps log pages.
type PaginatedRecords struct {
	Items   []Record `json:"items"`
	NextSeq int64    `json:"next_seq"`
	HasMore bool     `json:"has_more"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in DRAFT. An empty id lets the server generate one.
func (c *Client) CreateTask(ctx context.Context, id string) (Task, error) {
	body := map[string]any{}
	if id != "" {
		body["id"] = id
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Advance attempts a gate transition and returns the appended record, which
// may be a blocked outcome.
func (c *Client) Advance(ctx context.Context, taskID string, req TransitionRequest) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/transitions", req, &resp)
	return resp, err
}

// Log reads one page of the lifecycle log.
func (c *Client) Log(ctx context.Context, taskID string, afterSeq int64, limit int) (PaginatedRecords, error) {
	endpoint := "v0/tasks/" + url.PathEscape(taskID) + "/log"
	params := url.Values{}
	if afterSeq > 0 {
		params.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedRecords
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Lineages lists a task's lineages.
func (c *Client) Lineages(ctx context.Context, taskID string) ([]Lineage, error) {
	var resp []Lineage
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/lineages", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
