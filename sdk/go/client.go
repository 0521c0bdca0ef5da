package helpflowsdk

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
)

// Client is a minimal helpflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// WorkflowState is the workflow state of one help request.
type WorkflowState struct {
	CurrentStage string `json:"current_stage"`
	Phases       []struct {
		PhaseID string `json:"phase_id"`
		Status  string `json:"status"`
	} `json:"phases"`
	Decision   string `json:"decision,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	Closed     bool   `json:"closed"`
	Verified   bool   `json:"verified"`
}

// Task is a template task with its in-phase ordinal and relation badges.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Ordinal     int    `json:"ordinal"`
	Relations   struct {
		Prerequisites []int `json:"prerequisites"`
		Corequisites  []int `json:"corequisites"`
	} `json:"relations"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

// Phase groups tasks.
type Phase struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Tasks    []Task `json:"tasks"`
}

// Workflow is the response of the workflow endpoint.
type Workflow struct {
	RequestID string        `json:"request_id"`
	State     WorkflowState `json:"state"`
	Template  *struct {
		ID     string  `json:"id"`
		Title  string  `json:"title"`
		Phases []Phase `json:"phases"`
	} `json:"template,omitempty"`
}

// Assignment is a stored task assignment.
type Assignment struct {
	TaskID       string  `json:"task_id"`
	StaffID      string  `json:"staff_id"`
	StaffLabel   string  `json:"staff_label"`
	DeadlineDays *int    `json:"deadline_days"`
	Notes        *string `json:"notes"`
}

// Validation reports assignment coverage.
type Validation struct {
	IsValid         bool   `json:"is_valid"`
	TotalTasks      int    `json:"total_tasks"`
	AssignedTasks   int    `json:"assigned_tasks"`
	UnassignedTasks []Task `json:"unassigned_tasks"`
}

// Result carries a backend message, or an error that did not stop the operation.
type Result struct {
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	State   WorkflowState `json:"state"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// Workflow fetches the workflow state and confirmed template.
func (c *Client) Workflow(ctx context.Context, requestID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.requestPath(requestID, "workflow"), nil, &resp)
	return resp, err
}

// Decide records an approve or reject decision.
func (c *Client) Decide(ctx context.Context, requestID, decision string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "decision"), map[string]any{"decision": decision}, &resp)
	return resp, err
}

// Assign stores an assignment for taskID. deadline is free text; anything
// but a whole number of days is stored as null.
func (c *Client) Assign(ctx context.Context, requestID, taskID, staffID, deadline, notes string) (Assignment, error) {
	body := map[string]any{
		"staff_id":      staffID,
		"deadline_days": deadline,
		"notes":         notes,
	}
	var resp Assignment
	endpoint := c.requestPath(requestID, "assignments/"+url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Assignments lists stored assignments.
func (c *Client) Assignments(ctx context.Context, requestID string) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.requestPath(requestID, "assignments"), nil, &resp)
	return resp.Items, err
}

// Validation returns assignment coverage of the confirmed template.
func (c *Client) Validation(ctx context.Context, requestID string) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodGet, c.requestPath(requestID, "validation"), nil, &resp)
	return resp, err
}

// Finalize verifies the request. Empty title or description fall back to the template's.
func (c *Client) Finalize(ctx context.Context, requestID, title, description string) (Result, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "finalize"), body, &resp)
	return resp, err
}

// RejectTemplate asks for a new template. The workflow resets even when
// Result.Error is set.
func (c *Client) RejectTemplate(ctx context.Context, requestID, description, notes string) (Result, error) {
	body := map[string]any{"description": description, "notes": notes}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "template/reject"), body, &resp)
	return resp, err
}

// Events returns recent events of a request, newest first.
func (c *Client) Events(ctx context.Context, requestID string, limit int) ([]Event, error) {
	endpoint := c.requestPath(requestID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) requestPath(requestID, p string) string {
	return fmt.Sprintf("v1/requests/%s/%s", url.PathEscape(requestID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
