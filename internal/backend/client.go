package backend

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

	"github.com/google/uuid"

	"helpflow/internal/domain"
	"helpflow/internal/taskgraph"
)

var (
	_ TemplateCatalog   = (*Client)(nil)
	_ StaffDirectory    = staffClient{}
	_ DocumentSubmitter = (*Client)(nil)
)

// Client talks to the charity backend over JSON/HTTP.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

const defaultTimeout = 15 * time.Second

// NewClient creates a client with sane defaults. The client is safe for
// concurrent use; set HTTPClient before sharing it.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		HTTPClient:  &http.Client{Timeout: defaultTimeout},
		Timeout:     defaultTimeout,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// APIError is a non-2xx response, or a 2xx body carrying a "detail" rejection.
type APIError struct {
	StatusCode int
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("backend error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsAPIError reports whether err carries a backend rejection.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

type wireTemplate struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Phases      []wirePhase `json:"phases"`
}

type wirePhase struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Tasks       []domain.Task `json:"tasks"`
}

type messageResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (c *Client) List(ctx context.Context, offset, limit int) (domain.TemplatePage, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(limit))
	var resp domain.TemplatePage
	err := c.do(ctx, http.MethodGet, "project-templates/?"+q.Encode(), nil, &resp)
	if resp.Items == nil {
		resp.Items = []domain.TemplateSummary{}
	}
	return resp, err
}

func (c *Client) Detail(ctx context.Context, templateID, lang string) (domain.Template, error) {
	endpoint := fmt.Sprintf("project-templates/%s/", url.PathEscape(templateID))
	if lang != "" {
		endpoint += "?lang=" + url.QueryEscape(lang)
	}
	var wt wireTemplate
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wt); err != nil {
		return domain.Template{}, err
	}
	tpl := domain.Template{ID: wt.ID, Title: wt.Title, Description: wt.Description}
	for _, p := range wt.Phases {
		tpl.Phases = append(tpl.Phases, domain.Phase{ID: p.ID, Name: p.Name, Description: p.Description, Tasks: p.Tasks})
	}
	tpl.Phases = taskgraph.Positions(tpl)
	return tpl, nil
}

func (c *Client) RequestNewTemplate(ctx context.Context, requestID string, req NewTemplateRequest) error {
	var resp messageResponse
	endpoint := fmt.Sprintf("help-requests/%s/request-new-template/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return err
	}
	return detailError(resp)
}

func (c *Client) Verify(ctx context.Context, requestID string, req domain.VerifyRequest) (string, error) {
	var resp messageResponse
	endpoint := fmt.Sprintf("help-requests/%s/verify/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return "", err
	}
	return resp.Message, detailError(resp)
}

func (c *Client) Submit(ctx context.Context, requestID string, approved bool, docs []domain.Document) (string, error) {
	body := map[string]any{
		"is_approved": approved,
		"documents":   docs,
	}
	var resp messageResponse
	endpoint := fmt.Sprintf("help-requests/%s/documents/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return "", err
	}
	return resp.Message, detailError(resp)
}

// Staff returns the staff directory served by the same backend.
func (c *Client) Staff() StaffDirectory { return staffClient{c} }

type staffClient struct{ c *Client }

func (s staffClient) List(ctx context.Context, limit, offset int) ([]domain.StaffMember, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	var resp struct {
		StaffList []domain.StaffMember `json:"staff_list"`
	}
	if err := s.c.do(ctx, http.MethodGet, "staff/?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.StaffList == nil {
		resp.StaffList = []domain.StaffMember{}
	}
	return resp.StaffList, nil
}

func detailError(resp messageResponse) error {
	if strings.TrimSpace(resp.Detail) != "" {
		return &APIError{StatusCode: http.StatusOK, Detail: resp.Detail}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(b, &detail) == nil {
			apiErr.Detail = detail.Detail
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}
