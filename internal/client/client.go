// Package client provides an HTTP and websocket client for recall-server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/recall/internal/app"
	"github.com/raphaelgruber/recall/internal/httpapi"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/segment"
	"github.com/raphaelgruber/recall/internal/service"
)

// Client talks to a recall-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client.
// If baseURL is empty, uses RECALL_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via RECALL_CLIENT_TIMEOUT env var (default 2m for ask requests).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("RECALL_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 2 * time.Minute
	if t := os.Getenv("RECALL_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response. It unwraps to the matching sentinel error
// so callers can use errors.Is with the models errors.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the error code back to a sentinel.
func (e *APIError) Unwrap() error {
	return sentinel(e.Code)
}

func sentinel(code string) error {
	switch code {
	case httpapi.CodeValidation:
		return models.ErrValidation
	case httpapi.CodeNotFound:
		return models.ErrNotFound
	case httpapi.CodeConflict:
		return models.ErrConflict
	case httpapi.CodeOutOfOrder:
		return models.ErrOutOfOrder
	case httpapi.CodeUnavailable:
		return models.ErrEmbeddingUnavailable
	case httpapi.CodeTimeout:
		return context.DeadlineExceeded
	default:
		return nil
	}
}

// do sends a request with an optional JSON body and decodes the response.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb httpapi.ErrorBody
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb = httpapi.ErrorBody{Error: strings.TrimSpace(string(data)), Code: httpapi.CodeInternal}
		}
		return &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// QUERY SURFACE
// =============================================================================

// Search runs a query and returns ranked episodes then frames.
func (c *Client) Search(ctx context.Context, q models.Query) (*models.Response, error) {
	var resp models.Response
	if err := c.do(ctx, http.MethodPost, "/api/search", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Context returns the assembled context block for a query.
func (c *Client) Context(ctx context.Context, q models.Query) (*httpapi.ContextResponse, error) {
	var resp httpapi.ContextResponse
	if err := c.do(ctx, http.MethodPost, "/api/context", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ask answers a question from recorded activity.
func (c *Client) Ask(ctx context.Context, q models.Query) (*httpapi.AskResponse, error) {
	var resp httpapi.AskResponse
	if err := c.do(ctx, http.MethodPost, "/api/ask", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

// Record sends one capture.
func (c *Client) Record(ctx context.Context, in service.RecordInput) (*service.RecordResult, error) {
	var res service.RecordResult
	if err := c.do(ctx, http.MethodPost, "/api/activity", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CloseSource closes the open episode of a source.
func (c *Client) CloseSource(ctx context.Context, sourceID string) (*httpapi.CloseResponse, error) {
	var res httpapi.CloseResponse
	path := "/api/sources/" + url.PathEscape(sourceID) + "/close"
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sources lists sources with an open episode.
func (c *Client) Sources(ctx context.Context) ([]segment.SourceSnapshot, error) {
	var out []segment.SourceSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/sources", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Episode retrieves an episode with its frames.
func (c *Client) Episode(ctx context.Context, id string) (*service.EpisodeDetail, error) {
	var out service.EpisodeDetail
	if err := c.do(ctx, http.MethodGet, "/api/episodes/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recent lists the latest episodes.
func (c *Client) Recent(ctx context.Context, limit int) ([]models.Episode, error) {
	var out []models.Episode
	if err := c.do(ctx, http.MethodGet, "/api/episodes?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Stats returns the server's runtime statistics.
func (c *Client) Stats(ctx context.Context) (*app.Stats, error) {
	var out app.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Backfill starts a backfill job. A limit of 0 means no limit.
func (c *Client) Backfill(ctx context.Context, limit int) (*service.Job, error) {
	var job service.Job
	if err := c.do(ctx, http.MethodPost, "/api/backfill?limit="+strconv.Itoa(limit), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Job retrieves a job by id.
func (c *Client) Job(ctx context.Context, id string) (*service.Job, error) {
	var job service.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists all jobs, most recent first.
func (c *Client) Jobs(ctx context.Context) ([]service.Job, error) {
	var jobs []service.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", c.baseURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}
