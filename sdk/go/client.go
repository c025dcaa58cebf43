package briefcastsdk

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

// Client is a minimal Briefcast HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  2 * time.Minute,
	}
}

// Record represents the API content record model (partial).
type Record struct {
	ID                   string         `json:"id"`
	OwnerID              string         `json:"owner_id,omitempty"`
	Category             string         `json:"category"`
	TargetDate           string         `json:"target_date"`
	Priority             int            `json:"priority"`
	Content              string         `json:"content,omitempty"`
	Script               string         `json:"script,omitempty"`
	AudioURL             string         `json:"audio_url,omitempty"`
	AudioDurationSeconds float64        `json:"audio_duration_seconds,omitempty"`
	Variant              string         `json:"variant,omitempty"`
	Status               string         `json:"status"`
	RetryCount           int            `json:"retry_count"`
	LastError            string         `json:"last_error,omitempty"`
	LineageID            string         `json:"lineage_id"`
	CreatedAt            string         `json:"created_at"`
	UpdatedAt            string         `json:"updated_at"`
	ExpiresAt            string         `json:"expires_at,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

// NewRecord is the body accepted by AddRecord.
type NewRecord struct {
	ID         string         `json:"id,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Category   string         `json:"category"`
	TargetDate string         `json:"target_date"`
	Priority   *int           `json:"priority,omitempty"`
	Content    string         `json:"content,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	ExpiresAt  string         `json:"expires_at,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RunResult is the batch summary returned by a stage worker.
type RunResult struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processed_count"`
	FailedCount    int      `json:"failed_count"`
	SkippedCount   int      `json:"skipped_count"`
	Errors         []string `json:"errors"`
}

// WorkerHealth reports a stage worker's liveness.
type WorkerHealth struct {
	Status    string `json:"status"`
	Component string `json:"component"`
	Timestamp string `json:"timestamp"`
}

// Status is the pipeline monitoring snapshot (partial).
type Status struct {
	GeneratedAt string         `json:"generated_at"`
	Total       int            `json:"total"`
	Counts      map[string]int `json:"counts"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	FailureRate float64        `json:"failure_rate"`
	Healthy     bool           `json:"healthy"`
	Alerts      []string       `json:"alerts"`
}

// Lineage groups the records narrated from one source record.
type Lineage struct {
	LineageID     string   `json:"lineage_id"`
	Records       []Record `json:"records"`
	VariantsReady []string `json:"variants_ready"`
	Outcome       string   `json:"outcome"`
}

// Event represents a pipeline log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	EventType string         `json:"event_type"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	RecordID  string         `json:"record_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RecordQuery filters ListRecords.
type RecordQuery struct {
	Status     string
	Category   string
	TargetDate string
	OwnerID    string
	LineageID  string
	Limit      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunStage triggers one batch of a stage. When the batch could not read its
// records the server answers 500 with a summary; that summary is returned
// along with the *APIError.
func (c *Client) RunStage(ctx context.Context, stage string) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "workers/"+url.PathEscape(stage), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError {
		_ = json.Unmarshal([]byte(apiErr.Body), &resp)
	}
	return resp, err
}

// StageHealth checks a stage worker.
func (c *Client) StageHealth(ctx context.Context, stage string) (WorkerHealth, error) {
	var resp WorkerHealth
	err := c.do(ctx, http.MethodGet, "workers/"+url.PathEscape(stage), nil, &resp)
	return resp, err
}

// Status returns the monitoring snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// ListRecords lists records matching q.
func (c *Client) ListRecords(ctx context.Context, q RecordQuery) ([]Record, error) {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("status", q.Status)
	set("category", q.Category)
	set("target_date", q.TargetDate)
	set("owner_id", q.OwnerID)
	set("lineage_id", q.LineageID)
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	endpoint := "records"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRecord fetches one record.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "records/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddRecord enqueues a record.
func (c *Client) AddRecord(ctx context.Context, in NewRecord) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "records", in, &resp)
	return resp, err
}

// ResetRecord returns a failed or stuck record to its stage's input status.
func (c *Client) ResetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("records/%s/reset", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Lineage returns the records narrated from one source record.
func (c *Client) Lineage(ctx context.Context, id string) (Lineage, error) {
	var resp Lineage
	err := c.do(ctx, http.MethodGet, "lineages/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
