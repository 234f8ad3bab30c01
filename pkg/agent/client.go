package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/retry"
	"github.com/psantana5/bisect-farm/pkg/tracing"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrPatchRejected      = errors.New("patch rejected")
	ErrValidation         = errors.New("job request rejected")
	ErrMissingETag        = errors.New("response carried no ETag")
)

// HTTPError is a non-success reply from the broker
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker returned %d", e.StatusCode)
}

// Unwrap maps well-known statuses to the package sentinels
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusBadRequest:
		return ErrPatchRejected
	case http.StatusUnprocessableEntity:
		return ErrValidation
	}
	return nil
}

// Temporary reports whether retrying the same request may succeed
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the broker's job API
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	retry      retry.Config
}

// NewClient creates a client for a plain HTTP broker
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.DefaultConfig(),
	}
}

// NewClientWithTLS creates a client using the given TLS configuration
func NewClientWithTLS(baseURL string, tlsConfig *tls.Config) *Client {
	c := NewClient(baseURL)
	c.httpClient.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
	return c
}

// SetAPIKey sets the bearer key sent with every request
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetRetryConfig replaces the retry policy for idempotent reads
func (c *Client) SetRetryConfig(cfg retry.Config) {
	c.retry = cfg
}

// SetTimeout sets the per-request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// BaseURL returns the broker URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListJobs returns the ids of jobs matching query
func (c *Client) ListJobs(ctx context.Context, query url.Values) ([]string, error) {
	return retry.Do(ctx, c.retry, func() ([]string, error) {
		resp, err := c.do(ctx, http.MethodGet, "/jobs?"+query.Encode(), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		defer resp.Body.Close()

		var list models.JobList
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return nil, fmt.Errorf("failed to decode job list: %w", err)
		}
		return list.Jobs, nil
	})
}

type jobWithETag struct {
	job  *models.Job
	etag string
}

// GetJob fetches a job and its etag
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, string, error) {
	res, err := retry.Do(ctx, c.retry, func() (jobWithETag, error) {
		resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil)
		if err != nil {
			return jobWithETag{}, fmt.Errorf("failed to get job %s: %w", id, err)
		}
		defer resp.Body.Close()
		return decodeJob(resp)
	})
	if err != nil {
		return nil, "", err
	}
	return res.job, res.etag, nil
}

// CreateJob submits a new job and returns its id
func (c *Client) CreateJob(ctx context.Context, req *models.JobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/jobs", bytes.NewReader(body), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	defer resp.Body.Close()

	var created models.CreatedJob
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode created job: %w", err)
	}
	return created.ID, nil
}

// PatchJob sends a patch batch conditioned on ifMatch (empty for none) and
// returns the updated job and its new etag. Patches are never retried.
func (c *Client) PatchJob(ctx context.Context, id, ifMatch string, ops []models.PatchOp) (*models.Job, string, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal patch: %w", err)
	}
	headers := map[string]string{"Content-Type": "application/json-patch+json"}
	if ifMatch != "" {
		headers["If-Match"] = ifMatch
	}

	resp, err := c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(id), bytes.NewReader(body), headers)
	if err != nil {
		return nil, "", fmt.Errorf("failed to patch job %s: %w", id, err)
	}
	defer resp.Body.Close()

	res, err := decodeJob(resp)
	if err != nil {
		return nil, "", err
	}
	return res.job, res.etag, nil
}

// AppendLog appends text to the job's log and returns the new log length
func (c *Client) AppendLog(ctx context.Context, id, text string) (int, error) {
	resp, err := c.do(ctx, http.MethodPut, "/jobs/"+url.PathEscape(id)+"/log", strings.NewReader(text),
		map[string]string{"Content-Type": "text/plain; charset=utf-8"})
	if err != nil {
		return 0, fmt.Errorf("failed to append log for %s: %w", id, err)
	}
	defer resp.Body.Close()

	var out struct {
		Length int `json:"length"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode log append response: %w", err)
	}
	return out.Length, nil
}

// ReadLog returns the job's raw log text
func (c *Client) ReadLog(ctx context.Context, id string) (string, error) {
	return retry.Do(ctx, c.retry, func() (string, error) {
		resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/log", nil, nil)
		if err != nil {
			return "", fmt.Errorf("failed to read log for %s: %w", id, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read log body: %w", err)
		}
		return string(data), nil
	})
}

// Health checks that the broker answers
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

// do sends a request and turns non-2xx replies into *HTTPError
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, readHTTPError(resp)
}

func readHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	herr := &HTTPError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
		herr.Code = envelope.Error.Code
		herr.Message = envelope.Error.Message
	} else {
		herr.Message = strings.TrimSpace(string(data))
	}
	return herr
}

func decodeJob(resp *http.Response) (jobWithETag, error) {
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return jobWithETag{}, ErrMissingETag
	}
	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return jobWithETag{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return jobWithETag{job: &job, etag: etag}, nil
}
