// Package client talks to the research job service: it fetches snapshots,
// opens event streams and keeps a reconciled view of a job alive across
// disconnects.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
)

// API is the request/response side of the service: snapshot fetch and job
// creation.
type API struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewAPI creates an API client for the service at baseURL. A nil httpClient
// gets a client with a 30s timeout.
func NewAPI(baseURL string, httpClient *http.Client, log *logger.Logger) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     log,
	}
}

type createJobRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// FetchJob returns the authoritative state of a job, including its
// iterations and sources. It returns ErrNotFound for an unknown job and a
// *NetworkError for transport failures and 5xx responses.
func (c *API) FetchJob(ctx context.Context, id uuid.UUID) (entity.Job, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/jobs/"+id.String(), nil)
	if err != nil {
		return entity.Job{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entity.Job{}, c.parseError(resp, "fetch job")
	}

	var job entity.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return entity.Job{}, &NetworkError{Op: "fetch job", Err: fmt.Errorf("decode response: %w", err)}
	}
	if job.ID != id {
		return entity.Job{}, fmt.Errorf("fetch job: response is for job %s", job.ID)
	}
	return job, nil
}

// CreateJob registers a new research job and returns its initial state.
func (c *API) CreateJob(ctx context.Context, query string, jobContext map[string]any) (entity.Job, error) {
	body, err := json.Marshal(createJobRequest{Query: query, Context: jobContext})
	if err != nil {
		return entity.Job{}, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/jobs", bytes.NewReader(body))
	if err != nil {
		return entity.Job{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return entity.Job{}, c.parseError(resp, "create job")
	}

	var job entity.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return entity.Job{}, fmt.Errorf("decode response: %w", err)
	}
	return job, nil
}

func (c *API) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	c.logger.Debug("client: http request",
		"method", method,
		"path", path)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client: http request failed",
			"method", method,
			"path", path,
			"error", err)
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	c.logger.Debug("client: http response",
		"method", method,
		"path", path,
		"status", resp.StatusCode)

	return resp, nil
}

// parseError maps a non-success response onto the package errors.
func (c *API) parseError(resp *http.Response, op string) error {
	var body apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = string(bytes.TrimSpace(raw))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: bad request: %s", op, body.Message)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &NetworkError{Op: op, Code: resp.StatusCode, Err: errors.New(body.Message)}
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, body.Message)
	}
}
