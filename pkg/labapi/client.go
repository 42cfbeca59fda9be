// Package labapi is the HTTP client for the lab backend: experiment runs,
// their filter parameters, candidate generation tasks, the candidate review
// queue and trained-model records.
package labapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/resilience"
)

const defaultBaseURL = "http://localhost:8080"

// Client defines the lab backend operations used by the workbench.
type Client interface {
	ListRuns(ctx context.Context) ([]model.ExperimentRun, error)
	CreateRun(ctx context.Context, req CreateRunRequest) (*model.ExperimentRun, error)
	GetRun(ctx context.Context, id string) (*model.ExperimentRun, error)
	RenameRun(ctx context.Context, id, name string) (*model.ExperimentRun, error)
	DeleteRun(ctx context.Context, id string) error
	GetParameters(ctx context.Context, runID string) (*model.FilterParameters, error)
	UpdateParameters(ctx context.Context, runID string, p model.FilterParameters) (*model.ExperimentRun, error)

	SubmitGeneration(ctx context.Context, runID string, req model.GenerationRequest) (*model.GenerationAck, error)
	GetTask(ctx context.Context, taskID string) (*model.GenerationTask, error)

	ListCandidates(ctx context.Context, runID string, q CandidateQuery) ([]model.Candidate, error)
	CountCandidates(ctx context.Context, runID string, status model.CandidateStatus) (int, error)
	LabelCandidate(ctx context.Context, candidateID string, req model.LabelRequest) (*model.Candidate, error)
	BulkLabel(ctx context.Context, ids []string, req model.LabelRequest) (*model.BulkLabelResult, error)
	LabelUnreviewed(ctx context.Context, runID string, req model.LabelRequest) (*model.BulkLabelResult, error)

	MarkComplete(ctx context.Context, runID string) (*model.ExperimentRun, error)
	ListModels(ctx context.Context, runID string) ([]model.TrainedModel, error)
	RegisterModel(ctx context.Context, runID string, req RegisterModelRequest) (*model.TrainedModel, error)
}

// CreateRunRequest is the body for POST /runs.
type CreateRunRequest struct {
	Name             string                  `json:"name"`
	Description      string                  `json:"description,omitempty"`
	FilterParameters *model.FilterParameters `json:"filter_parameters,omitempty"`
}

// RenameRunRequest is the body for PATCH /runs/{id}.
type RenameRunRequest struct {
	Name string `json:"name"`
}

// BulkLabelRequest is the body for POST /candidates/bulk-label.
type BulkLabelRequest struct {
	IDs []string `json:"ids"`
	model.LabelRequest
}

// RegisterModelRequest is the body for POST /runs/{id}/models.
type RegisterModelRequest struct {
	Name    string             `json:"name"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// CountResponse is returned by the candidate count endpoint.
type CountResponse struct {
	Count int `json:"count"`
}

// CandidateQuery selects one page of a run's candidates.
type CandidateQuery struct {
	Status   model.CandidateStatus
	Page     int
	PageSize int
	Sort     model.Sort
}

// Values encodes q as query parameters.
func (q CandidateQuery) Values() url.Values {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Sort.Key != "" {
		v.Set("sort", string(q.Sort.Key))
	}
	if q.Sort.Order != "" {
		v.Set("order", string(q.Sort.Order))
	}
	return v
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a lab backend client authenticating with token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ListRuns(ctx context.Context) ([]model.ExperimentRun, error) {
	var runs []model.ExperimentRun
	if err := c.call(ctx, http.MethodGet, "/runs", nil, &runs); err != nil {
		return nil, eris.Wrap(err, "labapi: list runs")
	}
	return runs, nil
}

func (c *httpClient) CreateRun(ctx context.Context, req CreateRunRequest) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	if err := c.call(ctx, http.MethodPost, "/runs", req, &run); err != nil {
		return nil, eris.Wrap(err, "labapi: create run")
	}
	return &run, nil
}

func (c *httpClient) GetRun(ctx context.Context, id string) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	if err := c.call(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: get run %s", id))
	}
	return &run, nil
}

func (c *httpClient) RenameRun(ctx context.Context, id, name string) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	if err := c.call(ctx, http.MethodPatch, "/runs/"+url.PathEscape(id), RenameRunRequest{Name: name}, &run); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: rename run %s", id))
	}
	return &run, nil
}

func (c *httpClient) DeleteRun(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, "/runs/"+url.PathEscape(id), nil, nil); err != nil {
		return eris.Wrap(err, fmt.Sprintf("labapi: delete run %s", id))
	}
	return nil
}

func (c *httpClient) GetParameters(ctx context.Context, runID string) (*model.FilterParameters, error) {
	var p model.FilterParameters
	if err := c.call(ctx, http.MethodGet, runPath(runID, "/parameters"), nil, &p); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: get parameters %s", runID))
	}
	return &p, nil
}

func (c *httpClient) UpdateParameters(ctx context.Context, runID string, p model.FilterParameters) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	if err := c.call(ctx, http.MethodPut, runPath(runID, "/parameters"), p, &run); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: update parameters %s", runID))
	}
	return &run, nil
}

func (c *httpClient) SubmitGeneration(ctx context.Context, runID string, req model.GenerationRequest) (*model.GenerationAck, error) {
	var ack model.GenerationAck
	if err := c.call(ctx, http.MethodPost, runPath(runID, "/generate"), req, &ack); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: submit %s generation %s", req.Mode, runID))
	}
	if ack.TaskID == "" && ack.Result == nil {
		return nil, eris.Errorf("labapi: submit generation %s: response has neither task_id nor result", runID)
	}
	return &ack, nil
}

func (c *httpClient) GetTask(ctx context.Context, taskID string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	if err := c.call(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: get task %s", taskID))
	}
	return &task, nil
}

func (c *httpClient) ListCandidates(ctx context.Context, runID string, q CandidateQuery) ([]model.Candidate, error) {
	path := runPath(runID, "/candidates")
	if enc := q.Values().Encode(); enc != "" {
		path += "?" + enc
	}
	var items []model.Candidate
	if err := c.call(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: list candidates %s", runID))
	}
	return items, nil
}

func (c *httpClient) CountCandidates(ctx context.Context, runID string, status model.CandidateStatus) (int, error) {
	path := runPath(runID, "/candidates/count")
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp CountResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, eris.Wrap(err, fmt.Sprintf("labapi: count candidates %s", runID))
	}
	return resp.Count, nil
}

func (c *httpClient) LabelCandidate(ctx context.Context, candidateID string, req model.LabelRequest) (*model.Candidate, error) {
	var cand model.Candidate
	if err := c.call(ctx, http.MethodPatch, "/candidates/"+url.PathEscape(candidateID), req, &cand); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: label candidate %s", candidateID))
	}
	return &cand, nil
}

func (c *httpClient) BulkLabel(ctx context.Context, ids []string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	var res model.BulkLabelResult
	if err := c.call(ctx, http.MethodPost, "/candidates/bulk-label", BulkLabelRequest{IDs: ids, LabelRequest: req}, &res); err != nil {
		return nil, eris.Wrap(err, "labapi: bulk label")
	}
	return &res, nil
}

func (c *httpClient) LabelUnreviewed(ctx context.Context, runID string, req model.LabelRequest) (*model.BulkLabelResult, error) {
	var res model.BulkLabelResult
	if err := c.call(ctx, http.MethodPost, runPath(runID, "/candidates/label-unreviewed"), req, &res); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: label unreviewed %s", runID))
	}
	return &res, nil
}

func (c *httpClient) MarkComplete(ctx context.Context, runID string) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	if err := c.call(ctx, http.MethodPost, runPath(runID, "/complete"), nil, &run); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: mark complete %s", runID))
	}
	return &run, nil
}

func (c *httpClient) ListModels(ctx context.Context, runID string) ([]model.TrainedModel, error) {
	var models []model.TrainedModel
	if err := c.call(ctx, http.MethodGet, runPath(runID, "/models"), nil, &models); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: list models %s", runID))
	}
	return models, nil
}

func (c *httpClient) RegisterModel(ctx context.Context, runID string, req RegisterModelRequest) (*model.TrainedModel, error) {
	var m model.TrainedModel
	if err := c.call(ctx, http.MethodPost, runPath(runID, "/models"), req, &m); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("labapi: register model %s", runID))
	}
	return &m, nil
}

func runPath(runID, suffix string) string {
	return "/runs/" + url.PathEscape(runID) + suffix
}

func (c *httpClient) call(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit")
		}
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(err, "execute request")
		}
		return resilience.NewTransientError(eris.Wrap(err, "execute request"), 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read response body"), 0)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
