// Package scoring provides a client for the external anomaly scoring
// service. Given a run's filter parameters the service returns the scored
// events that become review candidates and the size of the data pool they
// were drawn from.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/resilience"
)

// Client scores a run's parameters.
type Client interface {
	Score(ctx context.Context, req Request) (*Response, error)
}

// Request is the body for POST /score.
type Request struct {
	RunID      string                 `json:"run_id"`
	Parameters model.FilterParameters `json:"parameters"`
}

// Response is the scoring service's answer.
type Response struct {
	DataPoolSize int     `json:"data_pool_size"`
	Events       []Event `json:"events"`
}

// Event is one scored anomaly.
type Event struct {
	DetectionRule    string    `json:"detection_rule"`
	AnomalyScore     float64   `json:"anomaly_score"`
	EventTimestamp   time.Time `json:"event_timestamp"`
	DurationMinutes  int       `json:"duration_minutes"`
	BuildingID       string    `json:"building_id,omitempty"`
	FloorID          string    `json:"floor_id,omitempty"`
	SensorID         string    `json:"sensor_id,omitempty"`
	ElectricityDelta float64   `json:"electricity_delta"`
	TemperatureDelta float64   `json:"temperature_delta"`
	HumidityDelta    float64   `json:"humidity_delta"`
}

// Candidate converts e into an unreviewed candidate with the given id.
func (e Event) Candidate(id, runID string) model.Candidate {
	return model.Candidate{
		ID:               id,
		ExperimentRunID:  runID,
		Status:           model.CandidateUnreviewed,
		DetectionRule:    e.DetectionRule,
		AnomalyScore:     e.AnomalyScore,
		EventTimestamp:   e.EventTimestamp.UTC(),
		DurationMinutes:  e.DurationMinutes,
		BuildingID:       e.BuildingID,
		FloorID:          e.FloorID,
		SensorID:         e.SensorID,
		ElectricityDelta: e.ElectricityDelta,
		TemperatureDelta: e.TemperatureDelta,
		HumidityDelta:    e.HumidityDelta,
	}
}

// Option configures the scoring client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithBreaker guards calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

type httpClient struct {
	baseURL string
	key     string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewClient creates a scoring client for the service at baseURL.
func NewClient(baseURL, key string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Score(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "scoring: marshal request")
	}

	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*Response, error) {
			return c.post(ctx, body)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "scoring: score run %s", req.RunID)
	}
	return resp, nil
}

func (c *httpClient) post(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "execute request")
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "execute request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read response body"), 0)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	return &out, nil
}
