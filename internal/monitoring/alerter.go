package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/config"
	"github.com/sells-group/pu-workbench/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTaskFailureRate AlertType = "task_failure_rate"
	AlertStaleLabeling   AlertType = "stale_labeling"
)

// minFinishedTasks keeps one failed preview from paging anyone.
const minFinishedTasks = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a MetricsSnapshot into alerts and posts them to the
// configured webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	log    *zap.Logger
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithWebhookRetry overrides the delivery retry policy.
func WithWebhookRetry(rc resilience.RetryConfig) AlerterOption {
	return func(a *Alerter) { a.retry = rc }
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
		log:    zap.L().With(zap.String("component", "alerter")),
	}
	a.retry.OnRetry = resilience.RetryLogger("webhook", "send alert")
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.TasksCompleted + snap.TasksFailed
	if a.failureRateBreached(snap) {
		alerts = append(alerts, Alert{
			Type:     AlertTaskFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Generation failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.TaskFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.TasksFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.TaskFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.TasksFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if n := len(snap.StaleLabeling); n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleLabeling,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d labeling run(s) idle for more than %dh: %s",
				n, snap.StaleLabelingHours, strings.Join(snap.StaleLabeling, ", "),
			),
			Details: map[string]any{
				"runs":               snap.StaleLabeling,
				"unreviewed_backlog": snap.UnreviewedBacklog,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// failureRateBreached reports whether enough tasks finished in the window
// and too many of them failed.
func (a *Alerter) failureRateBreached(snap *MetricsSnapshot) bool {
	finished := snap.TasksCompleted + snap.TasksFailed
	return finished >= minFinishedTasks && snap.TaskFailRate > a.cfg.FailureRateThreshold
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. 5xx and throttled responses are retried; a failed alert does
// not stop the rest.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			a.log.Error("alert not delivered", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		a.log.Info("alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.New("monitoring: webhook unavailable"), resp.StatusCode)
	case resp.StatusCode >= 400:
		return eris.Errorf("monitoring: webhook rejected alert with status %d", resp.StatusCode)
	}
	return nil
}
