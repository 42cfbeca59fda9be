package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/config"
)

// TaskPruner drops finished generation tasks older than a cutoff.
type TaskPruner interface {
	Prune(cutoff time.Time) int
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithTaskPruner lets each check drop finished tasks that have left the
// lookback window.
func WithTaskPruner(p TaskPruner) CheckerOption {
	return func(c *Checker) { c.pruner = p }
}

// Report summarizes one check.
type Report struct {
	Alerts int
	Sent   int
	Pruned int
}

// Checker collects metrics on a ticker and alerts when a condition first
// appears. A run that stays stale, or a failure rate that stays above the
// threshold, is reported once until it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	pruner    TaskPruner
	cfg       config.MonitoringConfig
	log       *zap.Logger

	mu      sync.Mutex
	stale   map[string]bool
	failing bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		stale:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks once per interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
		zap.Int("stale_labeling_hours", c.cfg.StaleLabelingHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Snapshot collects metrics with the configured windows.
func (c *Checker) Snapshot(ctx context.Context) (*MetricsSnapshot, error) {
	return c.collector.Collect(ctx, c.cfg.LookbackHours, c.cfg.StaleLabelingHours)
}

// Check runs one collection, sends alerts for newly raised conditions and
// prunes finished tasks that fell out of the lookback window.
func (c *Checker) Check(ctx context.Context) Report {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		c.log.Error("metrics collection failed", zap.Error(err))
		return Report{}
	}

	var rep Report
	if c.pruner != nil && c.cfg.LookbackHours > 0 {
		rep.Pruned = c.pruner.Prune(snap.CollectedAt.Add(-time.Duration(c.cfg.LookbackHours) * time.Hour))
	}

	alerts := c.raised(snap)
	rep.Alerts = len(alerts)
	if len(alerts) == 0 {
		c.log.Debug("no new alerts", zap.Int("stale_labeling", len(snap.StaleLabeling)), zap.Int("tasks_pruned", rep.Pruned))
		return rep
	}

	rep.Sent = c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("alert check complete",
		zap.Int("alerts_triggered", rep.Alerts),
		zap.Int("alerts_sent", rep.Sent),
		zap.Int("tasks_pruned", rep.Pruned),
	)
	return rep
}

// raised evaluates snap against what earlier checks already reported. The
// stale-labeling alert names only runs that went stale since the last
// check; runs that were touched again are forgotten so they alert anew.
func (c *Checker) raised(snap *MetricsSnapshot) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := *snap
	fresh.StaleLabeling = nil
	current := make(map[string]bool, len(snap.StaleLabeling))
	for _, id := range snap.StaleLabeling {
		current[id] = true
		if !c.stale[id] {
			fresh.StaleLabeling = append(fresh.StaleLabeling, id)
		}
	}
	c.stale = current

	wasFailing := c.failing
	c.failing = c.alerter.failureRateBreached(snap)

	var out []Alert
	for _, a := range c.alerter.Evaluate(&fresh) {
		if a.Type == AlertTaskFailureRate && wasFailing {
			continue
		}
		out = append(out, a)
	}
	return out
}
