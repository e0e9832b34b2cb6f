package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	minCheckInterval     = 30 * time.Second
)

// QueueGauge receives the retry queue depth after every check.
type QueueGauge interface {
	SetRetryQueue(pending, due, exhausted int)
}

// Checker evaluates recent runs and the retry queue on an interval. It
// checks four times as often while retries are due, and an alert type is
// sent once per breach: it fires again only after a clean check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	gauge     QueueGauge
	active    map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]bool),
	}
}

// WithQueueGauge publishes queue depths to g after each check.
func (c *Checker) WithQueueGauge(g QueueGauge) *Checker {
	c.gauge = g
	return c
}

// Interval returns the configured check interval.
func (c *Checker) Interval() time.Duration {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return interval
}

// nextDelay shortens the interval while the queue has due entries.
func (c *Checker) nextDelay(snap *MetricsSnapshot) time.Duration {
	interval := c.Interval()
	if snap == nil || snap.RetryDue == 0 {
		return interval
	}
	return max(interval/4, min(interval, minCheckInterval))
}

// Run starts the check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.Interval()),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	timer := time.NewTimer(c.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-timer.C:
			snap := c.check(ctx, log)
			timer.Reset(c.nextDelay(snap))
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) *MetricsSnapshot {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}
	if c.gauge != nil {
		c.gauge.SetRetryQueue(snap.RetryPending, snap.RetryDue, snap.RetryExhausted)
	}

	fresh := c.newAlerts(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("retry_due", snap.RetryDue))
		return snap
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
		zap.Int("retry_due", snap.RetryDue),
	)
	return snap
}

// newAlerts drops alert types that are still active from an earlier check
// and clears types that are no longer breached.
func (c *Checker) newAlerts(alerts []Alert) []Alert {
	breached := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		breached[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.active = breached
	return fresh
}
