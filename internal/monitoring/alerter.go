package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/config"
	"github.com/sells-group/permit-leads/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRetryRate        AlertType = "retry_rate"
	AlertExhaustedRetries AlertType = "exhausted_retries"
	AlertCostOverrun      AlertType = "cost_overrun"
	AlertRunFailure       AlertType = "run_failure"
)

// minScoredForRate keeps a handful of retries in a tiny batch from paging
// anyone.
const minScoredForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots and finished runs against configured
// thresholds and sends alerts via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks a windowed snapshot against thresholds.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.Scored >= minScoredForRate && a.cfg.RetryRateThreshold > 0 && snap.RetryRate > a.cfg.RetryRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRetryRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Retry rate %.1f%% exceeds threshold %.1f%% (%d retry / %d scored in last %dh)",
				snap.RetryRate*100, a.cfg.RetryRateThreshold*100,
				snap.Retry, snap.Scored, snap.LookbackHours,
			),
			Details: map[string]any{
				"retry_rate": snap.RetryRate,
				"threshold":  a.cfg.RetryRateThreshold,
				"retry":      snap.Retry,
				"scored":     snap.Scored,
			},
			Timestamp: now,
		})
	}

	if snap.RetryExhausted > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertExhaustedRetries,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d lead(s) exhausted their retry budget and need review", snap.RetryExhausted),
			Details:   map[string]any{"exhausted": snap.RetryExhausted, "pending": snap.RetryPending},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.OracleCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Classification cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.OracleCostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.OracleCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"runs":          snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if snap.RunsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertRunFailure,
			Severity:  "high",
			Message:   fmt.Sprintf("%d run(s) failed in last %dh", snap.RunsFailed, snap.LookbackHours),
			Details:   map[string]any{"failed": snap.RunsFailed, "total": snap.RunsTotal},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateRun checks a single finished run. exhausted is the number of
// queue entries that ran out of retries during the run.
func (a *Alerter) EvaluateRun(runID string, status model.RunStatus, stats model.RunStats, exhausted int) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if status == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:      AlertRunFailure,
			Severity:  "high",
			Message:   fmt.Sprintf("Run %s failed", runID),
			RunID:     runID,
			Timestamp: now,
		})
	}

	rate := stats.RetryRate()
	if stats.Scored >= minScoredForRate && a.cfg.RetryRateThreshold > 0 && rate > a.cfg.RetryRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRetryRate,
			Severity: "high",
			Message: fmt.Sprintf("Run %s retry rate %.1f%% exceeds threshold %.1f%%",
				runID, rate*100, a.cfg.RetryRateThreshold*100),
			RunID:     runID,
			Details:   map[string]any{"retry": stats.Retry, "scored": stats.Scored},
			Timestamp: now,
		})
	}

	if exhausted > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertExhaustedRetries,
			Severity:  "medium",
			Message:   fmt.Sprintf("Run %s left %d lead(s) with no retries remaining", runID, exhausted),
			RunID:     runID,
			Details:   map[string]any{"exhausted": exhausted},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && stats.OracleCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf("Run %s classification cost $%.2f exceeds threshold $%.2f",
				runID, stats.OracleCostUSD, a.cfg.CostThresholdUSD),
			RunID:     runID,
			Details:   map[string]any{"cost_usd": stats.OracleCostUSD, "oracle_calls": stats.OracleCalls},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
