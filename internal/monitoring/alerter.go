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

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRejectionRate     AlertType = "rejection_rate"
	AlertUnclassifiedRate  AlertType = "unclassified_rate"
	AlertCollectorFailures AlertType = "collector_failures"
	AlertPartialBatch      AlertType = "partial_batch"
	AlertLowYield          AlertType = "low_yield"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	BatchID   string         `json:"batch_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates batch diagnostics against configured thresholds
// and sends alerts via webhook when thresholds are breached.
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

// Evaluate checks a batch against thresholds and returns any alerts.
// Degradation alerts (rejections, unclassified, failed collectors, partial
// collection) take precedence: a low-yield alert is only raised when the
// pipeline looked healthy, meaning the market simply had no good leads.
func (a *Alerter) Evaluate(b *model.BatchResult) []Alert {
	if b == nil {
		return nil
	}
	var alerts []Alert
	now := time.Now().UTC()
	d := &b.Diagnostics

	if a.cfg.MaxRejectionRate > 0 && d.SignalsReceived > 0 && d.RejectionRate() > a.cfg.MaxRejectionRate {
		alerts = append(alerts, Alert{
			Type:     AlertRejectionRate,
			Severity: "high",
			BatchID:  b.ID,
			Message: fmt.Sprintf(
				"Signal rejection rate %.1f%% exceeds threshold %.1f%% (%d rejected / %d received)",
				d.RejectionRate()*100, a.cfg.MaxRejectionRate*100, d.SignalsRejected, d.SignalsReceived,
			),
			Details: map[string]any{
				"rejection_rate": d.RejectionRate(),
				"threshold":      a.cfg.MaxRejectionRate,
				"reasons":        d.RejectReasons,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxUnclassifiedRate > 0 && d.Profiles > 0 && d.UnclassifiedRate() > a.cfg.MaxUnclassifiedRate {
		alerts = append(alerts, Alert{
			Type:     AlertUnclassifiedRate,
			Severity: "medium",
			BatchID:  b.ID,
			Message: fmt.Sprintf(
				"%.1f%% of profiles unclassified, threshold %.1f%% (%d of %d)",
				d.UnclassifiedRate()*100, a.cfg.MaxUnclassifiedRate*100, len(d.Unclassified), d.Profiles,
			),
			Details: map[string]any{
				"unclassified_rate": d.UnclassifiedRate(),
				"threshold":         a.cfg.MaxUnclassifiedRate,
			},
			Timestamp: now,
		})
	}

	if len(d.CollectorFailures) > a.cfg.MaxCollectorFailures {
		sources := make([]string, len(d.CollectorFailures))
		for i, f := range d.CollectorFailures {
			sources[i] = f.Source
		}
		alerts = append(alerts, Alert{
			Type:     AlertCollectorFailures,
			Severity: "high",
			BatchID:  b.ID,
			Message: fmt.Sprintf(
				"%d collector(s) failed, threshold %d",
				len(d.CollectorFailures), a.cfg.MaxCollectorFailures,
			),
			Details: map[string]any{
				"sources": sources,
			},
			Timestamp: now,
		})
	}

	if d.Partial {
		alerts = append(alerts, Alert{
			Type:      AlertPartialBatch,
			Severity:  "medium",
			BatchID:   b.ID,
			Message:   "Batch deadline reached before all collectors finished",
			Timestamp: now,
		})
	}

	if len(alerts) == 0 && len(b.Leads) < a.cfg.MinLeads {
		alerts = append(alerts, Alert{
			Type:     AlertLowYield,
			Severity: "low",
			BatchID:  b.ID,
			Message: fmt.Sprintf(
				"Batch emitted %d lead(s), expected at least %d; pipeline healthy",
				len(b.Leads), a.cfg.MinLeads,
			),
			Details: map[string]any{
				"candidates_scored": d.CandidatesScored,
				"low_confidence":    d.LowConfidence,
				"quota_held":        d.QuotaHeld,
			},
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
				zap.String("batch_id", alert.BatchID),
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
