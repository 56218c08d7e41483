package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// BatchReader is the slice of the store the checker reads.
type BatchReader interface {
	BatchLister
	GetBatch(ctx context.Context, id string) (*model.BatchResult, error)
}

// Checker alerts on each new batch exactly once, whether it is handed a
// batch directly or finds it by polling the store.
type Checker struct {
	store   BatchReader
	alerter *Alerter
	cfg     config.MonitoringConfig

	mu      sync.Mutex
	checked map[string]bool
}

// NewChecker creates a batch alert checker. st may be nil when the checker
// is only fed batches through Check.
func NewChecker(st BatchReader, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		store:   st,
		alerter: alerter,
		cfg:     cfg,
		checked: make(map[string]bool),
	}
}

// Run polls the store for the newest batch until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.poll(ctx, log)
		}
	}
}

func (c *Checker) poll(ctx context.Context, log *zap.Logger) {
	if c.store == nil {
		return
	}
	batches, err := c.store.ListBatches(ctx, 1)
	if err != nil {
		log.Error("monitoring: list batches", zap.Error(err))
		return
	}
	if len(batches) == 0 || c.seen(batches[0].ID) {
		return
	}
	b, err := c.store.GetBatch(ctx, batches[0].ID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Error("monitoring: get batch", zap.String("batch_id", batches[0].ID), zap.Error(err))
		}
		return
	}
	c.Check(ctx, b)
}

// Check evaluates one batch and sends its alerts. It returns the alerts
// raised; a batch already checked raises none.
func (c *Checker) Check(ctx context.Context, b *model.BatchResult) []Alert {
	if b == nil {
		return nil
	}
	c.mu.Lock()
	if c.checked[b.ID] {
		c.mu.Unlock()
		return nil
	}
	c.checked[b.ID] = true
	c.mu.Unlock()

	alerts := c.alerter.Evaluate(b)
	if len(alerts) == 0 {
		zap.L().Debug("monitoring: no alerts triggered", zap.String("batch_id", b.ID))
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: alert check complete",
		zap.String("batch_id", b.ID),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

func (c *Checker) seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checked[id]
}
