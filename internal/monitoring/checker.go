package monitoring

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically collects a HealthSnapshot, evaluates it and
// delivers any alerts.
type Checker struct {
	collector  *Collector
	thresholds Thresholds
	lookback   int
	interval   time.Duration
	webhook    *Webhook
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides the collector's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.collector.now = now }
}

// WithHTTPClient sets the client used for webhook delivery.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) {
		if c.webhook != nil {
			c.webhook.client = hc
		}
	}
}

// New creates a Checker over src. Alerts are only logged unless
// cfg.WebhookURL is set.
func New(src Source, cfg config.MonitoringConfig, opts ...Option) *Checker {
	c := &Checker{
		collector:  NewCollector(src),
		thresholds: Thresholds{FailureRate: cfg.FailureRateThreshold, CostUSD: cfg.CostThresholdUSD},
		lookback:   cfg.LookbackWindowHours,
		interval:   time.Duration(cfg.CheckIntervalSecs) * time.Second,
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if cfg.WebhookURL != "" {
		c.webhook = NewWebhook(cfg.WebhookURL, nil)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run checks on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring: health checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
		zap.Bool("webhook", c.webhook != nil),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collection and returns the alerts it raised.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect health", zap.Error(err))
		return nil
	}

	alerts := Evaluate(c.thresholds, snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: healthy",
			zap.Int("batches", snap.BatchesTotal),
			zap.Float64("scan_fail_rate", snap.ScanFailRate),
			zap.Float64("avg_score", snap.AvgScore),
		)
		return nil
	}

	for _, a := range alerts {
		log.Warn("monitoring: alert",
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.String("message", a.Message),
		)
	}
	if c.webhook != nil {
		if err := c.webhook.Send(ctx, alerts); err != nil {
			log.Error("monitoring: deliver alerts", zap.Int("alerts", len(alerts)), zap.Error(err))
		}
	}
	return alerts
}
