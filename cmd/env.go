package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/events"
	"github.com/sells-group/visibility-cli/internal/intel"
	"github.com/sells-group/visibility-cli/internal/metrics"
	"github.com/sells-group/visibility-cli/internal/monitoring"
	"github.com/sells-group/visibility-cli/internal/orchestrator"
	"github.com/sells-group/visibility-cli/internal/provider"
	"github.com/sells-group/visibility-cli/internal/scan"
	"github.com/sells-group/visibility-cli/internal/store"
)

// appEnv holds the clients and components shared by the scan, intel, serve
// and schedule commands.
type appEnv struct {
	Store     store.Store
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Publisher events.Publisher
	Engine    *intel.Engine
	Processor *scan.Processor // nil unless built withScanner

	closers []func()
}

// Close releases everything in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *appEnv) onClose(f func()) { e.closers = append(e.closers, f) }

// initEnv validates cfg for mode and builds the environment. withScanner
// additionally builds the provider adapters and the batch processor.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, withScanner bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{Registry: prometheus.NewRegistry()}
	env.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Metrics = metrics.New(env.Registry)

	if err := env.build(ctx, withScanner); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *appEnv) build(ctx context.Context, withScanner bool) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	e.Store = st
	e.onClose(func() { _ = st.Close() })

	pub, err := events.New(cfg.Events.Brokers, cfg.Events.Topic)
	if err != nil {
		return eris.Wrap(err, "init events")
	}
	e.Publisher = pub
	e.onClose(func() {
		if err := pub.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	})

	history, closeHistory, err := initHistory(ctx)
	if err != nil {
		return err
	}
	e.onClose(closeHistory)

	reg, err := intel.LoadRegistry(cfg.Intel.CompetitorsFile)
	if err != nil {
		return eris.Wrap(err, "load competitors")
	}
	e.Engine = intel.NewEngine(history, reg,
		intel.WithEngineMetrics(e.Metrics),
		intel.WithEnginePublisher(pub),
	)
	zap.L().Info("intel engine ready",
		zap.String("history", cfg.Intel.HistoryBackend),
		zap.Int("competitors", len(reg.List())),
	)

	if !withScanner {
		return nil
	}

	adapters, err := provider.FromConfig(cfg, e.Metrics)
	if err != nil {
		return eris.Wrap(err, "init providers")
	}
	scanners := make([]orchestrator.Scanner, len(adapters))
	for i, a := range adapters {
		scanners[i] = a
	}
	orch := orchestrator.New(scanners...)
	zap.L().Info("providers ready", zap.Strings("providers", orch.Providers()))

	e.Processor = scan.New(st, orch,
		scan.WithConcurrency(cfg.Scan.Concurrency),
		scan.WithMaxQueries(cfg.Scan.MaxQueries),
		scan.WithPublisher(pub),
		scan.WithMetrics(e.Metrics),
	)
	return nil
}

// initHistory opens the configured snapshot history backend.
func initHistory(ctx context.Context) (intel.History, func(), error) {
	switch cfg.Intel.HistoryBackend {
	case "", "memory":
		return intel.NewMemoryHistory(cfg.Intel.Retention()), func() {}, nil
	case "redis":
		h, err := intel.DialRedisHistory(ctx, cfg.Intel.RedisURL, cfg.Intel.Retention())
		if err != nil {
			return nil, nil, err
		}
		return h, func() {
			if err := h.Close(); err != nil {
				zap.L().Warn("close redis history", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, eris.Errorf("unsupported intel history backend: %s", cfg.Intel.HistoryBackend)
	}
}

// startMonitoring runs the health checker in the background when enabled.
// It stops with ctx.
func (e *appEnv) startMonitoring(ctx context.Context) {
	if !cfg.Monitoring.Enabled {
		return
	}
	go monitoring.New(e.Store, cfg.Monitoring).Run(ctx)
}
