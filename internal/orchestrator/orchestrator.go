// Package orchestrator fans one scan out to every configured provider.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/model"
)

// Scanner is a single provider able to answer a batched query set.
// Implementations report failures on the returned result instead of
// returning an error.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, entities []model.Entity, queries []string) model.ProviderResult
}

// Result is the collected output of one fan-out.
type Result struct {
	Providers []model.ProviderResult
	TotalCost float64
	Failed    int
	Elapsed   time.Duration
}

// Orchestrator queries every Scanner concurrently.
type Orchestrator struct {
	scanners []Scanner
}

// New creates an Orchestrator. Results are reported in the order scanners
// are given.
func New(scanners ...Scanner) *Orchestrator {
	return &Orchestrator{scanners: scanners}
}

// Providers returns the configured provider names in report order.
func (o *Orchestrator) Providers() []string {
	names := make([]string, len(o.scanners))
	for i, s := range o.scanners {
		names[i] = s.Name()
	}
	return names
}

// Run invokes every provider in parallel and waits for all of them. Failed
// providers are included with their Error set. Nothing is retried here.
func (o *Orchestrator) Run(ctx context.Context, entities []model.Entity, queries []string) Result {
	start := time.Now()
	results := make([]model.ProviderResult, len(o.scanners))

	var g errgroup.Group
	for i, s := range o.scanners {
		g.Go(func() error {
			results[i] = scanOne(ctx, s, entities, queries)
			return nil
		})
	}
	_ = g.Wait()

	out := Result{Providers: results, Elapsed: time.Since(start)}
	for _, r := range results {
		out.TotalCost += r.Cost
		if r.Failed() {
			out.Failed++
		}
	}

	zap.L().Debug("orchestrator: fan-out complete",
		zap.Int("providers", len(results)),
		zap.Int("failed", out.Failed),
		zap.Float64("cost_usd", out.TotalCost),
		zap.Duration("elapsed", out.Elapsed),
	)
	return out
}

// scanOne shields the fan-out from scanners that panic despite their
// contract.
func scanOne(ctx context.Context, s Scanner, entities []model.Entity, queries []string) (res model.ProviderResult) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("orchestrator: scanner panicked",
				zap.String("provider", s.Name()), zap.Any("panic", r))
			res = model.ProviderResult{
				Provider:  s.Name(),
				Citations: []string{},
				Outcomes:  []model.Outcome{},
				Error:     "orchestrator: provider panicked",
			}
		}
	}()
	res = s.Scan(ctx, entities, queries)
	if res.Provider == "" {
		res.Provider = s.Name()
	}
	return res
}

// Track records every provider result of r on t.
func (r Result) Track(t *cost.Tracker) {
	for _, p := range r.Providers {
		t.Record(p)
	}
}
