package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/model"
)

type fakeScanner struct {
	name  string
	delay time.Duration
	res   model.ProviderResult
	panic bool
	calls atomic.Int32
}

func (f *fakeScanner) Name() string { return f.name }

func (f *fakeScanner) Scan(ctx context.Context, _ []model.Entity, _ []string) model.ProviderResult {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.res
}

var (
	entities = []model.Entity{{ID: "e1", Name: "Smith Toyota"}}
	queries  = []string{"q1"}
)

func TestRun_KeepsOrderAndFailures(t *testing.T) {
	slow := &fakeScanner{name: "openai", delay: 30 * time.Millisecond, res: model.ProviderResult{Provider: "openai", Mentions: 3, Cost: 0.02}}
	bad := &fakeScanner{name: "anthropic", res: model.ProviderResult{Provider: "anthropic", Error: "401 unauthorized"}}
	ok := &fakeScanner{name: "perplexity", res: model.ProviderResult{Mentions: 1, Cost: 0.01}}

	res := New(slow, bad, ok).Run(context.Background(), entities, queries)

	require.Len(t, res.Providers, 3)
	assert.Equal(t, "openai", res.Providers[0].Provider)
	assert.Equal(t, "anthropic", res.Providers[1].Provider)
	assert.Equal(t, "perplexity", res.Providers[2].Provider, "name filled from scanner")
	assert.Equal(t, "401 unauthorized", res.Providers[1].Error)
	assert.Equal(t, 1, res.Failed)
	assert.InDelta(t, 0.03, res.TotalCost, 1e-9)
}

func TestRun_Parallel(t *testing.T) {
	var scanners []Scanner
	for _, n := range []string{"a", "b", "c", "d"} {
		scanners = append(scanners, &fakeScanner{name: n, delay: 50 * time.Millisecond})
	}

	start := time.Now()
	res := New(scanners...).Run(context.Background(), entities, queries)
	assert.Len(t, res.Providers, 4)
	assert.Less(t, time.Since(start), 180*time.Millisecond, "providers must not run one after another")
}

func TestRun_PanicIsolated(t *testing.T) {
	good := &fakeScanner{name: "good", res: model.ProviderResult{Provider: "good", Mentions: 2}}
	bad := &fakeScanner{name: "bad", panic: true}

	res := New(bad, good).Run(context.Background(), entities, queries)
	require.Len(t, res.Providers, 2)
	assert.Equal(t, "bad", res.Providers[0].Provider)
	assert.NotEmpty(t, res.Providers[0].Error)
	assert.Equal(t, 2, res.Providers[1].Mentions)
	assert.Equal(t, 1, res.Failed)
}

func TestRun_NoRetry(t *testing.T) {
	bad := &fakeScanner{name: "bad", res: model.ProviderResult{Error: "timeout"}}
	New(bad).Run(context.Background(), entities, queries)
	assert.Equal(t, int32(1), bad.calls.Load())
}

func TestRun_NoProviders(t *testing.T) {
	res := New().Run(context.Background(), entities, queries)
	assert.Empty(t, res.Providers)
	assert.Zero(t, res.TotalCost)
}

func TestProvidersAndTrack(t *testing.T) {
	o := New(&fakeScanner{name: "x"}, &fakeScanner{name: "y"})
	assert.Equal(t, []string{"x", "y"}, o.Providers())

	tr := cost.NewTracker()
	Result{Providers: []model.ProviderResult{{Provider: "x", Cost: 0.5}, {Provider: "y", Cost: 0.25, Error: "e"}}}.Track(tr)
	assert.InDelta(t, 0.75, tr.Total(), 1e-9)
}
