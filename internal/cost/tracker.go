package cost

import (
	"sort"
	"sync"

	"github.com/sells-group/visibility-cli/internal/model"
)

// ProviderCost is the accumulated spend for one provider within a run.
type ProviderCost struct {
	Provider     string  `json:"provider"`
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Tracker accumulates provider cost for a single batch run. A Tracker is
// local to one run; it is never shared across batches.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*ProviderCost
	total     float64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{providers: make(map[string]*ProviderCost)}
}

// Record adds one provider invocation to the tracker.
func (t *Tracker) Record(r model.ProviderResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.providers[r.Provider]
	if !ok {
		pc = &ProviderCost{Provider: r.Provider}
		t.providers[r.Provider] = pc
	}
	pc.Calls++
	if r.Failed() {
		pc.Failures++
	}
	pc.InputTokens += r.Usage.InputTokens
	pc.OutputTokens += r.Usage.OutputTokens
	pc.CostUSD += r.Cost
	t.total += r.Cost
}

// Total returns the summed cost of every recorded invocation.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Breakdown returns per-provider totals sorted by provider name.
func (t *Tracker) Breakdown() []ProviderCost {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ProviderCost, 0, len(t.providers))
	for _, pc := range t.providers {
		out = append(out, *pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
