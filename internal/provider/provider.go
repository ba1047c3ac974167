// Package provider wraps external AI inference services behind a uniform
// scan capability. An Adapter never returns an error: every failure becomes
// a ProviderResult with Error set and zero metrics.
package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/metrics"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
)

// ErrEmptyInput is reported when a scan has no entities or no queries.
var ErrEmptyInput = eris.New("provider: entity and query lists must be non-empty")

// Prompt is a single completion request sent to a provider.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Completion is a provider's raw reply to a Prompt.
type Completion struct {
	Text      string
	Model     string
	Usage     model.TokenUsage
	Citations []string
}

// Completer sends one prompt to one provider.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Config holds per-adapter settings.
type Config struct {
	Model       string
	Price       cost.TokenRate
	Timeout     time.Duration
	RPS         float64
	MaxTokens   int
	Temperature float64
	Retry       resilience.RetryConfig
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithBreaker routes every call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Adapter) { a.breaker = cb }
}

// WithMetrics records every scan on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter turns one batched provider call into parsed per-query outcomes.
type Adapter struct {
	name      string
	completer Completer
	cfg       Config
	limiter   *rate.Limiter
	breaker   *resilience.CircuitBreaker
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewAdapter creates an Adapter named name backed by c.
func NewAdapter(name string, c Completer, cfg Config, opts ...Option) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger(name)
	}
	a := &Adapter{
		name:      name,
		completer: c,
		cfg:       cfg,
		now:       time.Now,
	}
	if cfg.RPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return a.name }

// Scan asks the provider about every (query, entity) pair in one request.
// A reply that cannot be parsed reports every pair as not mentioned.
func (a *Adapter) Scan(ctx context.Context, entities []model.Entity, queries []string) (res model.ProviderResult) {
	start := a.now()
	log := zap.L().With(zap.String("provider", a.name))

	defer func() {
		if r := recover(); r != nil {
			log.Error("provider: scan panicked", zap.Any("panic", r))
			res = a.failure(eris.Errorf("provider: panic: %v", r), start)
		}
		a.metrics.ObserveProvider(res)
	}()

	if len(entities) == 0 || len(queries) == 0 {
		return a.failure(ErrEmptyInput, start)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return a.failure(eris.Wrap(err, "provider: rate limit wait"), start)
		}
	}

	prompt := BuildPrompt(entities, queries)
	prompt.MaxTokens = a.cfg.MaxTokens
	prompt.Temperature = a.cfg.Temperature

	comp, err := resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*Completion, error) {
		return resilience.DoVal(ctx, a.cfg.Retry, func(ctx context.Context) (*Completion, error) {
			return a.completer.Complete(ctx, prompt)
		})
	})
	if err != nil {
		log.Warn("provider: scan failed", zap.Error(err))
		return a.failure(err, start)
	}
	if comp == nil {
		return a.failure(eris.New("provider: empty completion"), start)
	}

	outcomes, perr := ParseOutcomes(comp.Text, entities, queries)
	if perr != nil {
		log.Warn("provider: unusable reply, treating as no mentions", zap.Error(perr))
	}

	res = Aggregate(outcomes)
	res.Citations = mergeCitations(res.Citations, comp.Citations)
	res.Provider = a.name
	res.Model = a.cfg.Model
	if comp.Model != "" {
		res.Model = comp.Model
	}
	res.Usage = comp.Usage
	res.Cost = a.cfg.Price.Cost(comp.Usage)
	res.LatencyMS = a.elapsed(start)

	log.Info("cost attribution",
		zap.String("model", res.Model),
		zap.Int64("input_tokens", res.Usage.InputTokens),
		zap.Int64("output_tokens", res.Usage.OutputTokens),
		zap.Float64("estimated_cost_usd", res.Cost),
		zap.Int("mentions", res.Mentions),
	)
	return res
}

func (a *Adapter) failure(err error, start time.Time) model.ProviderResult {
	return model.ProviderResult{
		Provider:  a.name,
		Model:     a.cfg.Model,
		Citations: []string{},
		Outcomes:  []model.Outcome{},
		LatencyMS: a.elapsed(start),
		Error:     err.Error(),
	}
}

func (a *Adapter) elapsed(start time.Time) int64 {
	return max(a.now().Sub(start).Milliseconds(), 0)
}

// Aggregate computes provider-level metrics over outcomes. Rank, sentiment
// and citations only count for mentioned outcomes.
func Aggregate(outcomes []model.Outcome) model.ProviderResult {
	res := model.ProviderResult{Outcomes: outcomes, Citations: []string{}}
	if res.Outcomes == nil {
		res.Outcomes = []model.Outcome{}
	}

	var rankSum, sentSum float64
	seen := make(map[string]struct{})
	for _, o := range outcomes {
		if !o.Mentioned {
			continue
		}
		res.Mentions++
		rankSum += float64(o.Rank)
		sentSum += o.Sentiment.Value()
		for _, c := range o.Citations {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			res.Citations = append(res.Citations, c)
		}
	}
	if res.Mentions > 0 {
		res.AvgRank = rankSum / float64(res.Mentions)
		res.Sentiment = sentSum / float64(res.Mentions)
	}
	return res
}

// mergeCitations appends the response-level sources some providers return
// alongside the text to the provider's deduplicated citation list. They are
// not attributed to any outcome, so they never count toward total citations.
func mergeCitations(listed, response []string) []string {
	if len(response) == 0 {
		return listed
	}
	return dedupe(append(append([]string(nil), listed...), response...))
}
