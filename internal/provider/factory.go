package provider

import (
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/metrics"
	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/pkg/anthropic"
	"github.com/sells-group/visibility-cli/pkg/perplexity"
)

// NewCompleter builds the vendor Completer for one configured provider.
func NewCompleter(pc config.ProviderConfig) (Completer, error) {
	switch pc.Kind {
	case "openai":
		return NewOpenAICompleter(pc.Key, pc.BaseURL, pc.Model, pc.JSONMode), nil
	case "anthropic":
		var opts []option.RequestOption
		if pc.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(pc.BaseURL))
		}
		return NewAnthropicCompleter(anthropic.NewClient(pc.Key, opts...), pc.Model), nil
	case "perplexity":
		var opts []perplexity.Option
		if pc.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(pc.BaseURL))
		}
		return NewPerplexityCompleter(perplexity.NewClient(pc.Key, opts...), pc.Model), nil
	default:
		return nil, eris.Errorf("provider: unknown kind %q", pc.Kind)
	}
}

// FromConfig builds an Adapter for every active provider, in the order
// reported by cfg.ActiveProviders.
func FromConfig(cfg *config.Config, m *metrics.Metrics) ([]*Adapter, error) {
	breakers := resilience.NewProviderBreakers(
		resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs),
	)
	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier,
	)

	rates := cost.NewCalculator(cost.DefaultRates())

	names := cfg.ActiveProviders()
	adapters := make([]*Adapter, 0, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		c, err := NewCompleter(pc)
		if err != nil {
			return nil, eris.Wrapf(err, "provider: build %s", name)
		}
		price := cost.TokenRate{Input: pc.InputPrice, Output: pc.OutputPrice}
		if price == (cost.TokenRate{}) {
			price = rates.Rate(pc.Model, price)
		}
		adapters = append(adapters, NewAdapter(name, c, Config{
			Model:       pc.Model,
			Price:       price,
			Timeout:     pc.Timeout(),
			RPS:         pc.RequestsPerSecond,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Retry:       retry,
		}, WithBreaker(breakers.Get(name)), WithMetrics(m)))
	}
	return adapters, nil
}
