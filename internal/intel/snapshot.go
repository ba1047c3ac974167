// Package intel derives competitive intelligence from per-domain market
// snapshot history: trends, market position, share of voice, displacement
// risk and the competitive gap.
package intel

import (
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// DefaultRetention bounds snapshot history per domain.
const DefaultRetention = 90 * 24 * time.Hour

// Metric names a numeric snapshot field that can be trended.
type Metric string

const (
	MetricMarketShare   Metric = "market_share"
	MetricTotalMentions Metric = "total_mentions"
	MetricCitations     Metric = "citations"
	MetricSentiment     Metric = "sentiment"
	MetricOverallScore  Metric = "overall_score"
)

// ParseMetric resolves a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricMarketShare, MetricTotalMentions, MetricCitations, MetricSentiment, MetricOverallScore:
		return m, nil
	default:
		return "", eris.Errorf("intel: unknown metric %q", s)
	}
}

// Facts are the measurements recorded for one domain at one point in time.
// Sentiment, technical health and overall score are on a 0-100 scale. A
// technical health of 0 means unknown.
type Facts struct {
	MarketShare     float64 `json:"market_share" yaml:"market_share" validate:"gte=0,lte=100"`
	TotalMentions   int     `json:"total_mentions" yaml:"total_mentions" validate:"gte=0"`
	Citations       int     `json:"citations" yaml:"citations" validate:"gte=0"`
	Sentiment       float64 `json:"sentiment" yaml:"sentiment" validate:"gte=0,lte=100"`
	TechnicalHealth float64 `json:"technical_health" yaml:"technical_health" validate:"gte=0,lte=100"`
	OverallScore    float64 `json:"overall_score" yaml:"overall_score" validate:"gte=0,lte=100"`
	GrowthRate      float64 `json:"growth_rate" yaml:"growth_rate"`
}

// Snapshot is one domain's facts at RecordedAt.
type Snapshot struct {
	Domain string `json:"domain" validate:"required"`
	Facts
	RecordedAt time.Time `json:"recorded_at"`
}

// Value returns the snapshot's value for m.
func (s Snapshot) Value(m Metric) float64 {
	switch m {
	case MetricMarketShare:
		return s.MarketShare
	case MetricTotalMentions:
		return float64(s.TotalMentions)
	case MetricCitations:
		return float64(s.Citations)
	case MetricSentiment:
		return s.Sentiment
	case MetricOverallScore:
		return s.OverallScore
	default:
		return 0
	}
}

// health returns the technical health, treating unknown as healthy.
func (s Snapshot) health() float64 {
	if s.TechnicalHealth == 0 {
		return 100
	}
	return s.TechnicalHealth
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the snapshot's ranges.
func (s Snapshot) Validate() error {
	if err := getValidator().Struct(s); err != nil {
		return eris.Wrapf(err, "intel: invalid snapshot for %q", s.Domain)
	}
	return nil
}

// NormalizeDomain lower-cases d and strips a scheme, a leading "www." and
// any path, so "https://www.SmithToyota.com/" and "smithtoyota.com" key the
// same history.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimPrefix(d, "www.")
}
