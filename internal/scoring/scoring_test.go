package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
)

func mentioned(entityID string, rank int, s model.Sentiment, citations ...string) model.Outcome {
	return model.Outcome{EntityID: entityID, Mentioned: true, Rank: rank, Sentiment: s, Citations: citations}
}

func notMentioned(entityID string) model.Outcome {
	return model.Outcome{EntityID: entityID, Sentiment: model.SentimentNeutral}
}

func TestScore_ZeroMentionsIsZero(t *testing.T) {
	results := []model.ProviderResult{
		{Provider: "openai", Outcomes: []model.Outcome{notMentioned("e1"), notMentioned("e1")}},
		{Provider: "anthropic", Error: "timeout"},
	}
	v := Score("e1", results)
	assert.Equal(t, 0, v.Score)
	assert.Zero(t, v.TotalMentions)
	assert.Zero(t, v.AvgRank)
	assert.Zero(t, v.Components.Rank)
	assert.Zero(t, v.Components.Coverage)
	assert.Zero(t, v.Components.Sentiment)
}

func TestScore_ScenarioOneProviderFails(t *testing.T) {
	results := []model.ProviderResult{
		{Provider: "openai", Outcomes: []model.Outcome{
			mentioned("e1", 1, model.SentimentPositive, "a"),
			mentioned("e1", 2, model.SentimentPositive, "b"),
			mentioned("e1", 3, model.SentimentPositive, "c"),
		}},
		{Provider: "anthropic", Error: "503 overloaded", Outcomes: []model.Outcome{}},
	}
	v := Score("e1", results)

	assert.Equal(t, 3, v.TotalMentions)
	assert.InDelta(t, 2.0, v.AvgRank, 1e-9)
	assert.InDelta(t, 1.0, v.SentimentScore, 1e-9)
	assert.Equal(t, 3, v.TotalCitations)
	assert.InDelta(t, 3.0, v.CitationDensity, 1e-9, "failed providers do not dilute density")

	// coverage 12 + rank 25 + sentiment 20 + citation 6
	assert.InDelta(t, 12.0, v.Components.Coverage, 1e-9)
	assert.InDelta(t, 25.0, v.Components.Rank, 1e-9)
	assert.InDelta(t, 20.0, v.Components.Sentiment, 1e-9)
	assert.InDelta(t, 6.0, v.Components.Citation, 1e-9)
	assert.Equal(t, 63, v.Score)
}

func TestScore_IgnoresOtherEntities(t *testing.T) {
	results := []model.ProviderResult{{Provider: "openai", Outcomes: []model.Outcome{
		mentioned("e1", 1, model.SentimentPositive),
		mentioned("e2", 1, model.SentimentPositive),
		mentioned("e2", 2, model.SentimentPositive),
	}}}
	assert.Equal(t, 1, Score("e1", results).TotalMentions)
	assert.Equal(t, 2, Score("e2", results).TotalMentions)
}

func TestScore_CoverageCapped(t *testing.T) {
	build := func(n int) []model.ProviderResult {
		out := make([]model.Outcome, n)
		for i := range out {
			out[i] = mentioned("e1", 1, model.SentimentNeutral)
		}
		return []model.ProviderResult{{Provider: "p", Outcomes: out}}
	}

	ten := Score("e1", build(10))
	twenty := Score("e1", build(20))
	assert.Equal(t, MaxCoverage, ten.Components.Coverage)
	assert.Equal(t, ten.Components.Coverage, twenty.Components.Coverage)
	assert.Equal(t, ten.Score, twenty.Score)

	prev := -1.0
	for n := 0; n <= 12; n++ {
		c := Score("e1", build(n)).Components.Coverage
		assert.GreaterOrEqual(t, c, prev, "coverage monotonic at n=%d", n)
		prev = c
	}
}

func TestCompute_Terms(t *testing.T) {
	tests := []struct {
		name     string
		mentions int
		rank     float64
		sent     float64
		density  float64
		want     Components
	}{
		{"perfect", 10, 1, 1, 5, Components{40, 30, 20, 10}},
		{"rank floor", 1, 12, 0, 0, Components{4, 0, 10, 0}},
		{"negative sentiment", 5, 2, -1, 10, Components{20, 25, 0, 10}},
		{"no mentions ignores rank and sentiment", 0, 3, 1, 0, Components{0, 0, 0, 0}},
		{"out of range inputs", 3, 0.5, 2, -1, Components{12, 30, 20, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.mentions, tt.rank, tt.sent, tt.density)
			assert.InDelta(t, tt.want.Coverage, got.Coverage, 1e-9)
			assert.InDelta(t, tt.want.Rank, got.Rank, 1e-9)
			assert.InDelta(t, tt.want.Sentiment, got.Sentiment, 1e-9)
			assert.InDelta(t, tt.want.Citation, got.Citation, 1e-9)
		})
	}
}

func TestScore_AlwaysInRangeAndDeterministic(t *testing.T) {
	sentiments := []model.Sentiment{model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative}
	for n := 0; n < 30; n++ {
		var outcomes []model.Outcome
		for i := 0; i < n; i++ {
			cites := make([]string, i%7)
			for j := range cites {
				cites[j] = fmt.Sprintf("https://c%d.example", j)
			}
			outcomes = append(outcomes, mentioned("e1", 1+i%9, sentiments[i%3], cites...))
		}
		results := []model.ProviderResult{{Provider: "p", Outcomes: outcomes}}
		a := Score("e1", results)
		b := Score("e1", results)
		assert.Equal(t, a, b)
		assert.GreaterOrEqual(t, a.Score, 0)
		assert.LessOrEqual(t, a.Score, 100)
	}
}

func TestFromRows_RoundTrip(t *testing.T) {
	results := []model.ProviderResult{
		{Provider: "openai", Outcomes: []model.Outcome{
			mentioned("e1", 2, model.SentimentPositive, "a", "b"),
			notMentioned("e1"),
		}},
		{Provider: "perplexity", Outcomes: []model.Outcome{
			mentioned("e1", 4, model.SentimentNegative, "c"),
			mentioned("e1", 1, model.SentimentNeutral),
		}},
		{Provider: "grok", Error: "rate limited"},
	}
	want := Score("e1", results)

	var rows []model.QueryResultRow
	for _, r := range results {
		if r.Failed() {
			continue
		}
		for _, o := range r.Outcomes {
			rows = append(rows, model.QueryResultRow{
				EntityID: o.EntityID, Provider: r.Provider, Rank: o.Rank,
				Mentioned: o.Mentioned, Sentiment: o.Sentiment, Citations: o.Citations,
			})
		}
	}
	got := FromRows("e1", rows)

	require.Equal(t, want.TotalMentions, got.TotalMentions)
	assert.InDelta(t, want.AvgRank, got.AvgRank, 1e-9)
	assert.InDelta(t, want.SentimentScore, got.SentimentScore, 1e-9)
	assert.Equal(t, want.TotalCitations, got.TotalCitations)
	assert.Equal(t, want.Score, got.Score)
}
