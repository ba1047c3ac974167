// Package scoring reduces per-provider results for one entity to a single
// 0-100 visibility score.
package scoring

import (
	"math"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Sub-score caps. They sum to 100.
const (
	MaxCoverage  = 40.0
	MaxRank      = 30.0
	MaxSentiment = 20.0
	MaxCitation  = 10.0

	// coverageSaturation is the mention count that earns the full coverage term.
	coverageSaturation = 10.0
	// rankStep is the points lost per position below first place.
	rankStep = 5.0
	// citationSaturation is the average citations per provider that earns
	// the full citation term.
	citationSaturation = 5.0
)

// Visibility is the entity-level reduction of a scan.
type Visibility struct {
	Score           int        `json:"visibility_score"`
	TotalMentions   int        `json:"total_mentions"`
	AvgRank         float64    `json:"avg_rank"`
	SentimentScore  float64    `json:"sentiment_score"`
	TotalCitations  int        `json:"total_citations"`
	CitationDensity float64    `json:"citation_density"`
	Components      Components `json:"components"`
}

// Components are the four bounded terms that make up Score.
type Components struct {
	Coverage  float64 `json:"coverage"`
	Rank      float64 `json:"rank"`
	Sentiment float64 `json:"sentiment"`
	Citation  float64 `json:"citation"`
}

// Sum returns the unrounded total of the terms.
func (c Components) Sum() float64 {
	return c.Coverage + c.Rank + c.Sentiment + c.Citation
}

// Score computes the visibility of entityID from every provider's result.
// Outcomes for other entities are ignored. Failed providers contribute no
// outcomes and do not count toward citation density.
func Score(entityID string, results []model.ProviderResult) Visibility {
	var (
		acc        accumulator
		responding int
	)
	for _, r := range results {
		if r.Failed() {
			continue
		}
		responding++
		for _, o := range r.Outcomes {
			if o.EntityID != entityID {
				continue
			}
			acc.add(o.Mentioned, o.Rank, o.Sentiment, len(o.Citations))
		}
	}
	return acc.visibility(responding)
}

// FromRows re-derives the visibility of entityID from persisted query
// result rows. Every provider with at least one row counts as responding.
func FromRows(entityID string, rows []model.QueryResultRow) Visibility {
	var acc accumulator
	providers := make(map[string]struct{})
	for _, row := range rows {
		if row.EntityID != entityID {
			continue
		}
		providers[row.Provider] = struct{}{}
		acc.add(row.Mentioned, row.Rank, row.Sentiment, len(row.Citations))
	}
	return acc.visibility(len(providers))
}

type accumulator struct {
	mentions  int
	rankSum   float64
	sentSum   float64
	citations int
}

func (a *accumulator) add(mentioned bool, rank int, s model.Sentiment, citations int) {
	if !mentioned || rank <= 0 {
		return
	}
	a.mentions++
	a.rankSum += float64(rank)
	a.sentSum += s.Value()
	a.citations += citations
}

func (a *accumulator) visibility(responding int) Visibility {
	v := Visibility{TotalMentions: a.mentions, TotalCitations: a.citations}
	if a.mentions > 0 {
		v.AvgRank = a.rankSum / float64(a.mentions)
		v.SentimentScore = a.sentSum / float64(a.mentions)
	}
	if responding > 0 {
		v.CitationDensity = float64(a.citations) / float64(responding)
	}
	v.Components = Compute(v.TotalMentions, v.AvgRank, v.SentimentScore, v.CitationDensity)
	v.Score = clamp(int(math.Round(v.Components.Sum())))
	return v
}

// Compute returns the four score terms. Rank and sentiment only score when
// there is at least one mention.
func Compute(mentions int, avgRank, sentiment, citationDensity float64) Components {
	var c Components
	c.Coverage = math.Min(float64(max(mentions, 0))/coverageSaturation*MaxCoverage, MaxCoverage)
	if mentions > 0 {
		c.Rank = math.Max(0, MaxRank-(math.Max(avgRank, 1)-1)*rankStep)
		s := math.Max(-1, math.Min(1, sentiment))
		c.Sentiment = (s + 1) / 2 * MaxSentiment
	}
	c.Citation = math.Min(math.Max(citationDensity, 0)/citationSaturation*MaxCitation, MaxCitation)
	return c
}

func clamp(score int) int {
	return min(max(score, 0), 100)
}
