package model

import (
	"strings"
	"time"
)

// BatchStatus is the lifecycle state of a ScanBatch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// CanTransition reports whether a batch may move from s to next.
// Batches only move forward: pending -> processing -> completed|failed.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusProcessing
	case BatchStatusProcessing:
		return next == BatchStatusCompleted || next == BatchStatusFailed
	default:
		return false
	}
}

// ScanStatus is the lifecycle state of a single entity's ScanRecord.
type ScanStatus string

const (
	ScanStatusProcessing ScanStatus = "processing"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusFailed     ScanStatus = "failed"
)

// ScanBatch is one scheduled run of the pipeline across a set of entities.
type ScanBatch struct {
	ID         string      `json:"id"`
	EntityIDs  []string    `json:"entity_ids"`
	ScanDate   time.Time   `json:"scan_date"`
	Status     BatchStatus `json:"status"`
	TotalCost  float64     `json:"total_cost"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ScanRecord is one entity's result within one batch. Aggregates are only
// meaningful once Status is completed.
type ScanRecord struct {
	ID              string     `json:"id"`
	EntityID        string     `json:"entity_id"`
	BatchID         string     `json:"batch_id"`
	ScanDate        time.Time  `json:"scan_date"`
	Status          ScanStatus `json:"status"`
	VisibilityScore int        `json:"visibility_score"`
	TotalMentions   int        `json:"total_mentions"`
	AvgRank         float64    `json:"avg_rank"`
	SentimentScore  float64    `json:"sentiment_score"`
	TotalCitations  int        `json:"total_citations"`
	Cost            float64    `json:"cost"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Sentiment is the tone a provider used when mentioning an entity.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment maps free-form provider text to a Sentiment. Anything
// unrecognized is neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive:
		return SentimentPositive
	case SentimentNegative:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Value maps the sentiment onto {-1, 0, +1}.
func (s Sentiment) Value() float64 {
	switch s {
	case SentimentPositive:
		return 1
	case SentimentNegative:
		return -1
	default:
		return 0
	}
}

// Outcome is one (query, entity) answer parsed from a provider reply.
// Rank is 1-based; a zero rank means the entity was not mentioned.
type Outcome struct {
	Query       string    `json:"query"`
	EntityID    string    `json:"entity_id"`
	Mentioned   bool      `json:"mentioned"`
	Rank        int       `json:"rank"`
	Sentiment   Sentiment `json:"sentiment"`
	Confidence  float64   `json:"confidence"`
	Citations   []string  `json:"citations,omitempty"`
	MentionText string    `json:"mention_text,omitempty"`
}

// TokenUsage tracks provider token consumption for one call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ProviderResult is one provider's contribution to a scan. A result with a
// non-empty Error carries zero metrics.
type ProviderResult struct {
	ID        string     `json:"id,omitempty"`
	ScanID    string     `json:"scan_id,omitempty"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model,omitempty"`
	Mentions  int        `json:"mentions"`
	AvgRank   float64    `json:"avg_rank"`
	Sentiment float64    `json:"sentiment"`
	Citations []string   `json:"citations"`
	Outcomes  []Outcome  `json:"outcomes"`
	LatencyMS int64      `json:"latency_ms"`
	Usage     TokenUsage `json:"usage"`
	Cost      float64    `json:"cost"`
	Error     string     `json:"error,omitempty"`
}

// Failed reports whether the provider call did not produce an answer.
func (r ProviderResult) Failed() bool { return r.Error != "" }

// QueryResultRow is the append-only evidence fact for one
// (query, entity, provider, scan) tuple.
type QueryResultRow struct {
	ID         string    `json:"id"`
	ScanID     string    `json:"scan_id"`
	EntityID   string    `json:"entity_id"`
	Provider   string    `json:"provider"`
	Query      string    `json:"query"`
	Rank       int       `json:"rank"`
	Mentioned  bool      `json:"mentioned"`
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Citations  []string  `json:"citations"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageRecord is the cost-tracking log entry for one provider invocation.
type UsageRecord struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batch_id"`
	ScanID       string    `json:"scan_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMS    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScanBatchResult summarizes a batch run for callers and dashboards.
type ScanBatchResult struct {
	BatchID          string  `json:"batch_id"`
	Success          bool    `json:"success"`
	ProcessedDealers int     `json:"processed_dealers"`
	FailedDealers    int     `json:"failed_dealers"`
	Requested        int     `json:"requested"`
	TotalCost        float64 `json:"total_cost"`
	ElapsedMS        int64   `json:"elapsed_ms"`
	Error            string  `json:"error,omitempty"`
}
