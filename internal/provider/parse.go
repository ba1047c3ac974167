package provider

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// replyResult is one business entry in a provider reply. Older prompts
// used "dealership" instead of "entity"; both are accepted.
type replyResult struct {
	Entity      string   `json:"entity" validate:"required_without=Dealership"`
	Dealership  string   `json:"dealership" validate:"required_without=Entity"`
	Mentioned   bool     `json:"mentioned"`
	Rank        int      `json:"rank" validate:"gte=0"`
	Sentiment   string   `json:"sentiment" validate:"omitempty,oneof=positive neutral negative"`
	Confidence  *float64 `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	Citations   []string `json:"citations" validate:"omitempty,dive,required"`
	MentionText string   `json:"mention_text"`
}

func (r replyResult) name() string {
	if r.Entity != "" {
		return r.Entity
	}
	return r.Dealership
}

type replyQuery struct {
	Query   string        `json:"query" validate:"required"`
	Results []replyResult `json:"results" validate:"dive"`
}

type replyEnvelope struct {
	Queries []replyQuery `json:"queries" validate:"required,min=1,dive"`
}

// ParseOutcomes decodes a provider reply into one Outcome per
// (query, entity) pair, ordered by query then entity. The returned slice is
// always complete: when the reply is malformed or fails validation every
// pair is reported as not mentioned and the decode error is returned
// alongside.
func ParseOutcomes(text string, entities []model.Entity, queries []string) ([]model.Outcome, error) {
	env, err := decodeReply(text)
	if err != nil {
		return notMentioned(entities, queries), err
	}
	return buildOutcomes(env, entities, queries), nil
}

func decodeReply(text string) (*replyEnvelope, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var env replyEnvelope
	switch raw[0] {
	case '[':
		if err := json.Unmarshal([]byte(raw), &env.Queries); err != nil {
			return nil, eris.Wrap(err, "provider: decode query list")
		}
	default:
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			return nil, eris.Wrap(err, "provider: decode reply object")
		}
		switch {
		case probe["queries"] != nil:
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				return nil, eris.Wrap(err, "provider: decode reply envelope")
			}
		case probe["query"] != nil:
			var q replyQuery
			if err := json.Unmarshal([]byte(raw), &q); err != nil {
				return nil, eris.Wrap(err, "provider: decode single query")
			}
			env.Queries = []replyQuery{q}
		default:
			return nil, eris.New("provider: reply has neither queries nor query")
		}
	}

	for i := range env.Queries {
		for j := range env.Queries[i].Results {
			r := &env.Queries[i].Results[j]
			r.Sentiment = strings.ToLower(strings.TrimSpace(r.Sentiment))
		}
	}

	if err := validate.Struct(&env); err != nil {
		return nil, eris.Wrap(err, "provider: reply failed validation")
	}
	return &env, nil
}

// extractJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object or array in text.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", eris.New("provider: no JSON in reply")
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", eris.New("provider: unterminated JSON in reply")
	}
	return s[start : end+1], nil
}

func buildOutcomes(env *replyEnvelope, entities []model.Entity, queries []string) []model.Outcome {
	byText := make(map[string]int, len(env.Queries))
	for i, q := range env.Queries {
		key := normalizeQuery(q.Query)
		if _, dup := byText[key]; !dup {
			byText[key] = i
		}
	}

	// Claim replies by text first, then fall back to position for queries
	// the provider paraphrased.
	assigned := make([]int, len(queries))
	claimed := make(map[int]bool, len(env.Queries))
	for qi, q := range queries {
		assigned[qi] = -1
		if idx, ok := byText[normalizeQuery(q)]; ok && !claimed[idx] {
			assigned[qi] = idx
			claimed[idx] = true
		}
	}
	for qi := range queries {
		if assigned[qi] < 0 && qi < len(env.Queries) && !claimed[qi] {
			assigned[qi] = qi
			claimed[qi] = true
		}
	}

	out := make([]model.Outcome, 0, len(queries)*len(entities))
	for qi, q := range queries {
		var results []replyResult
		if idx := assigned[qi]; idx >= 0 {
			results = env.Queries[idx].Results
		}
		for _, e := range entities {
			out = append(out, outcomeFor(q, e, results))
		}
	}
	return out
}

func outcomeFor(query string, e model.Entity, results []replyResult) model.Outcome {
	o := model.Outcome{Query: query, EntityID: e.ID, Sentiment: model.SentimentNeutral}
	for _, r := range results {
		if !matchesEntity(r.name(), e) {
			continue
		}
		if r.Confidence != nil {
			o.Confidence = *r.Confidence
		}
		// A mention needs a position; a position without a mention is noise.
		if r.Mentioned && r.Rank > 0 {
			o.Mentioned = true
			o.Rank = r.Rank
			o.Sentiment = model.ParseSentiment(r.Sentiment)
			o.Citations = dedupe(r.Citations)
			o.MentionText = r.MentionText
		}
		return o
	}
	return o
}

func notMentioned(entities []model.Entity, queries []string) []model.Outcome {
	out := make([]model.Outcome, 0, len(queries)*len(entities))
	for _, q := range queries {
		for _, e := range entities {
			out = append(out, model.Outcome{Query: q, EntityID: e.ID, Sentiment: model.SentimentNeutral})
		}
	}
	return out
}
