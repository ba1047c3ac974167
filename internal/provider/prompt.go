package provider

import (
	"fmt"
	"strings"

	"github.com/sells-group/visibility-cli/internal/model"
)

const systemPrompt = `You analyze how AI assistants answer local-business questions.
For each query, answer it as you normally would, then report for every listed business whether your answer mentions it.
Respond with JSON only, no prose and no markdown fences.`

// BuildPrompt composes the single batched request for a scan: every query
// is asked about every entity in one call.
func BuildPrompt(entities []model.Entity, queries []string) Prompt {
	var b strings.Builder

	b.WriteString("Businesses to track:\n")
	for i, e := range entities {
		fmt.Fprintf(&b, "%d. %s", i+1, e.Name)
		if e.Domain != "" {
			fmt.Fprintf(&b, " (%s)", e.Domain)
		}
		if e.Locale != "" {
			fmt.Fprintf(&b, " [%s]", e.Locale)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nQueries:\n")
	for i, q := range queries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}

	b.WriteString(`
Return an object of this exact shape:
{"queries": [{"query": "<query text>", "results": [{"entity": "<business name>", "mentioned": true, "rank": 1, "sentiment": "positive|neutral|negative", "confidence": 0.9, "citations": ["https://..."], "mention_text": "..."}]}]}

Rules:
- Include one entry per query, using the query text verbatim.
- Include every tracked business in each query's results.
- rank is the 1-based position the business appears in your answer; use 0 and mentioned=false when it does not appear.
- confidence is between 0 and 1.
- citations are source URLs supporting the mention; use [] when none.
`)

	return Prompt{System: systemPrompt, User: b.String()}
}
