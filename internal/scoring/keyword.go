package scoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

// KeywordScorer is an offline scorer that weighs well known words in the
// message. It never fails.
type KeywordScorer struct {
	Base int
}

var keywordWeights = []struct {
	words  []string
	weight int
}{
	{[]string{"urgent", "critical", "outage", "down", "breach", "security", "emergency"}, 40},
	{[]string{"alert", "failed", "failure", "error", "payment", "invoice", "expired"}, 20},
	{[]string{"reminder", "update", "scheduled"}, 5},
	{[]string{"newsletter", "promo", "promotion", "digest", "weekly"}, -25},
}

func (s KeywordScorer) Score(_ context.Context, req Request) (Outcome, error) {
	score := s.Base
	if score == 0 {
		score = 40
	}

	text := strings.ToLower(req.Message)
	var matched []string
	for _, group := range keywordWeights {
		for _, w := range group.words {
			if strings.Contains(text, w) {
				score += group.weight
				matched = append(matched, w)
				break
			}
		}
	}
	if urgent, ok := req.Metadata["urgent"].AsBool(); ok && urgent {
		score += 20
		matched = append(matched, "metadata.urgent")
	}

	score = model.ClampScore(score)
	reasoning := "No notable keywords"
	if len(matched) > 0 {
		reasoning = fmt.Sprintf("Matched: %s", strings.Join(matched, ", "))
	}
	return Outcome{
		Score:      score,
		Priority:   model.PriorityFromScore(score),
		Reasoning:  reasoning,
		ShouldSend: score >= 10,
	}, nil
}
