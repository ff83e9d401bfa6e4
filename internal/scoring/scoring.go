// Package scoring assigns an importance score to a notification before it is
// queued. Scorers may fail; Resolve is the single place that turns a failure
// into the neutral fallback outcome.
package scoring

import (
	"context"
	"fmt"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

type Request struct {
	Message  string         `json:"message"`
	Metadata model.Metadata `json:"metadata,omitempty"`
	UserID   string         `json:"userId"`
	Channel  model.Channel  `json:"channel"`
}

type Outcome struct {
	Score      int            `json:"score"`
	Priority   model.Priority `json:"priority"`
	Reasoning  string         `json:"reasoning"`
	ShouldSend bool           `json:"shouldSend"`
	Fallback   bool           `json:"-"`
}

type Scorer interface {
	Score(ctx context.Context, req Request) (Outcome, error)
}

// Error wraps a scorer failure.
type Error struct {
	Scorer string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scorer %s failed: %v", e.Scorer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	FallbackScore     = 50
	FallbackReasoning = "Scoring unavailable, using neutral default"
)

// Fallback is the neutral outcome used when scoring fails.
func Fallback() Outcome {
	return Outcome{
		Score:      FallbackScore,
		Priority:   model.PriorityMedium,
		Reasoning:  FallbackReasoning,
		ShouldSend: true,
		Fallback:   true,
	}
}

// Resolve scores req and always returns a usable outcome. When the scorer
// fails the outcome is Fallback() and the scorer error is returned alongside
// it for logging; callers must not reject the submission because of it.
func Resolve(ctx context.Context, s Scorer, req Request) (Outcome, error) {
	if s == nil {
		return Fallback(), &Error{Scorer: "none", Err: fmt.Errorf("no scorer configured")}
	}

	out, err := s.Score(ctx, req)
	if err != nil {
		return Fallback(), err
	}
	return normalize(out), nil
}

func normalize(out Outcome) Outcome {
	out.Score = model.ClampScore(out.Score)
	out.Priority = model.PriorityFromScore(out.Score)
	return out
}
