package queue

import (
	"time"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

// Plan is how a score is scheduled: the dequeue rank (lower first) and the
// initial delay before the job becomes eligible.
type Plan struct {
	Priority model.Priority
	Rank     int
	Delay    time.Duration
}

// rank and delay use separate threshold tables on purpose; they happen to
// agree today but are tuned independently.
var rankTable = []struct {
	min  int
	rank int
}{
	{80, 1},
	{60, 2},
	{30, 3},
	{model.MinScore, 4},
}

var delayTable = []struct {
	min   int
	delay time.Duration
}{
	{60, 0},
	{30, 5 * time.Second},
	{model.MinScore, 30 * time.Second},
}

// Schedule derives the plan for a score. Out of range scores are clamped.
func Schedule(score int) Plan {
	score = model.ClampScore(score)
	p := Plan{Priority: model.PriorityFromScore(score)}
	for _, r := range rankTable {
		if score >= r.min {
			p.Rank = r.rank
			break
		}
	}
	for _, d := range delayTable {
		if score >= d.min {
			p.Delay = d.delay
			break
		}
	}
	return p
}

// OrderKey is the persisted sort key: rank first, then enqueue sequence.
func OrderKey(rank int, seq int64) float64 {
	return float64(rank)*1e12 + float64(seq)
}
