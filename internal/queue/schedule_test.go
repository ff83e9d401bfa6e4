package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

func TestScheduleCoversEveryScore(t *testing.T) {
	for score := 0; score <= 100; score++ {
		plan := Schedule(score)
		switch {
		case score >= 80:
			assert.Equal(t, Plan{model.PriorityCritical, 1, 0}, plan, "score %d", score)
		case score >= 60:
			assert.Equal(t, Plan{model.PriorityHigh, 2, 0}, plan, "score %d", score)
		case score >= 30:
			assert.Equal(t, Plan{model.PriorityMedium, 3, 5 * time.Second}, plan, "score %d", score)
		default:
			assert.Equal(t, Plan{model.PriorityLow, 4, 30 * time.Second}, plan, "score %d", score)
		}
	}
}

func TestScheduleBoundaries(t *testing.T) {
	assert.Equal(t, 2, Schedule(60).Rank)
	assert.Equal(t, time.Duration(0), Schedule(60).Delay)
	assert.Equal(t, 3, Schedule(59).Rank)
	assert.Equal(t, 5*time.Second, Schedule(59).Delay)
	assert.Equal(t, Schedule(0), Schedule(-20))
	assert.Equal(t, Schedule(100), Schedule(400))
}

func TestOrderKeyRanksBeforeSequence(t *testing.T) {
	assert.Less(t, OrderKey(1, 999_999), OrderKey(2, 1))
	assert.Less(t, OrderKey(3, 1), OrderKey(3, 2))
}
