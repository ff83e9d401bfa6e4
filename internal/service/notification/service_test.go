package notification

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/queuetest"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	apperrors "github.com/jwalitptl/notify-scheduler/pkg/errors"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

type scorerFunc func(ctx context.Context, req scoring.Request) (scoring.Outcome, error)

func (f scorerFunc) Score(ctx context.Context, req scoring.Request) (scoring.Outcome, error) {
	return f(ctx, req)
}

func fixedScore(score int, shouldSend bool) scoring.Scorer {
	return scorerFunc(func(context.Context, scoring.Request) (scoring.Outcome, error) {
		return scoring.Outcome{Score: score, Reasoning: "fixed", ShouldSend: shouldSend}, nil
	})
}

func newTestService(t *testing.T, scorer scoring.Scorer) (*service, *queue.MemoryQueue, *queuetest.Clock, *metrics.Metrics) {
	t.Helper()
	clock := queuetest.NewClock()
	q := queue.NewMemoryQueue(queue.Config{Now: clock.Now})
	m := metrics.NewNop()
	svc := NewService(q, scorer, logger.Nop(), m).(*service)
	return svc, q, clock, m
}

func chatRequest() SubmitRequest {
	return SubmitRequest{
		UserID:   "u1",
		Channel:  model.ChannelChat,
		Message:  "Database outage in eu-west",
		Metadata: model.Metadata{"team": model.String("sre")},
	}
}

func TestSubmitSchedulesByScore(t *testing.T) {
	cases := []struct {
		score    int
		priority model.Priority
		delay    int64
		state    model.JobState
	}{
		{95, model.PriorityCritical, 0, model.JobStateWaiting},
		{65, model.PriorityHigh, 0, model.JobStateWaiting},
		{45, model.PriorityMedium, 5000, model.JobStateDelayed},
		{10, model.PriorityLow, 30000, model.JobStateDelayed},
	}
	for _, tc := range cases {
		svc, _, _, _ := newTestService(t, fixedScore(tc.score, true))

		res, err := svc.Submit(context.Background(), chatRequest())
		require.NoError(t, err)
		assert.Equal(t, tc.score, res.Score)
		assert.Equal(t, tc.priority, res.Priority)
		assert.Equal(t, tc.delay, res.DelayMs)
		assert.Equal(t, "fixed", res.Reasoning)

		st, err := svc.GetStatus(context.Background(), res.JobID)
		require.NoError(t, err)
		assert.Equal(t, tc.state, st.State, "score %d", tc.score)
	}
}

func TestSubmitFallsBackWhenScoringFails(t *testing.T) {
	failing := scorerFunc(func(context.Context, scoring.Request) (scoring.Outcome, error) {
		return scoring.Outcome{}, stderrors.New("scorer unreachable")
	})
	svc, q, _, m := newTestService(t, failing)

	res, err := svc.Submit(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, scoring.FallbackScore, res.Score)
	assert.Equal(t, model.PriorityMedium, res.Priority)
	assert.Equal(t, scoring.FallbackReasoning, res.Reasoning)
	assert.True(t, res.ShouldSend)
	assert.EqualValues(t, 5000, res.DelayMs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoringFallbacks))

	job, err := q.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 50, job.Score)
}

func TestSubmitClampsScorerOutput(t *testing.T) {
	svc, _, _, _ := newTestService(t, fixedScore(180, true))

	res, err := svc.Submit(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, model.PriorityCritical, res.Priority)
}

func TestSubmitQueuesEvenWhenShouldSendIsFalse(t *testing.T) {
	svc, q, _, _ := newTestService(t, fixedScore(5, false))

	res, err := svc.Submit(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.False(t, res.ShouldSend)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Delayed)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	svc, q, _, _ := newTestService(t, scoring.KeywordScorer{})

	req := chatRequest()
	req.Channel = model.ChannelEmail
	_, err := svc.Submit(context.Background(), req)

	var appErr *apperrors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrBadRequest, appErr.Code)
	assert.Contains(t, appErr.Message, "target is required")

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestGetJobAndStatus(t *testing.T) {
	svc, q, _, _ := newTestService(t, fixedScore(90, true))
	ctx := context.Background()

	res, err := svc.Submit(ctx, chatRequest())
	require.NoError(t, err)

	view, err := svc.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "u1", view.Job.UserID)
	assert.Equal(t, model.JobStateWaiting, view.Status.State)

	lease, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, lease.Job.ID, "w1", model.JobResult{Success: true, Attempts: 1}))

	st, err := svc.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, st.State)
	assert.Equal(t, 100, st.Progress)

	_, cached := svc.cache.Get(res.JobID)
	assert.True(t, cached)
}

func TestGetStatusUnknownJob(t *testing.T) {
	svc, _, _, _ := newTestService(t, scoring.KeywordScorer{})

	_, err := svc.GetStatus(context.Background(), "missing")
	var appErr *apperrors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, 404, appErr.StatusCode())
}

func TestKeywordScoredSubmission(t *testing.T) {
	svc, _, _, m := newTestService(t, scoring.KeywordScorer{})

	res, err := svc.Submit(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, 80, res.Score)
	assert.Equal(t, model.PriorityCritical, res.Priority)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ScoringFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("chat", "critical")))
}
