package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/config"
	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue/queuetest"
	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/messaging"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	res, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer res.Close()

	ctx := context.Background()
	id, err := res.Queue.Add(ctx, queuetest.Payload(90))
	require.NoError(t, err)
	st, err := res.Queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateWaiting, st.State)

	_, ok := res.Limiter.(*ratelimit.RedisLimiter)
	assert.True(t, ok)
	assert.True(t, res.Limiter.Check(ctx, "u1").Allowed)

	_, ok = res.Publisher.(*messaging.ChannelPublisher)
	assert.True(t, ok)

	checks := res.HealthChecks()
	require.Contains(t, checks, "redis")
	require.Contains(t, checks, "queue")
	for name, check := range checks {
		assert.NoError(t, check(ctx), name)
	}
}

func TestNewWithMemory(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Queue.Backend = config.BackendMemory
	cfg.Worker.Embedded = true
	cfg.RateLimit.Backend = config.BackendMemory
	cfg.Events.Enabled = false
	cfg.Metrics.Enabled = false

	res, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer res.Close()

	_, ok := res.Limiter.(*ratelimit.MemoryLimiter)
	assert.True(t, ok)
	assert.Equal(t, messaging.NopPublisher{}, res.Publisher)
	assert.NotContains(t, res.HealthChecks(), "redis")
}

func TestNewFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Redis.MaxRetries = -1
	mr.Close()

	_, err := New(context.Background(), cfg, logger.Nop())
	assert.Error(t, err)
}

func TestNewScorerAndSenders(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Queue.Backend = config.BackendMemory
	cfg.Worker.Embedded = true
	cfg.RateLimit.Enabled = false
	cfg.Events.Enabled = false

	res, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer res.Close()

	assert.IsType(t, scoring.KeywordScorer{}, res.NewScorer())

	res.Config.Scoring.Provider = config.ScorerHTTP
	res.Config.Scoring.URL = "http://scorer.internal/score"
	assert.IsType(t, &scoring.HTTPScorer{}, res.NewScorer())

	senders := res.NewSenders()
	for _, ch := range []model.Channel{model.ChannelChat, model.ChannelEmail, model.ChannelWebhook} {
		_, ok := senders.Sender(ch)
		assert.True(t, ok, string(ch))
	}
}
