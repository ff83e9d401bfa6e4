package redisqueue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/queuetest"
)

func newTestQueue(t *testing.T, cfg queue.Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test:", cfg), mr
}

func TestRedisQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, cfg queue.Config) queue.Queue {
		q, _ := newTestQueue(t, cfg)
		return q
	})
}

func TestJobsSurviveReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", queue.Config{})
	id, err := first.Add(ctx, queuetest.Payload(90))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", queue.Config{})
	defer second.Close()

	job, err := second.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alert", job.Message)

	lease, err := second.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, id, lease.Job.ID)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := q.Add(ctx, queuetest.Payload(90))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				lease, err := q.Claim(ctx, owner, time.Minute)
				if err != nil || lease == nil {
					return
				}
				mu.Lock()
				seen[lease.Job.ID]++
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestStoredLayout(t *testing.T) {
	q, mr := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	id, err := q.Add(ctx, queuetest.Payload(40))
	require.NoError(t, err)

	assert.Equal(t, string(model.JobStateDelayed), mr.HGet("{test}:job:"+id, "state"))
	members, err := mr.ZMembers("{test}:delayed")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)
	assert.False(t, mr.Exists("{test}:waiting"))
}

func TestKeysShareOneClusterSlot(t *testing.T) {
	cases := map[string]string{
		"":              DefaultPrefix,
		"test:":         "{test}:",
		"jobs":          "{jobs}:",
		"{app}:queue:":  "{app}:queue:",
		"app:{}:queue:": "{app:{}:queue}:",
	}
	for in, want := range cases {
		assert.Equal(t, want, hashTagged(in), in)
	}

	q, _ := newTestQueue(t, queue.Config{})
	keys := []string{q.jobKey("a"), q.jobKey("b"), q.seqKey()}
	for _, state := range []model.JobState{model.JobStateWaiting, model.JobStateDelayed, model.JobStateActive, model.JobStateCompleted, model.JobStateFailed} {
		keys = append(keys, q.setKey(state))
	}
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "{test}:"), key)
	}
}
