package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/messaging"
)

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	broker := NewRedisBroker(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), logger.Nop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := broker.Subscribe(ctx, "events")
	require.NoError(t, err)

	pub := messaging.NewChannelPublisher(broker, "events")
	require.NoError(t, pub.Publish(ctx, "notification.completed", map[string]string{"jobId": "j1"}))

	select {
	case raw := <-msgs:
		var msg struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "notification.completed", msg.Type)
		assert.Equal(t, "j1", msg.Payload["jobId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestNewClientConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{URL: "redis://" + mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	assert.NoError(t, client.Close())
}
