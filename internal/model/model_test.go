package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFromScoreIsTotal(t *testing.T) {
	for score := -10; score <= 110; score++ {
		p := PriorityFromScore(score)
		c := ClampScore(score)
		switch {
		case c >= 80:
			assert.Equal(t, PriorityCritical, p, "score %d", score)
		case c >= 60:
			assert.Equal(t, PriorityHigh, p, "score %d", score)
		case c >= 30:
			assert.Equal(t, PriorityMedium, p, "score %d", score)
		default:
			assert.Equal(t, PriorityLow, p, "score %d", score)
		}
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, ClampScore(-5))
	assert.Equal(t, 100, ClampScore(250))
	assert.Equal(t, 42, ClampScore(42))
}

func TestJobPayloadValidate(t *testing.T) {
	ok := JobPayload{UserID: "u1", Channel: ChannelChat, Message: "hi"}
	assert.NoError(t, ok.Validate())

	cases := map[string]JobPayload{
		"missing user":    {Channel: ChannelChat, Message: "hi"},
		"bad channel":     {UserID: "u1", Channel: "sms", Message: "hi"},
		"missing message": {UserID: "u1", Channel: ChannelChat},
		"email no target": {UserID: "u1", Channel: ChannelEmail, Message: "hi"},
		"hook no target":  {UserID: "u1", Channel: ChannelWebhook, Message: "hi"},
	}
	for name, p := range cases {
		assert.Error(t, p.Validate(), name)
	}
}

func TestNewNotificationJobClampsAndDerives(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := NewNotificationJob("id-1", JobPayload{
		UserID:  "u1",
		Channel: ChannelWebhook,
		Message: "alert",
		Score:   140,
		Target:  "https://example.com/hook",
	}, now)

	assert.Equal(t, 100, job.Score)
	assert.Equal(t, PriorityCritical, job.Priority)
	assert.Equal(t, now, job.CreatedAt)
}

func TestMetadataRoundTrip(t *testing.T) {
	raw := `{"count":3,"ratio":0.125,"big":12345678901234567890,"ok":true,"name":"svc","none":null,` +
		`"tags":["a",1,false],"nested":{"level":2,"inner":{"x":"y"}}}`

	var md Metadata
	require.NoError(t, json.Unmarshal([]byte(raw), &md))

	n, ok := md["count"].AsInt64()
	require.True(t, ok)
	assert.EqualValues(t, 3, n)

	big, ok := md["big"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, json.Number("12345678901234567890"), big)

	assert.True(t, md["none"].IsNull())
	assert.Equal(t, KindList, md["tags"].Kind())
	assert.Equal(t, KindObject, md["nested"].Kind())

	encoded, err := json.Marshal(md)
	require.NoError(t, err)

	var again Metadata
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.True(t, md.Equal(again))
	assert.JSONEq(t, raw, string(encoded))
}

func TestMetadataCloneIsDeep(t *testing.T) {
	md := Metadata{"nested": Object(map[string]Value{"k": String("v")})}
	clone := md.Clone()

	inner, _ := clone["nested"].AsObject()
	inner["k"] = String("changed")

	orig, _ := md["nested"].AsObject()
	s, _ := orig["k"].AsString()
	assert.Equal(t, "v", s)
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{"a": []any{1, "two", 3.5, nil}})
	require.NoError(t, err)

	obj, ok := v.AsObject()
	require.True(t, ok)
	list, ok := obj["a"].AsList()
	require.True(t, ok)
	require.Len(t, list, 4)
	f, _ := list[2].AsFloat64()
	assert.Equal(t, 3.5, f)
	assert.True(t, list[3].IsNull())

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestQueueStatsTotal(t *testing.T) {
	s := QueueStats{Waiting: 1, Active: 2, Completed: 3, Failed: 4, Delayed: 5}
	assert.EqualValues(t, 15, s.Total())
	assert.True(t, JobStateFailed.Terminal())
	assert.False(t, JobStateDelayed.Terminal())
}
