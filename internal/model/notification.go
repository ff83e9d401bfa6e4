package model

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelChat    Channel = "chat"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every supported delivery channel.
var Channels = []Channel{ChannelChat, ChannelEmail, ChannelWebhook}

func (c Channel) Valid() bool {
	switch c {
	case ChannelChat, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// RequiresTarget reports whether a destination must be supplied at submission.
// Chat falls back to the configured default channel.
func (c Channel) RequiresTarget() bool {
	return c == ChannelEmail || c == ChannelWebhook
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

const (
	MinScore = 0
	MaxScore = 100
)

// ClampScore bounds a score to [0,100].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// PriorityFromScore is the label half of the scheduling policy. The queue
// derives rank and delay from its own table.
func PriorityFromScore(score int) Priority {
	score = ClampScore(score)
	switch {
	case score >= 80:
		return PriorityCritical
	case score >= 60:
		return PriorityHigh
	case score >= 30:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// JobPayload is what the submission path hands to the queue.
type JobPayload struct {
	UserID   string   `json:"userId"`
	Channel  Channel  `json:"channel"`
	Message  string   `json:"message"`
	Metadata Metadata `json:"metadata,omitempty"`
	Score    int      `json:"score"`
	Target   string   `json:"target,omitempty"`
}

func (p JobPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if !p.Channel.Valid() {
		return fmt.Errorf("unsupported channel: %q", p.Channel)
	}
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	if p.Channel.RequiresTarget() && p.Target == "" {
		return fmt.Errorf("target is required for %s notifications", p.Channel)
	}
	return nil
}

// NotificationJob is one unit of scheduled delivery work. Everything here is
// immutable once the queue accepted it.
type NotificationJob struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Channel   Channel   `json:"channel"`
	Message   string    `json:"message"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	Score     int       `json:"score"`
	Priority  Priority  `json:"priority"`
	Target    string    `json:"target,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewNotificationJob builds the stored job from a payload, clamping the score
// and deriving the priority label.
func NewNotificationJob(id string, p JobPayload, now time.Time) NotificationJob {
	score := ClampScore(p.Score)
	return NotificationJob{
		ID:        id,
		UserID:    p.UserID,
		Channel:   p.Channel,
		Message:   p.Message,
		Metadata:  p.Metadata.Clone(),
		Score:     score,
		Priority:  PriorityFromScore(score),
		Target:    p.Target,
		CreatedAt: now.UTC(),
	}
}
