package retry

import (
	"errors"
	"strings"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

// Policy classifies delivery errors. Matching is a case-insensitive substring
// test. An error exposing a code is matched on that code and its detail only,
// so wrapped causes (request URLs, addresses) never decide the outcome. Other
// errors are matched on their text. NonRetryable wins over Retryable. An empty
// Retryable list retries anything not explicitly rejected.
type Policy struct {
	Name         string
	Retryable    []string
	NonRetryable []string
}

type coder interface {
	Code() string
}

type detailer interface {
	Detail() string
}

func (p Policy) Classify(err error) bool {
	if err == nil {
		return false
	}

	subject := subjectOf(err)

	for _, pattern := range p.NonRetryable {
		if strings.Contains(subject, strings.ToLower(pattern)) {
			return false
		}
	}
	if len(p.Retryable) == 0 {
		return true
	}
	for _, pattern := range p.Retryable {
		if strings.Contains(subject, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func subjectOf(err error) string {
	var c coder
	if !errors.As(err, &c) {
		return strings.ToLower(err.Error())
	}
	subject := c.Code()
	var d detailer
	if errors.As(err, &d) {
		subject += " " + d.Detail()
	}
	return strings.ToLower(subject)
}

// Options returns base with the policy installed as the retry condition.
func (p Policy) Options(base Options) Options {
	base.RetryCondition = p.Classify
	return base
}

var (
	ChatPolicy = Policy{
		Name:         "chat",
		Retryable:    []string{"rate_limited", "timeout", "server_error", "service_unavailable"},
		NonRetryable: []string{"invalid_token", "channel_not_found", "user_not_found"},
	}

	EmailPolicy = Policy{
		Name:         "email",
		Retryable:    []string{"timeout", "quota_exceeded", "service_unavailable", "temporary_failure"},
		NonRetryable: []string{"invalid_email", "bounce", "spam", "blocked"},
	}

	WebhookPolicy = Policy{
		Name:         "webhook",
		Retryable:    []string{"timeout", "connection", "server_error", "service_unavailable"},
		NonRetryable: []string{"unauthorized", "forbidden", "not_found", "bad_request"},
	}
)

// ForChannel returns the policy for a delivery channel.
func ForChannel(ch model.Channel) (Policy, bool) {
	switch ch {
	case model.ChannelChat:
		return ChatPolicy, true
	case model.ChannelEmail:
		return EmailPolicy, true
	case model.ChannelWebhook:
		return WebhookPolicy, true
	}
	return Policy{}, false
}
