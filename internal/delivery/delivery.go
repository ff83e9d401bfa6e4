// Package delivery sends notifications to external channels. Every failure is
// returned as *Error so retry policies can classify it by code.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

// Message is one delivery request.
type Message struct {
	JobID    string
	UserID   string
	Target   string
	Text     string
	Metadata model.Metadata
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Error codes shared across channels. Channel specific codes reported by the
// remote side are passed through unchanged.
const (
	CodeTimeout            = "timeout"
	CodeConnection         = "connection"
	CodeRateLimited        = "rate_limited"
	CodeServerError        = "server_error"
	CodeServiceUnavailable = "service_unavailable"
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeInvalidToken       = "invalid_token"
	CodeInvalidEmail       = "invalid_email"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeTemporaryFailure   = "temporary_failure"
	CodeBlocked            = "blocked"
	CodeBounce             = "bounce"
)

type Error struct {
	Channel    model.Channel
	Reason     string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s delivery failed [%s]", e.Channel, e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the classification key retry policies match on.
func (e *Error) Code() string { return e.Reason }

// Detail is the sender's own description of the failure, without the
// wrapped cause.
func (e *Error) Detail() string { return e.Message }

func newError(ch model.Channel, reason, message string, err error) *Error {
	return &Error{Channel: ch, Reason: reason, Message: message, Err: err}
}

// Timeout reports a delivery call that ran out of time before the sender
// could classify the failure itself.
func Timeout(ch model.Channel, err error) *Error {
	return newError(ch, CodeTimeout, "request timed out", err)
}

// transportError classifies failures below HTTP/SMTP.
func transportError(ch model.Channel, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ch, CodeTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ch, CodeTimeout, "request timed out", err)
	}
	return newError(ch, CodeConnection, "request failed", err)
}

// Registry resolves the sender for a channel.
type Registry map[model.Channel]Sender

func (r Registry) Sender(ch model.Channel) (Sender, bool) {
	s, ok := r[ch]
	return s, ok
}
