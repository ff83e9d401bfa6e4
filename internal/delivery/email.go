package delivery

import (
	"context"
	"errors"
	"net"
	"net/mail"
	"net/textproto"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

const DefaultEmailSubject = "Notification"

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	// Timeout bounds a whole SMTP session when the caller's context has no
	// deadline of its own.
	Timeout time.Duration
}

// Dialer opens an SMTP session and sends one message. It must return once
// ctx is done.
type Dialer interface {
	DialAndSend(ctx context.Context, m *gomail.Message) error
}

type EmailSender struct {
	cfg    EmailConfig
	dialer Dialer
}

func NewEmailSender(cfg EmailConfig, dialer Dialer) *EmailSender {
	if cfg.Subject == "" {
		cfg.Subject = DefaultEmailSubject
	}
	if dialer == nil {
		dialer = NewSMTPDialer(cfg)
	}
	return &EmailSender{cfg: cfg, dialer: dialer}
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if _, err := mail.ParseAddress(msg.Target); err != nil {
		return newError(model.ChannelEmail, CodeInvalidEmail, "invalid recipient address", err)
	}

	subject := s.cfg.Subject
	if v, ok := msg.Metadata.String("subject"); ok && v != "" {
		subject = v
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.Target)
	m.SetHeader("Subject", subject)
	if msg.JobID != "" {
		m.SetHeader("X-Notification-Id", msg.JobID)
	}
	m.SetBody("text/plain", msg.Text)
	if html, ok := msg.Metadata.String("html"); ok && html != "" {
		m.AddAlternative("text/html", html)
	}

	if err := s.dialer.DialAndSend(ctx, m); err != nil {
		if ctx.Err() != nil {
			return transportError(model.ChannelEmail, ctx.Err())
		}
		return smtpError(err)
	}
	return nil
}

// smtpError maps SMTP reply codes and network failures onto error codes.
func smtpError(err error) *Error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		e := newError(model.ChannelEmail, smtpReason(tpErr.Code), tpErr.Msg, err)
		e.StatusCode = tpErr.Code
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(model.ChannelEmail, CodeTimeout, "smtp timed out", err)
		}
		return newError(model.ChannelEmail, CodeServiceUnavailable, "smtp server unreachable", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newError(model.ChannelEmail, CodeServiceUnavailable, "smtp server unreachable", err)
	}
	return newError(model.ChannelEmail, CodeTemporaryFailure, "smtp send failed", err)
}

func smtpReason(code int) string {
	switch code {
	case 452, 552:
		return CodeQuotaExceeded
	case 421, 450, 451:
		return CodeTemporaryFailure
	case 550, 551, 553:
		return CodeInvalidEmail
	case 554:
		return CodeBlocked
	}
	if code >= 400 && code < 500 {
		return CodeTemporaryFailure
	}
	return CodeBounce
}
