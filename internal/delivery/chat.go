package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

const DefaultChatBaseURL = "https://slack.com/api"

type ChatConfig struct {
	BaseURL        string
	Token          string
	DefaultChannel string
	Timeout        time.Duration
}

// ChatSender posts to a Slack compatible chat.postMessage endpoint.
type ChatSender struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChatSender(cfg ChatConfig, client *http.Client) *ChatSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultChatBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ChatSender{cfg: cfg, client: client}
}

type chatRequest struct {
	Channel  string                 `json:"channel"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type chatResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// chat API errors that mean the credentials are unusable
var invalidTokenErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
}

func (s *ChatSender) Send(ctx context.Context, msg Message) error {
	channel := msg.Target
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}
	if channel == "" {
		return newError(model.ChannelChat, "channel_not_found", "no target and no default channel configured", nil)
	}

	body, err := json.Marshal(chatRequest{
		Channel:  channel,
		Text:     msg.Text,
		Metadata: chatMetadata(msg),
	})
	if err != nil {
		return fmt.Errorf("failed to encode chat message: %w", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/chat.postMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(model.ChannelChat, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Channel: model.ChannelChat, Reason: CodeRateLimited, StatusCode: resp.StatusCode,
			Message: "retry after " + resp.Header.Get("Retry-After")}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return &Error{Channel: model.ChannelChat, Reason: CodeServiceUnavailable, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &Error{Channel: model.ChannelChat, Reason: CodeServerError, StatusCode: resp.StatusCode}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return &Error{Channel: model.ChannelChat, Reason: CodeServerError, StatusCode: resp.StatusCode,
			Message: "unreadable response", Err: err}
	}
	if !out.OK {
		reason := out.Error
		if invalidTokenErrors[reason] {
			reason = CodeInvalidToken
		}
		if reason == "" {
			reason = CodeServerError
		}
		return &Error{Channel: model.ChannelChat, Reason: reason, StatusCode: resp.StatusCode, Message: out.Error}
	}
	return nil
}

func chatMetadata(msg Message) map[string]interface{} {
	if msg.JobID == "" && len(msg.Metadata) == 0 {
		return nil
	}
	payload := msg.Metadata.Interface()
	if msg.JobID != "" {
		payload["job_id"] = msg.JobID
	}
	return map[string]interface{}{
		"event_type":    "notification",
		"event_payload": payload,
	}
}
