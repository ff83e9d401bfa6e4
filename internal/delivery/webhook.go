package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

const (
	SignatureHeader  = "X-Notify-Signature"
	signatureIssuer  = "notify-scheduler"
	defaultUserAgent = "notify-scheduler/1.0"
)

type WebhookConfig struct {
	// SigningSecret signs each request with an HS256 token. Empty disables
	// signing.
	SigningSecret string
	UserAgent     string
	Timeout       time.Duration
}

type WebhookSender struct {
	cfg    WebhookConfig
	client *http.Client
	now    func() time.Time
}

func NewWebhookSender(cfg WebhookConfig, client *http.Client) *WebhookSender {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookSender{cfg: cfg, client: client, now: time.Now}
}

type webhookPayload struct {
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Message   string         `json:"message"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SignatureClaims is the token carried in SignatureHeader. BodySHA256 binds
// the token to the exact request body.
type SignatureClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	u, err := url.Parse(msg.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newError(model.ChannelWebhook, CodeBadRequest, "invalid webhook url", err)
	}

	now := s.now().UTC()
	body, err := json.Marshal(webhookPayload{
		ID:        msg.JobID,
		UserID:    msg.UserID,
		Message:   msg.Text,
		Metadata:  msg.Metadata,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return newError(model.ChannelWebhook, CodeBadRequest, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if msg.JobID != "" {
		req.Header.Set("X-Notification-Id", msg.JobID)
	}
	if s.cfg.SigningSecret != "" {
		sig, err := s.sign(body, msg.JobID, now)
		if err != nil {
			return fmt.Errorf("failed to sign webhook payload: %w", err)
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(model.ChannelWebhook, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &Error{
		Channel:    model.ChannelWebhook,
		Reason:     webhookReason(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
	}
}

func (s *WebhookSender) sign(body []byte, jobID string, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := SignatureClaims{
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   jobID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.SigningSecret))
}

// VerifySignature checks a token produced by a WebhookSender against the
// received body. Receivers can use it directly.
func VerifySignature(secret, token string, body []byte) error {
	claims := &SignatureClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(signatureIssuer))
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return fmt.Errorf("signature does not match body")
	}
	return nil
}

func webhookReason(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	}
	if status >= 500 {
		return CodeServerError
	}
	return CodeBadRequest
}
