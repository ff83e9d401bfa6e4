package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwalitptl/notify-scheduler/pkg/circuitbreaker"
)

type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPScorer asks a remote scoring service. Calls are bounded by the
// configured timeout and guarded by a circuit breaker so a failing service is
// skipped quickly.
type HTTPScorer struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewHTTPScorer(cfg HTTPConfig, client *http.Client, breaker *circuitbreaker.CircuitBreaker) *HTTPScorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:    "scorer",
			Timeout: 30 * time.Second,
		})
	}
	return &HTTPScorer{cfg: cfg, client: client, breaker: breaker}
}

func (s *HTTPScorer) Score(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	err := s.breaker.Execute(func() error {
		var err error
		out, err = s.call(ctx, req)
		return err
	})
	if err != nil {
		return Outcome{}, &Error{Scorer: "http", Err: err}
	}
	return out, nil
}

func (s *HTTPScorer) call(ctx context.Context, req Request) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to build scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Outcome{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("failed to decode scoring response: %w", err)
	}
	return out, nil
}
