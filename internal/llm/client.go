// Package llm talks to the shipboard LLM runtime over HTTP. The
// runtime exposes a single completion endpoint; calls are wrapped in a
// circuit breaker so a wedged runtime degrades insight generation to
// the rule-based fallback instead of stalling the pipeline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
)

// Client generates completions. The insight enricher depends on this
// interface; tests substitute a stub.
type Client interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// ErrBreakerOpen is returned while the circuit breaker rejects calls.
var ErrBreakerOpen = errors.New("llm circuit breaker open")

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// HTTPClient is the production Client.
type HTTPClient struct {
	url     string
	model   string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// NewHTTPClient builds a client for the runtime at cfg.URL. The
// breaker opens after 5 consecutive failures and probes again after
// 30 seconds.
func NewHTTPClient(cfg config.LLMConfig, logger logging.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-runtime",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("LLM circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPClient{
		url:     cfg.URL,
		model:   cfg.Model,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// DefaultModel returns the configured model name, used when the policy
// document does not name one.
func (c *HTTPClient) DefaultModel() string { return c.model }

// Generate runs one completion. The per-call deadline is the shorter
// of the configured timeout and the caller's context.
func (c *HTTPClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = c.model
	}
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doGenerate(ctx, model, prompt)
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		monitoring.RecordLLMCall("breaker_open", elapsed)
		return "", fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	case errors.Is(err, context.DeadlineExceeded):
		monitoring.RecordLLMCall("timeout", elapsed)
		return "", err
	case err != nil:
		monitoring.RecordLLMCall("error", elapsed)
		return "", err
	}

	monitoring.RecordLLMCall("success", elapsed)
	return result.(string), nil
}

func (c *HTTPClient) doGenerate(ctx context.Context, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm runtime returned %d: %s", resp.StatusCode, data)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if out.Response == "" {
		return "", fmt.Errorf("llm runtime returned empty response")
	}
	return out.Response, nil
}
