// Package real implements the extractor against an OpenAI-compatible chat
// completion endpoint (vLLM, llama.cpp server and friends).
package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/tutordex/aggregator/internal/adapter/llm"
	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// Client implements domain.Extractor against {LLM_API_URL}/v1/chat/completions.
// One instance is shared by the whole worker pool so the limiter and circuit
// breaker see every request.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	limiter *rate.Limiter
	breaker *llm.Breaker
	prompts *llm.PromptBuilder
	tokens  *llm.TokenCounter
}

var _ domain.Extractor = (*Client)(nil)

// New constructs the client, loading the system prompt and example sets once.
func New(cfg config.Config) (*Client, error) {
	prompts, err := llm.NewPromptBuilder(cfg.SystemPromptFile)
	if err != nil {
		return nil, err
	}
	lim := rate.Inf
	if cfg.LLMRPS > 0 {
		lim = rate.Limit(cfg.LLMRPS)
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.LLMTimeout(), Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: rate.NewLimiter(lim, 1),
		breaker: llm.NewBreaker(cfg.LLMCircuitThreshold, cfg.LLMCircuitCooldown),
		prompts: prompts,
		tokens:  llm.NewTokenCounter(),
	}, nil
}

// Breaker exposes the circuit breaker for readiness reporting.
func (c *Client) Breaker() *llm.Breaker { return c.breaker }

// Extract prompts the model with one raw post and returns the parsed object.
// The HTTP exchange retries on 429/5xx/transport errors under the configured
// backoff; content-level failures (refusals, unparseable JSON) never retry
// here, the job verdict decides what happens to those.
func (c *Client) Extract(ctx domain.Context, req domain.ExtractRequest) (domain.ExtractResult, error) {
	msgs, info := c.prompts.Build(req)
	meta := map[string]any{
		"model":             c.cfg.LLMModel,
		"prompt_sha":        info.SystemSHA,
		"examples_set":      info.ExampleSet,
		"examples_sig":      info.ExampleSig,
		"prompt_tokens_est": c.tokens.EstimateMessages(c.cfg.LLMModel, msgs),
	}
	res := domain.ExtractResult{Meta: meta}

	if !c.breaker.Allow() {
		observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "circuit_open").Inc()
		return res, fmt.Errorf("op=llm.extract: %w", domain.ErrCircuitOpen)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("op=llm.extract: limiter: %w", err)
	}

	start := time.Now()
	content, use, err := c.chat(ctx, msgs)
	res.LatencyMS = time.Since(start).Milliseconds()
	meta["latency_ms"] = res.LatencyMS
	if use.PromptTokens > 0 {
		meta["prompt_tokens"] = use.PromptTokens
		meta["completion_tokens"] = use.CompletionTokens
	}

	if err == nil {
		res.Object, err = llm.ParseObject(content)
		if err != nil && !errors.Is(err, domain.ErrEmptyResponse) {
			if marker, refused := llm.DetectRefusal(content); refused {
				err = fmt.Errorf("op=llm.extract: %w: %q", domain.ErrUpstreamRefused, marker)
			}
		}
	}

	c.settle(err)
	return res, err
}

// settle feeds the final verdict to the breaker. The breaker tracks upstream
// availability, so a completed exchange counts as success even when the
// content is unusable; a canceled caller says nothing about upstream health.
func (c *Client) settle(err error) {
	kind := domain.KindFromError(err)
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case domain.BreakerKind(kind):
		c.breaker.RecordFailure()
	case kind == domain.KindShutdown:
	default:
		c.breaker.RecordSuccess()
	}
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (c *Client) chat(ctx domain.Context, msgs []llm.Message) (string, usage, error) {
	b, _ := json.Marshal(map[string]any{
		"model":       c.cfg.LLMModel,
		"temperature": c.cfg.LLMTemperature,
		"max_tokens":  c.cfg.LLMMaxTokens,
		"messages":    msgs,
	})
	endpoint := strings.TrimRight(c.cfg.LLMAPIURL, "/") + "/v1/chat/completions"

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage usage `json:"usage"`
	}
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt, the body reader is consumed.
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
		if c.cfg.LLMAPIKey != "" {
			r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		}
		resp, err := c.hc.Do(r)
		observability.LLMRequestDuration.WithLabelValues(c.cfg.LLMModel).Observe(time.Since(start).Seconds())
		if err != nil {
			observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "network").Inc()
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			return fmt.Errorf("%w: %v", domain.ErrUpstreamRefused, err)
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "network").Inc()
			return fmt.Errorf("%w: read body: %v", domain.ErrUpstream5xx, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "rate_limited").Inc()
			slog.Warn("llm rate limited", slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.LLMModel))
			return fmt.Errorf("%w: chat status 429", domain.ErrRateLimited)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "client_error").Inc()
			slog.Warn("llm 4xx", slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.LLMModel), slog.String("endpoint", endpoint), slog.String("body", snippet(bodyBytes)))
			return backoff.Permanent(fmt.Errorf("%w: chat status %d", domain.ErrUpstream4xx, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "server_error").Inc()
			slog.Error("llm non-2xx", slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.LLMModel), slog.String("endpoint", endpoint), slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("%w: chat status %d", domain.ErrUpstream5xx, resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			// A broken completion envelope is an upstream fault, retry like a 5xx.
			observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "server_error").Inc()
			slog.Error("llm decode error", slog.String("model", c.cfg.LLMModel), slog.Any("error", err), slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("%w: decode: %v", domain.ErrUpstream5xx, err)
		}
		observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMModel, "success").Inc()
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.getBackoffConfig(), ctx)); err != nil {
		return "", usage{}, fmt.Errorf("op=llm.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", out.Usage, fmt.Errorf("op=llm.chat: %w: no choices", domain.ErrEmptyResponse)
	}
	return out.Choices[0].Message.Content, out.Usage, nil
}

// getBackoffConfig returns a configured ExponentialBackOff based on the current environment.
func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetLLMBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
