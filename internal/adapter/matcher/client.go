// Package matcher calls the external tutor-matching service that pairs an
// upserted assignment with tutor chats interested in it.
package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

type Client struct {
	baseURL string
	hc      *http.Client
}

var _ domain.Matcher = (*Client)(nil)

func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.MatcherURL, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Match posts the assignment payload and returns candidate chats with
// scores; threshold filtering happens in the notifier. Single attempt, no
// backoff: failures surface as dm_failed and the next assignment gets a
// fresh call.
func (c *Client) Match(ctx domain.Context, a domain.Assignment) ([]domain.MatchCandidate, error) {
	payload := struct {
		ChannelID   int64                   `json:"channel_id"`
		MessageID   int64                   `json:"message_id"`
		Fingerprint string                  `json:"fingerprint"`
		Signals     domain.Signals          `json:"signals"`
		Parsed      domain.ParsedAssignment `json:"parsed"`
	}{
		ChannelID:   a.ChannelID,
		MessageID:   a.MessageID,
		Fingerprint: a.Fingerprint,
		Signals:     a.Signals,
		Parsed:      a.Parsed,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("op=matcher.Match: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/match/payload", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=matcher.Match: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=matcher.Match: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=matcher.Match: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("op=matcher.Match: read body: %w", err)
	}
	var candidates []domain.MatchCandidate
	if err := json.Unmarshal(body, &candidates); err != nil {
		return nil, fmt.Errorf("op=matcher.Match: decode: %w", err)
	}
	return candidates, nil
}
