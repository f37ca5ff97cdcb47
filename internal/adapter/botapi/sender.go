// Package botapi implements outbound delivery over the Telegram Bot API.
// Broadcast and DM traffic shares one sender so the global token bucket sees
// every request; DMs are additionally paced per chat, which is what the Bot
// API actually enforces.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// Sender implements domain.BotSender. Messages are sent as HTML with web
// previews disabled; 429 and 5xx answers retry under backoff with the
// announced retry_after honored, other 4xx answers fail permanently.
type Sender struct {
	baseURL string
	hc      *http.Client
	global  *rate.Limiter

	perChatEvery time.Duration
	mu           sync.Mutex
	chats        map[int64]*rate.Limiter

	// retry policy, overridden in tests
	initialInterval time.Duration
	maxElapsed      time.Duration
}

var _ domain.BotSender = (*Sender)(nil)

func New(cfg config.Config) (*Sender, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("op=botapi.New: %w: BOT_TOKEN empty", domain.ErrInvalidArgument)
	}
	globalLim := rate.Inf
	burst := 1
	if cfg.DMGlobalRPS > 0 {
		globalLim = rate.Limit(cfg.DMGlobalRPS)
		burst = max(1, int(cfg.DMGlobalRPS))
	}
	return &Sender{
		baseURL:         strings.TrimRight(cfg.BotAPIURL, "/") + "/bot" + cfg.BotToken,
		hc:              &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		global:          rate.NewLimiter(globalLim, burst),
		perChatEvery:    cfg.DMPerChatEvery,
		chats:           make(map[int64]*rate.Limiter),
		initialInterval: 500 * time.Millisecond,
		maxElapsed:      30 * time.Second,
	}, nil
}

// SendChannel posts to a broadcast channel, addressed by @username or
// numeric chat id.
func (s *Sender) SendChannel(ctx domain.Context, channel string, html string) error {
	if err := s.global.Wait(ctx); err != nil {
		return fmt.Errorf("op=botapi.SendChannel: limiter: %w", err)
	}
	return s.send(ctx, channelTarget(channel), html)
}

// SendDM posts to a private chat, paced globally and per chat.
func (s *Sender) SendDM(ctx domain.Context, chatID int64, html string) error {
	if err := s.global.Wait(ctx); err != nil {
		return fmt.Errorf("op=botapi.SendDM: limiter: %w", err)
	}
	if err := s.chatLimiter(chatID).Wait(ctx); err != nil {
		return fmt.Errorf("op=botapi.SendDM: chat limiter: %w", err)
	}
	return s.send(ctx, chatID, html)
}

func (s *Sender) chatLimiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chats[chatID]
	if !ok {
		every := s.perChatEvery
		if every <= 0 {
			every = time.Second
		}
		l = rate.NewLimiter(rate.Every(every), 1)
		s.chats[chatID] = l
	}
	return l
}

// channelTarget normalizes a configured channel reference: numeric ids pass
// through, bare usernames gain the @ the Bot API expects.
func channelTarget(channel string) any {
	channel = strings.TrimSpace(channel)
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return id
	}
	if !strings.HasPrefix(channel, "@") {
		return "@" + channel
	}
	return channel
}

func (s *Sender) send(ctx domain.Context, chatID any, html string) error {
	body, _ := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     html,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})

	op := func() error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sendMessage", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.hc.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return err
		}
		return classify(ctx, resp.StatusCode, respBody)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.initialInterval
	expo.MaxInterval = 10 * time.Second
	expo.MaxElapsedTime = s.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=botapi.send: %w", err)
	}
	return nil
}

// classify turns a Bot API answer into nil, a retryable error or a permanent
// one. The envelope's error_code wins over the HTTP status when present.
func classify(ctx context.Context, status int, body []byte) error {
	var api struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	_ = json.Unmarshal(body, &api)
	if status == http.StatusOK && api.OK {
		return nil
	}

	desc := strings.TrimSpace(api.Description)
	if desc == "" {
		desc = http.StatusText(status)
	}
	code := api.ErrorCode
	if code == 0 {
		code = status
	}
	switch {
	case code == http.StatusTooManyRequests:
		// Sleep the announced retry_after before surfacing the retryable
		// error, so the next attempt is not thrown away.
		waitRetryAfter(ctx, api.Parameters.RetryAfter)
		return fmt.Errorf("%w: bot api %d: %s", domain.ErrRateLimited, code, desc)
	case code >= 400 && code < 500:
		return backoff.Permanent(fmt.Errorf("bot api %d: %s", code, desc))
	default:
		return fmt.Errorf("%w: bot api %d: %s", domain.ErrUnavailable, code, desc)
	}
}

func waitRetryAfter(ctx context.Context, seconds int) {
	if seconds <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(seconds) * time.Second):
	}
}
