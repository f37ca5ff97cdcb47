package delivery

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// DMNotifier asks the matcher which tutors want this assignment and DMs
// each of them once. Redis remembers recent (chat, fingerprint) sends so a
// duplicate post from a second agency does not DM the same tutor twice.
type DMNotifier struct {
	matcher  domain.Matcher
	sender   domain.BotSender
	sink     domain.DeliverySink
	rdb      *redis.Client
	minScore float64
	ttl      time.Duration
}

func NewDMNotifier(cfg config.Config, m domain.Matcher, sender domain.BotSender, sink domain.DeliverySink, rdb *redis.Client) *DMNotifier {
	return &DMNotifier{
		matcher:  m,
		sender:   sender,
		sink:     sink,
		rdb:      rdb,
		minScore: cfg.MinMatchScore,
		ttl:      cfg.DMRecentTTL,
	}
}

func (n *DMNotifier) Deliver(ctx context.Context, a domain.Assignment) {
	cands, err := n.matcher.Match(ctx, a)
	if err != nil {
		slog.Warn("matcher call failed",
			slog.Int64("channel_id", a.ChannelID),
			slog.Int64("message_id", a.MessageID),
			slog.Any("error", err))
		observability.ObserveDelivery(domain.DeliveryDM, domain.OutcomeFailed)
		return
	}

	html := RenderAssignment(a)
	for _, c := range cands {
		if c.Score < n.minScore {
			continue
		}
		if n.recentlySent(ctx, c.ChatID, a.Fingerprint) {
			observability.ObserveDelivery(domain.DeliveryDM, domain.OutcomeSkipped)
			continue
		}
		if err := n.sender.SendDM(ctx, c.ChatID, html); err != nil {
			slog.Warn("dm failed",
				slog.Int64("chat_id", c.ChatID),
				slog.Int64("channel_id", a.ChannelID),
				slog.Int64("message_id", a.MessageID),
				slog.Any("error", err))
			observability.ObserveDelivery(domain.DeliveryDM, domain.OutcomeFailed)
			if n.sink != nil {
				if serr := n.sink.Append(domain.DeliveryRecord{
					Kind:      domain.DeliveryDM,
					ChannelID: a.ChannelID,
					MessageID: a.MessageID,
					ChatID:    c.ChatID,
					Outcome:   domain.OutcomeFailed,
					Error:     err.Error(),
				}); serr != nil {
					slog.Error("delivery sink append failed", slog.Any("error", serr))
				}
			}
			continue
		}
		n.markSent(ctx, c.ChatID, a.Fingerprint)
		observability.ObserveDelivery(domain.DeliveryDM, domain.OutcomeSent)
	}
}

func dmKey(chatID int64, fingerprint string) string {
	return fmt.Sprintf("dm:sent:%d:%s", chatID, fingerprint)
}

// recentlySent fails open: when redis is down the worst case is a repeat
// DM, which beats silently dropping a match.
func (n *DMNotifier) recentlySent(ctx context.Context, chatID int64, fingerprint string) bool {
	if n.rdb == nil || fingerprint == "" {
		return false
	}
	hit, err := n.rdb.Exists(ctx, dmKey(chatID, fingerprint)).Result()
	if err != nil {
		slog.Debug("dm dedupe unavailable", slog.Any("error", err))
		return false
	}
	return hit > 0
}

func (n *DMNotifier) markSent(ctx context.Context, chatID int64, fingerprint string) {
	if n.rdb == nil || fingerprint == "" {
		return
	}
	if err := n.rdb.Set(ctx, dmKey(chatID, fingerprint), "1", n.ttl).Err(); err != nil {
		slog.Debug("dm dedupe unavailable", slog.Any("error", err))
	}
}
