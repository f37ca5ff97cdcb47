package delivery

import (
	"context"

	"log/slog"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// Broadcaster posts assignment cards to the public digest channel. Failures
// land in the JSONL sink with the rendered payload so operators can repost
// by hand.
type Broadcaster struct {
	sender  domain.BotSender
	sink    domain.DeliverySink
	channel string
}

func NewBroadcaster(cfg config.Config, sender domain.BotSender, sink domain.DeliverySink) *Broadcaster {
	return &Broadcaster{sender: sender, sink: sink, channel: cfg.BroadcastChannel}
}

func (b *Broadcaster) Deliver(ctx context.Context, a domain.Assignment) {
	html := RenderAssignment(a)
	if err := b.sender.SendChannel(ctx, b.channel, html); err != nil {
		slog.Warn("broadcast failed",
			slog.String("channel", b.channel),
			slog.Int64("channel_id", a.ChannelID),
			slog.Int64("message_id", a.MessageID),
			slog.Any("error", err))
		observability.ObserveDelivery(domain.DeliveryBroadcast, domain.OutcomeFailed)
		if b.sink != nil {
			if serr := b.sink.Append(domain.DeliveryRecord{
				Kind:      domain.DeliveryBroadcast,
				ChannelID: a.ChannelID,
				MessageID: a.MessageID,
				Target:    b.channel,
				Outcome:   domain.OutcomeFailed,
				Error:     err.Error(),
				Payload:   html,
			}); serr != nil {
				slog.Error("delivery sink append failed", slog.Any("error", serr))
			}
		}
		return
	}
	observability.ObserveDelivery(domain.DeliveryBroadcast, domain.OutcomeSent)
}
