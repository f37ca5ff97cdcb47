// Package delivery fans a finished upsert out to its side effects: the
// broadcast channel, tutor DMs, and the event stream. Side effects are best
// effort and never feed back into job status; a lost broadcast is an
// operator concern, not a pipeline failure.
package delivery

import (
	"context"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// Fanout holds the enabled side effects. Disabled ones are nil.
type Fanout struct {
	broadcaster *Broadcaster
	dms         *DMNotifier
	events      domain.EventPublisher
}

// NewFanout applies the config gates: a component is wired only when its
// flag is on and its dependencies were provided.
func NewFanout(cfg config.Config, sender domain.BotSender, m domain.Matcher, events domain.EventPublisher, sink domain.DeliverySink, rdb *redis.Client) *Fanout {
	f := &Fanout{}
	if cfg.BroadcastEnabled && cfg.BroadcastChannel != "" && sender != nil {
		f.broadcaster = NewBroadcaster(cfg, sender, sink)
	}
	if cfg.DMsEnabled && sender != nil && m != nil {
		f.dms = NewDMNotifier(cfg, m, sender, sink, rdb)
	}
	if cfg.EventsEnabled && events != nil {
		f.events = events
	}
	return f
}

// Deliver runs the side effects for one upserted assignment. Backfill jobs
// replay history, so they reach the event stream but never the broadcast
// channel or tutors' DMs.
func (f *Fanout) Deliver(ctx context.Context, source domain.JobSource, a domain.Assignment) {
	if f == nil {
		return
	}
	if f.events != nil {
		if err := f.events.AssignmentUpserted(ctx, a); err != nil {
			slog.Warn("assignment event publish failed",
				slog.Int64("channel_id", a.ChannelID),
				slog.Int64("message_id", a.MessageID),
				slog.Any("error", err))
			observability.ObserveDelivery(domain.DeliveryEvent, domain.OutcomeFailed)
		} else {
			observability.ObserveDelivery(domain.DeliveryEvent, domain.OutcomeSent)
		}
	}
	if source == domain.SourceBackfill {
		return
	}
	if f.broadcaster != nil {
		f.broadcaster.Deliver(ctx, a)
	}
	if f.dms != nil {
		f.dms.Deliver(ctx, a)
	}
}
