package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/tg"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/pkg/textx"
)

// Tail streams new posts from the configured channels until ctx is
// canceled. Persistence hiccups are retried briefly and then dropped with
// an error log; a later backfill over the gap recovers the rows because
// the ingest path is idempotent.
func (c *Collector) Tail(ctx context.Context) error {
	return c.run(ctx, true, func(ctx context.Context) error {
		if err := c.resolveChannels(ctx, c.cfg.Channels); err != nil {
			return err
		}
		slog.Info("tailing channels", slog.Int("channels", len(c.channelList())))
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *Collector) onNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	c.handleChannelPost(ctx, e, u.Message, domain.SourceTail)
	return nil
}

// Edits reuse the ingest path: the raw upsert replaces the text, and the
// enqueue is a no-op when the job for this pipeline version already
// exists. Reprocessing an edited post is an operator decision (requeue),
// not automatic.
func (c *Collector) onEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	c.handleChannelPost(ctx, e, u.Message, domain.SourceTail)
	return nil
}

func (c *Collector) onDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	if _, ok := c.channelFor(u.ChannelID); !ok {
		return nil
	}
	channelID := botAPIChannelID(u.ChannelID)
	for _, msgID := range u.Messages {
		err := c.raw.MarkDeleted(ctx, channelID, int64(msgID))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("mark deleted failed",
				slog.Int64("channel_id", channelID),
				slog.Int("message_id", msgID),
				slog.Any("error", err))
		}
	}
	return nil
}

// handleChannelPost filters one live update down to an ingestable row.
// Outgoing and forwarded posts are dropped here, before they cost a row
// and a job.
func (c *Collector) handleChannelPost(ctx context.Context, e tg.Entities, mc tg.MessageClass, source domain.JobSource) {
	msg, ok := mc.(*tg.Message)
	if !ok || msg.Out {
		return
	}
	if _, fwd := msg.GetFwdFrom(); fwd {
		return
	}
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}
	info, ok := c.channelFor(peer.ChannelID)
	if !ok {
		return
	}
	raw, ok := toRaw(info, e, msg)
	if !ok {
		return
	}
	if err := c.ingest(ctx, raw, source); err != nil {
		slog.Error("raw ingest failed",
			slog.Int64("channel_id", raw.ChannelID),
			slog.Int64("message_id", raw.MessageID),
			slog.Any("error", err))
	}
}

// toRaw maps a channel post to the raw row shape. Posts without text
// (service messages, bare media) are not worth a row.
func toRaw(info channelInfo, e tg.Entities, msg *tg.Message) (domain.RawMessage, bool) {
	text := textx.SanitizeText(msg.Message)
	if text == "" {
		return domain.RawMessage{}, false
	}
	username, title := info.username, info.title
	if ch, ok := e.Channels[info.bareID]; ok && ch != nil {
		if ch.Username != "" {
			username = ch.Username
		}
		if ch.Title != "" {
			title = ch.Title
		}
	}
	_, fwd := msg.GetFwdFrom()
	return domain.RawMessage{
		ChannelID:       botAPIChannelID(info.bareID),
		MessageID:       int64(msg.ID),
		ChannelUsername: username,
		ChannelTitle:    title,
		PostedAt:        time.Unix(int64(msg.Date), 0).UTC(),
		RawText:         text,
		IsForwarded:     fwd,
	}, true
}

// ingest is the single persistence path for tail and backfill: upsert the
// raw row, then enqueue the extraction job. Both steps are idempotent, so
// a retry may safely replay the pair.
func (c *Collector) ingest(ctx context.Context, m domain.RawMessage, source domain.JobSource) error {
	op := func() error {
		rawID, inserted, err := c.raw.UpsertRaw(ctx, m)
		if err != nil {
			return fmt.Errorf("upsert raw: %w", err)
		}
		if inserted {
			observability.RawIngestedTotal.WithLabelValues(string(source)).Inc()
		}
		if _, _, err := c.q.Enqueue(ctx, rawID, c.cfg.PipelineVersion, source); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=telegram.ingest channel=%d message=%d: %w", m.ChannelID, m.MessageID, err)
	}
	return nil
}
