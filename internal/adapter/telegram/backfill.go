package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gotd/td/tg"

	"github.com/tutordex/aggregator/internal/domain"
)

const historyPageSize = 100

// Backfill walks the history of each configured channel (or the subset in
// only) oldest to newest within [since, until] and feeds every text post
// through the same ingest path as the tail, stamped source=backfill so
// delivery stays quiet for them. Page fetches are paced by BACKFILL_RPS;
// FLOOD_WAIT handling on top comes from the client middleware.
func (c *Collector) Backfill(ctx context.Context, since, until time.Time, only []string) error {
	if !until.After(since) {
		return fmt.Errorf("op=telegram.backfill: until %s is not after since %s: %w",
			until.Format(time.RFC3339), since.Format(time.RFC3339), domain.ErrInvalidArgument)
	}
	specs := c.cfg.Channels
	if len(only) > 0 {
		specs = only
	}
	if len(specs) == 0 {
		return fmt.Errorf("op=telegram.backfill: no channels to backfill: %w", domain.ErrInvalidArgument)
	}
	return c.run(ctx, false, func(ctx context.Context) error {
		if err := c.resolveChannels(ctx, specs); err != nil {
			return err
		}
		for _, info := range c.channelList() {
			n, err := c.backfillChannel(ctx, info, since, until)
			if err != nil {
				return fmt.Errorf("op=telegram.backfill channel=%d: %w", botAPIChannelID(info.bareID), err)
			}
			slog.Info("channel backfill finished",
				slog.Int64("channel_id", botAPIChannelID(info.bareID)),
				slog.String("title", info.title),
				slog.Int("messages", n))
		}
		return nil
	})
}

// backfillChannel pages forward through one channel's history. Each
// request anchors at the newest id already seen and asks for the page
// right after it; the first request anchors at the since date instead.
// Forwarded posts are kept here, flag set, so the archive stays complete
// and triage can account for them.
func (c *Collector) backfillChannel(ctx context.Context, info channelInfo, since, until time.Time) (int, error) {
	peer := &tg.InputPeerChannel{ChannelID: info.bareID, AccessHash: info.accessHash}
	api := c.client.API()
	var count, offsetID int
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return count, err
		}
		req := &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  offsetID,
			AddOffset: -historyPageSize,
			Limit:     historyPageSize,
			MinID:     offsetID,
		}
		if offsetID == 0 {
			req.OffsetDate = int(since.Unix())
		}
		res, err := api.MessagesGetHistory(ctx, req)
		if err != nil {
			return count, fmt.Errorf("get history at offset %d: %w", offsetID, err)
		}
		var list []tg.MessageClass
		switch page := res.(type) {
		case *tg.MessagesChannelMessages:
			list = page.Messages
		case *tg.MessagesMessagesSlice:
			list = page.Messages
		case *tg.MessagesMessages:
			list = page.Messages
		default:
			return count, fmt.Errorf("unexpected history response %T", res)
		}
		msgs, maxID := pageMessages(list, offsetID)
		if maxID == offsetID {
			return count, nil
		}
		for _, msg := range msgs {
			posted := time.Unix(int64(msg.Date), 0).UTC()
			if posted.After(until) {
				return count, nil
			}
			if posted.Before(since) {
				continue
			}
			raw, ok := toRaw(info, tg.Entities{}, msg)
			if !ok {
				continue
			}
			if err := c.ingest(ctx, raw, domain.SourceBackfill); err != nil {
				return count, err
			}
			count++
		}
		offsetID = maxID
	}
}

// pageMessages filters one history page down to real posts newer than
// afterID, ordered oldest first (the API returns newest first). maxID
// covers service messages too, so the cursor advances even through pages
// with nothing ingestable on them.
func pageMessages(in []tg.MessageClass, afterID int) (msgs []*tg.Message, maxID int) {
	maxID = afterID
	msgs = make([]*tg.Message, 0, len(in))
	for _, mc := range in {
		if id := mc.GetID(); id > maxID {
			maxID = id
		}
		msg, ok := mc.(*tg.Message)
		if !ok || msg.ID <= afterID {
			continue
		}
		msgs = append(msgs, msg)
	}
	slices.SortFunc(msgs, func(a, b *tg.Message) int { return a.ID - b.ID })
	return msgs, maxID
}
