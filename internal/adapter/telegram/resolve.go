package telegram

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"github.com/tutordex/aggregator/internal/domain"
)

// Bot API addresses channels as -100<bare id>; MTProto uses the bare
// positive id plus an access hash. Stored rows, delivery targets and event
// payloads all carry the Bot API form, so everything crossing the gotd
// boundary converts here.
const channelIDOffset = 1_000_000_000_000

func botAPIChannelID(bare int64) int64 { return -(bare + channelIDOffset) }

func bareChannelID(id int64) int64 {
	if id <= -channelIDOffset {
		return -id - channelIDOffset
	}
	if id < 0 {
		return -id
	}
	return id
}

// parseChannelSpec understands the CHANNELS forms: "@username", a bare
// username, a t.me link, a Bot API id ("-100123...") or a bare MTProto id.
// Exactly one of username and id is set on success.
func parseChannelSpec(spec string) (username string, id int64, err error) {
	s := strings.TrimSpace(spec)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			s = rest
			break
		}
	}
	s = strings.TrimPrefix(s, "@")
	if s == "" {
		return "", 0, fmt.Errorf("empty channel spec %q: %w", spec, domain.ErrInvalidArgument)
	}
	if n, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return "", bareChannelID(n), nil
	}
	if strings.ContainsAny(s, "/? ") {
		return "", 0, fmt.Errorf("channel spec %q is not a username or id: %w", spec, domain.ErrInvalidArgument)
	}
	return s, 0, nil
}

// resolveChannels fills the allowlist from the configured specs. A spec
// that fails to resolve is logged and skipped; all of them failing is a
// configuration error. An empty spec list leaves the allowlist empty,
// which tails every channel the account is joined to.
func (c *Collector) resolveChannels(ctx context.Context, specs []string) error {
	if len(specs) == 0 {
		slog.Warn("no channels configured, collecting from every joined channel")
		return nil
	}
	var resolved int
	for _, spec := range specs {
		info, err := c.resolveChannel(ctx, spec)
		if err != nil {
			slog.Error("channel resolve failed",
				slog.String("channel", spec),
				slog.Any("error", err))
			continue
		}
		c.mu.Lock()
		c.allowed[info.bareID] = info
		c.mu.Unlock()
		resolved++
		c.cacheChannel(ctx, info)
		slog.Info("channel resolved",
			slog.String("channel", spec),
			slog.Int64("channel_id", botAPIChannelID(info.bareID)),
			slog.String("title", info.title))
	}
	if resolved == 0 {
		return fmt.Errorf("op=telegram.resolve: none of %d configured channels resolved: %w", len(specs), domain.ErrUnavailable)
	}
	return nil
}

func (c *Collector) resolveChannel(ctx context.Context, spec string) (channelInfo, error) {
	username, id, err := parseChannelSpec(spec)
	if err != nil {
		return channelInfo{}, err
	}
	api := c.client.API()
	if username != "" {
		res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		if err != nil {
			return channelInfo{}, fmt.Errorf("resolve @%s: %w", username, err)
		}
		ch := firstChannel(res.Chats)
		if ch == nil {
			return channelInfo{}, fmt.Errorf("@%s is not a channel: %w", username, domain.ErrNotFound)
		}
		return infoFromChannel(ch), nil
	}
	// Numeric ids only resolve for channels already known to this account.
	res, err := api.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: id}})
	if err != nil {
		return channelInfo{}, fmt.Errorf("get channel %d (join it with this account or configure its @username): %w", id, err)
	}
	ch := firstChannel(res.GetChats())
	if ch == nil {
		return channelInfo{}, fmt.Errorf("channel %d not found: %w", id, domain.ErrNotFound)
	}
	return infoFromChannel(ch), nil
}

// cacheChannel refreshes the channels table row so workers can map the
// channel to an agency example set without another resolve.
func (c *Collector) cacheChannel(ctx context.Context, info channelInfo) {
	id := botAPIChannelID(info.bareID)
	var agency string
	if c.reg != nil {
		agency = c.reg.AgencyFor(id, info.username)
	}
	err := c.raw.UpsertChannel(ctx, domain.Channel{
		ChannelID: id,
		Username:  info.username,
		Title:     info.title,
		AgencyKey: agency,
	})
	if err != nil {
		slog.Error("channel cache upsert failed",
			slog.Int64("channel_id", id),
			slog.Any("error", err))
	}
}

// channelFor reports whether a bare channel id is in scope and returns
// what we know about it. With an empty allowlist every channel is in
// scope.
func (c *Collector) channelFor(bare int64) (channelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.allowed) == 0 {
		return channelInfo{bareID: bare}, true
	}
	info, ok := c.allowed[bare]
	return info, ok
}

// channelList returns the resolved channels in a stable order.
func (c *Collector) channelList() []channelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]channelInfo, 0, len(c.allowed))
	for _, info := range c.allowed {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b channelInfo) int {
		return cmp.Compare(a.bareID, b.bareID)
	})
	return out
}

func firstChannel(chats []tg.ChatClass) *tg.Channel {
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch
		}
	}
	return nil
}

func infoFromChannel(ch *tg.Channel) channelInfo {
	return channelInfo{
		bareID:     ch.ID,
		accessHash: ch.AccessHash,
		username:   ch.Username,
		title:      ch.Title,
	}
}
