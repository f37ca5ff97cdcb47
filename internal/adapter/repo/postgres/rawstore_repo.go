package postgres

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tutordex/aggregator/internal/domain"
)

// chanCacheTTL bounds how long a channels row is served from memory before
// the next read goes back to the database.
const chanCacheTTL = 5 * time.Minute

// RawStoreRepo persists raw Telegram messages and the channel registry
// using a minimal pgx pool. Channel reads go through a small in-process
// cache; the channels table changes rarely and is read on every job.
type RawStoreRepo struct {
	Pool PgxPool

	mu    sync.RWMutex
	chans map[int64]cachedChannel
}

type cachedChannel struct {
	ch        domain.Channel
	fetchedAt time.Time
}

// NewRawStoreRepo constructs a RawStoreRepo with the given pool.
func NewRawStoreRepo(p PgxPool) *RawStoreRepo {
	return &RawStoreRepo{Pool: p, chans: make(map[int64]cachedChannel)}
}

// UpsertRaw stores a raw message keyed by (channel_id, message_id) and
// returns its id. Replays return the existing id with inserted=false; an
// edited post overwrites raw_text; a deletion flag sticks once set.
func (r *RawStoreRepo) UpsertRaw(ctx domain.Context, m domain.RawMessage) (int64, bool, error) {
	tracer := otel.Tracer("repo.rawstore")
	ctx, span := tracer.Start(ctx, "rawstore.UpsertRaw")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "raw_messages"),
		attribute.Int64("telegram.channel_id", m.ChannelID),
		attribute.Int64("telegram.message_id", m.MessageID),
	)
	ingested := m.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now().UTC()
	}
	q := `INSERT INTO raw_messages
	        (channel_id, message_id, channel_username, channel_title, posted_at, raw_text, is_forwarded, is_deleted, ingested_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	      ON CONFLICT (channel_id, message_id) DO UPDATE
	      SET raw_text   = EXCLUDED.raw_text,
	          is_deleted = raw_messages.is_deleted OR EXCLUDED.is_deleted
	      RETURNING id, (xmax = 0) AS inserted`
	row := r.Pool.QueryRow(ctx, q,
		m.ChannelID, m.MessageID, m.ChannelUsername, m.ChannelTitle,
		m.PostedAt.UTC(), m.RawText, m.IsForwarded, m.IsDeleted, ingested)
	var id int64
	var inserted bool
	if err := row.Scan(&id, &inserted); err != nil {
		return 0, false, fmt.Errorf("op=rawstore.upsert_raw: %w", err)
	}
	return id, inserted, nil
}

// GetRaw loads a raw message by id.
func (r *RawStoreRepo) GetRaw(ctx domain.Context, rawID int64) (domain.RawMessage, error) {
	tracer := otel.Tracer("repo.rawstore")
	ctx, span := tracer.Start(ctx, "rawstore.GetRaw")
	defer span.End()
	q := `SELECT id, channel_id, message_id, channel_username, channel_title, posted_at, raw_text, is_forwarded, is_deleted, ingested_at
	      FROM raw_messages WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, rawID)
	var m domain.RawMessage
	if err := row.Scan(&m.ID, &m.ChannelID, &m.MessageID, &m.ChannelUsername, &m.ChannelTitle,
		&m.PostedAt, &m.RawText, &m.IsForwarded, &m.IsDeleted, &m.IngestedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RawMessage{}, fmt.Errorf("op=rawstore.get_raw: %w", domain.ErrNotFound)
		}
		return domain.RawMessage{}, fmt.Errorf("op=rawstore.get_raw: %w", err)
	}
	return m, nil
}

// MarkDeleted flags a raw message as deleted upstream. Unknown messages
// return ErrNotFound; deletions of posts we never saw are not an error the
// collector cares about.
func (r *RawStoreRepo) MarkDeleted(ctx domain.Context, channelID, messageID int64) error {
	tracer := otel.Tracer("repo.rawstore")
	ctx, span := tracer.Start(ctx, "rawstore.MarkDeleted")
	defer span.End()
	q := `UPDATE raw_messages SET is_deleted=TRUE WHERE channel_id=$1 AND message_id=$2`
	tag, err := r.Pool.Exec(ctx, q, channelID, messageID)
	if err != nil {
		return fmt.Errorf("op=rawstore.mark_deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=rawstore.mark_deleted: %w", domain.ErrNotFound)
	}
	return nil
}

// GetChannel loads a registry row, serving from the in-process cache when
// fresh. Unknown channels return ErrNotFound and callers fall back to the
// general example set.
func (r *RawStoreRepo) GetChannel(ctx domain.Context, channelID int64) (domain.Channel, error) {
	r.mu.RLock()
	if c, ok := r.chans[channelID]; ok && time.Since(c.fetchedAt) < chanCacheTTL {
		r.mu.RUnlock()
		return c.ch, nil
	}
	r.mu.RUnlock()

	tracer := otel.Tracer("repo.rawstore")
	ctx, span := tracer.Start(ctx, "rawstore.GetChannel")
	defer span.End()
	q := `SELECT channel_id, username, title, agency_key, updated_at FROM channels WHERE channel_id=$1`
	row := r.Pool.QueryRow(ctx, q, channelID)
	var ch domain.Channel
	if err := row.Scan(&ch.ChannelID, &ch.Username, &ch.Title, &ch.AgencyKey, &ch.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Channel{}, fmt.Errorf("op=rawstore.get_channel: %w", domain.ErrNotFound)
		}
		return domain.Channel{}, fmt.Errorf("op=rawstore.get_channel: %w", err)
	}
	r.mu.Lock()
	r.chans[channelID] = cachedChannel{ch: ch, fetchedAt: time.Now()}
	r.mu.Unlock()
	return ch, nil
}

// UpsertChannel writes a registry row. An empty agency key never overwrites
// a configured one; the collector upserts username/title from live updates
// while the registry file owns agency assignment.
func (r *RawStoreRepo) UpsertChannel(ctx domain.Context, ch domain.Channel) error {
	tracer := otel.Tracer("repo.rawstore")
	ctx, span := tracer.Start(ctx, "rawstore.UpsertChannel")
	defer span.End()
	q := `INSERT INTO channels (channel_id, username, title, agency_key, updated_at)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (channel_id) DO UPDATE
	      SET username   = EXCLUDED.username,
	          title      = EXCLUDED.title,
	          agency_key = CASE WHEN EXCLUDED.agency_key = '' THEN channels.agency_key ELSE EXCLUDED.agency_key END,
	          updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, ch.ChannelID, ch.Username, ch.Title, ch.AgencyKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=rawstore.upsert_channel: %w", err)
	}
	r.mu.Lock()
	delete(r.chans, ch.ChannelID)
	r.mu.Unlock()
	return nil
}
