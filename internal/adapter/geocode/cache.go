package geocode

import (
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/domain"
)

const (
	cacheKeyPrefix = "geo:postal:"
	foundTTL       = 30 * 24 * time.Hour
	missTTL        = 24 * time.Hour
)

// Cache wraps a Geocoder with a redis lookaside plus an in-process map, so a
// redis outage degrades to per-process caching instead of hammering the
// upstream. Not-found answers are cached too (as a nil point) with a shorter
// TTL; lookup errors are never cached.
type Cache struct {
	base domain.Geocoder
	rdb  *redis.Client

	mu  sync.RWMutex
	mem map[string]*domain.GeoPoint
}

var _ domain.Geocoder = (*Cache)(nil)

// NewCache wraps base. rdb may be nil, which leaves only the in-process map.
func NewCache(base domain.Geocoder, rdb *redis.Client) *Cache {
	return &Cache{base: base, rdb: rdb, mem: make(map[string]*domain.GeoPoint)}
}

func (c *Cache) Lookup(ctx domain.Context, postal string) (*domain.GeoPoint, error) {
	c.mu.RLock()
	pt, ok := c.mem[postal]
	c.mu.RUnlock()
	if ok {
		observability.GeocodeCacheTotal.WithLabelValues("hit").Inc()
		return clone(pt), nil
	}

	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, cacheKeyPrefix+postal).Result()
		switch {
		case err == nil:
			var cached *domain.GeoPoint
			if json.Unmarshal([]byte(val), &cached) == nil {
				c.put(postal, cached)
				observability.GeocodeCacheTotal.WithLabelValues("hit").Inc()
				return clone(cached), nil
			}
		case err != redis.Nil:
			slog.Debug("geocode cache read failed", slog.Any("error", err))
		}
	}

	observability.GeocodeCacheTotal.WithLabelValues("miss").Inc()
	pt, err := c.base.Lookup(ctx, postal)
	if err != nil {
		return nil, err
	}

	c.put(postal, pt)
	if c.rdb != nil {
		ttl := foundTTL
		if pt == nil {
			ttl = missTTL
		}
		// json.Marshal of a nil *GeoPoint is the literal "null", which round
		// trips back to nil on read.
		b, _ := json.Marshal(pt)
		if err := c.rdb.Set(ctx, cacheKeyPrefix+postal, string(b), ttl).Err(); err != nil {
			slog.Debug("geocode cache write failed", slog.Any("error", err))
		}
	}
	return clone(pt), nil
}

func (c *Cache) put(postal string, pt *domain.GeoPoint) {
	c.mu.Lock()
	c.mem[postal] = clone(pt)
	c.mu.Unlock()
}

func clone(pt *domain.GeoPoint) *domain.GeoPoint {
	if pt == nil {
		return nil
	}
	cp := *pt
	return &cp
}
