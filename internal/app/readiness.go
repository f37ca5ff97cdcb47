package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tutordex/aggregator/internal/adapter/llm"
)

// Pinger is the minimal database pool surface readiness needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the minimal go-redis surface readiness needs.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// BreakerProbe reports the LLM circuit breaker position.
type BreakerProbe interface {
	State() llm.BreakerState
}

// BuildReadinessChecks returns the db, redis and breaker probes for
// /readyz. A nil breaker yields a nil check, which the handler skips;
// processes that never call the LLM simply do not report that probe.
func BuildReadinessChecks(pool Pinger, rdb RedisPinger, breaker BreakerProbe) (dbCheck, redisCheck, breakerCheck func(ctx context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck = func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	if breaker != nil {
		breakerCheck = func(context.Context) error {
			if st := breaker.State(); st == llm.BreakerOpen {
				return fmt.Errorf("llm circuit breaker %s", st)
			}
			return nil
		}
	}
	return dbCheck, redisCheck, breakerCheck
}
