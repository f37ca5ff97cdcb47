package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

func notifierCfg() config.Config {
	return config.Config{MinMatchScore: 0.55, DMRecentTTL: 6 * time.Hour}
}

func dmAssignment() domain.Assignment {
	return domain.Assignment{
		ChannelID: -1001, MessageID: 42,
		Fingerprint: "fp0123456789abcd",
		Parsed:      domain.ParsedAssignment{AssignmentCode: "T1234"},
	}
}

func TestDMNotifierFiltersByScore(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m := &fakeMatcher{cands: []domain.MatchCandidate{
		{ChatID: 111, Score: 0.9},
		{ChatID: 222, Score: 0.3},
		{ChatID: 333, Score: 0.55},
	}}
	n := NewDMNotifier(notifierCfg(), m, sender, nil, nil)

	n.Deliver(context.Background(), dmAssignment())

	require.Equal(t, 1, m.calls)
	require.Len(t, sender.dms[111], 1)
	require.Empty(t, sender.dms[222])
	require.Len(t, sender.dms[333], 1, "score equal to the threshold still sends")
}

func TestDMNotifierDedupesRecentSends(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	sender := newFakeSender()
	m := &fakeMatcher{cands: []domain.MatchCandidate{{ChatID: 111, Score: 0.9}}}
	n := NewDMNotifier(notifierCfg(), m, sender, nil, rdb)

	a := dmAssignment()
	n.Deliver(context.Background(), a)
	n.Deliver(context.Background(), a)

	require.Len(t, sender.dms[111], 1, "second delivery for the same fingerprint is skipped")

	key := fmt.Sprintf("dm:sent:%d:%s", int64(111), a.Fingerprint)
	require.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, 6*time.Hour)
}

func TestDMNotifierDifferentFingerprintSendsAgain(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	sender := newFakeSender()
	m := &fakeMatcher{cands: []domain.MatchCandidate{{ChatID: 111, Score: 0.9}}}
	n := NewDMNotifier(notifierCfg(), m, sender, nil, rdb)

	a := dmAssignment()
	n.Deliver(context.Background(), a)
	b := dmAssignment()
	b.Fingerprint = "fpffffffffffffff"
	n.Deliver(context.Background(), b)

	require.Len(t, sender.dms[111], 2)
}

func TestDMNotifierMatcherFailureSendsNothing(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m := &fakeMatcher{err: errors.New("matcher down")}
	n := NewDMNotifier(notifierCfg(), m, sender, nil, nil)

	n.Deliver(context.Background(), dmAssignment())
	require.Empty(t, sender.dms)
}

func TestDMNotifierSendFailureRecordsSinkAndDoesNotMark(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	sender := newFakeSender()
	sender.dmErr = errors.New("bot api: 403")
	sink := &fakeSink{}
	m := &fakeMatcher{cands: []domain.MatchCandidate{{ChatID: 111, Score: 0.9}}}
	n := NewDMNotifier(notifierCfg(), m, sender, sink, rdb)

	a := dmAssignment()
	n.Deliver(context.Background(), a)

	require.Len(t, sink.recs, 1)
	require.Equal(t, domain.DeliveryDM, sink.recs[0].Kind)
	require.Equal(t, domain.OutcomeFailed, sink.recs[0].Outcome)
	require.Equal(t, int64(111), sink.recs[0].ChatID)

	// a failed send leaves no dedupe mark, so a requeued job can retry
	key := fmt.Sprintf("dm:sent:%d:%s", int64(111), a.Fingerprint)
	require.False(t, mr.Exists(key))

	sender.dmErr = nil
	n.Deliver(context.Background(), a)
	require.Len(t, sender.dms[111], 1)
}

func TestDMNotifierWorksWithoutRedis(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m := &fakeMatcher{cands: []domain.MatchCandidate{{ChatID: 111, Score: 0.9}}}
	n := NewDMNotifier(notifierCfg(), m, sender, nil, nil)

	a := dmAssignment()
	n.Deliver(context.Background(), a)
	n.Deliver(context.Background(), a)
	require.Len(t, sender.dms[111], 2, "no redis means no dedupe, sends still happen")
}
