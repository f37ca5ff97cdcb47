package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutordex/aggregator/internal/domain"
)

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	s := NewJSONL(path)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Append(domain.DeliveryRecord{
		Kind:    domain.DeliveryBroadcast,
		Target:  "@tutordex_feed",
		Outcome: domain.OutcomeFailed,
		Error:   "bot api: 502",
		Payload: "<b>T1234</b>",
	}))
	require.NoError(t, s.Append(domain.DeliveryRecord{
		Kind:    domain.DeliveryDM,
		ChatID:  111,
		Outcome: domain.OutcomeSent,
	}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var recs []domain.DeliveryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec domain.DeliveryRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	require.Len(t, recs, 2)
	require.Equal(t, domain.DeliveryBroadcast, recs[0].Kind)
	require.Equal(t, "@tutordex_feed", recs[0].Target)
	require.Equal(t, "bot api: 502", recs[0].Error)
	require.Equal(t, int64(111), recs[1].ChatID)
}

func TestAppendStampsAttemptedAt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	s := NewJSONL(path)
	defer func() { _ = s.Close() }()

	before := time.Now().UTC()
	require.NoError(t, s.Append(domain.DeliveryRecord{Kind: domain.DeliveryTriage, Outcome: domain.OutcomeSkipped}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec domain.DeliveryRecord
	require.NoError(t, json.Unmarshal(b[:len(b)-1], &rec))
	require.False(t, rec.AttemptedAt.IsZero())
	require.False(t, rec.AttemptedAt.Before(before.Add(-time.Second)))
}

func TestAppendKeepsCallerTimestamp(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	s := NewJSONL(path)
	defer func() { _ = s.Close() }()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(domain.DeliveryRecord{Kind: domain.DeliveryDM, Outcome: domain.OutcomeSent, AttemptedAt: at}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec domain.DeliveryRecord
	require.NoError(t, json.Unmarshal(b[:len(b)-1], &rec))
	require.True(t, rec.AttemptedAt.Equal(at))
}

func TestAppendConcurrentWritersStayLineFramed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	s := NewJSONL(path)
	defer func() { _ = s.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = s.Append(domain.DeliveryRecord{Kind: domain.DeliveryDM, ChatID: int64(n), Outcome: domain.OutcomeSent})
			}
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec domain.DeliveryRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines++
	}
	require.NoError(t, sc.Err())
	require.Equal(t, 160, lines)
}
