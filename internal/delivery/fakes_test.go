package delivery

import (
	"sync"

	"github.com/tutordex/aggregator/internal/domain"
)

type fakeSender struct {
	mu         sync.Mutex
	channel    []string
	dms        map[int64][]string
	channelErr error
	dmErr      error
}

func newFakeSender() *fakeSender {
	return &fakeSender{dms: map[int64][]string{}}
}

func (f *fakeSender) SendChannel(_ domain.Context, _ string, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelErr != nil {
		return f.channelErr
	}
	f.channel = append(f.channel, html)
	return nil
}

func (f *fakeSender) SendDM(_ domain.Context, chatID int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms[chatID] = append(f.dms[chatID], html)
	return nil
}

type fakeMatcher struct {
	cands []domain.MatchCandidate
	err   error
	calls int
}

func (f *fakeMatcher) Match(domain.Context, domain.Assignment) ([]domain.MatchCandidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cands, nil
}

type fakeSink struct {
	mu   sync.Mutex
	recs []domain.DeliveryRecord
}

func (f *fakeSink) Append(rec domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

type fakeEvents struct {
	calls []domain.Assignment
	err   error
}

func (f *fakeEvents) AssignmentUpserted(_ domain.Context, a domain.Assignment) error {
	f.calls = append(f.calls, a)
	if f.err != nil {
		return f.err
	}
	return nil
}
