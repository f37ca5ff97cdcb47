//go:build e2e

// Package e2e_test drives the pipeline end to end: real triage filter,
// prompt assembly, HTTP extraction, validation, enrichment and duplicate
// resolution, with the datastore ports served by in-memory fixtures and the
// model by a scripted chat completion server.
package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/delivery"
	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/internal/enrich"
	"github.com/tutordex/aggregator/internal/filter"
	"github.com/tutordex/aggregator/internal/usecase"
	"github.com/tutordex/aggregator/internal/worker"
)

// assignmentPost is the raw text used by most scenarios: one real assignment
// with a code, a level, a postal code, a schedule and a rate.
const assignmentPost = `T1234: P5 Math tuition needed
Blk 123 Tampines St 45, 520123
Mon 7pm-9pm, $40-55/hr
Prefer experienced tutor`

// extractionContent is the completion the scripted model returns for
// assignmentPost.
const extractionContent = `{
  "assignment_code": "T1234",
  "academic_display_text": "P5 Math",
  "learning_mode": {"mode": "face_to_face", "raw_text": ""},
  "address": ["Blk 123 Tampines St 45"],
  "postal_code": ["520123"],
  "nearest_mrt": [],
  "lesson_schedule": [{"raw_text": "Mon 7pm-9pm"}],
  "start_date": "",
  "time_availability": {"explicit": [], "estimated": [], "note": ""},
  "rate": {"min": 40, "max": 55, "raw_text": "$40-55/hr"},
  "additional_remarks": ""
}`

const refusalContent = `I'm sorry, I cannot assist with extracting that post.`

func testConfig() config.Config {
	return config.Config{
		AppEnv:               "test",
		PipelineVersion:      "v2",
		Workers:              2,
		ClaimBatch:           4,
		MaxAttempts:          5,
		DeliveryPool:         2,
		MinChars:             40,
		CompilationThreshold: 5,
		DupWindow:            72 * time.Hour,
		LLMModel:             "qwen2.5-7b-instruct",
		LLMTimeoutMS:         5000,
		LLMMaxTokens:         1200,
		LLMRPS:               0,
		LLMCircuitThreshold:  5,
		LLMCircuitCooldown:   time.Minute,
	}
}

// chatServer scripts an OpenAI-compatible chat completion endpoint. It serves
// the current content for every request and counts what it saw; set swaps the
// content mid-test to script an outage ending.
type chatServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	content  string
	status   int
	requests int
}

func newChatServer(t *testing.T, content string) *chatServer {
	t.Helper()
	cs := &chatServer{content: content, status: http.StatusOK}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.requests++
		content, status := cs.content, cs.status
		cs.mu.Unlock()
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "upstream unhappy", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 80},
		})
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (c *chatServer) url() string { return c.srv.URL }

func (c *chatServer) set(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content
	c.status = http.StatusOK
}

func (c *chatServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// In-memory datastore fixtures. They honor the same contracts the Postgres
// repositories do: identity keys, claimed_by-guarded terminal writes, the
// stale requeue attempts ceiling, and upserts that preserve status and
// freshness on replay.

type rawKey struct{ channelID, messageID int64 }

type memRawStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]domain.RawMessage
	byKey  map[rawKey]int64
	chans  map[int64]domain.Channel
}

func newMemRawStore() *memRawStore {
	return &memRawStore{
		nextID: 1,
		byID:   map[int64]domain.RawMessage{},
		byKey:  map[rawKey]int64{},
		chans:  map[int64]domain.Channel{},
	}
}

func (s *memRawStore) UpsertRaw(_ domain.Context, m domain.RawMessage) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rawKey{m.ChannelID, m.MessageID}
	if id, ok := s.byKey[k]; ok {
		existing := s.byID[id]
		existing.RawText = m.RawText
		existing.IsDeleted = existing.IsDeleted || m.IsDeleted
		s.byID[id] = existing
		return id, false, nil
	}
	m.ID = s.nextID
	s.nextID++
	if m.IngestedAt.IsZero() {
		m.IngestedAt = time.Now().UTC()
	}
	s.byID[m.ID] = m
	s.byKey[k] = m.ID
	return m.ID, true, nil
}

func (s *memRawStore) GetRaw(_ domain.Context, rawID int64) (domain.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[rawID]
	if !ok {
		return domain.RawMessage{}, fmt.Errorf("op=rawstore.get_raw: %w", domain.ErrNotFound)
	}
	return m, nil
}

func (s *memRawStore) MarkDeleted(_ domain.Context, channelID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[rawKey{channelID, messageID}]
	if !ok {
		return fmt.Errorf("op=rawstore.mark_deleted: %w", domain.ErrNotFound)
	}
	m := s.byID[id]
	m.IsDeleted = true
	s.byID[id] = m
	return nil
}

func (s *memRawStore) GetChannel(_ domain.Context, channelID int64) (domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chans[channelID]
	if !ok {
		return domain.Channel{}, fmt.Errorf("op=rawstore.get_channel: %w", domain.ErrNotFound)
	}
	return ch, nil
}

func (s *memRawStore) UpsertChannel(_ domain.Context, ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans[ch.ChannelID] = ch
	return nil
}

type jobKey struct {
	rawID int64
	pv    string
}

type memQueue struct {
	mu          sync.Mutex
	maxAttempts int
	nextID      int64
	jobs        map[int64]*domain.ExtractionJob
	order       []int64
	byKey       map[jobKey]int64
}

func newMemQueue(maxAttempts int) *memQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &memQueue{
		maxAttempts: maxAttempts,
		nextID:      1,
		jobs:        map[int64]*domain.ExtractionJob{},
		byKey:       map[jobKey]int64{},
	}
}

func (q *memQueue) Enqueue(_ domain.Context, rawID int64, pipelineVersion string, source domain.JobSource) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := jobKey{rawID, pipelineVersion}
	if id, ok := q.byKey[k]; ok {
		return id, true, nil
	}
	if source == "" {
		source = domain.SourceTail
	}
	now := time.Now().UTC()
	j := &domain.ExtractionJob{
		ID:              q.nextID,
		RawID:           rawID,
		PipelineVersion: pipelineVersion,
		Status:          domain.JobPending,
		Source:          source,
		Meta:            map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	q.nextID++
	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	q.byKey[k] = j.ID
	return j.ID, false, nil
}

func (q *memQueue) Claim(_ domain.Context, workerID string, batch int) ([]domain.ExtractionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if batch <= 0 {
		batch = 1
	}
	now := time.Now().UTC()
	var out []domain.ExtractionJob
	for _, id := range q.order {
		if len(out) == batch {
			break
		}
		j := q.jobs[id]
		if j.Status != domain.JobPending {
			continue
		}
		j.Status = domain.JobProcessing
		j.ClaimedBy = workerID
		at := now
		j.ClaimedAt = &at
		j.UpdatedAt = now
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (q *memQueue) Complete(_ domain.Context, jobID int64, workerID string, status domain.JobStatus, metaPatch map[string]any) error {
	if status != domain.JobDone && status != domain.JobSkipped {
		return fmt.Errorf("op=queue.complete: status %q: %w", status, domain.ErrInvalidArgument)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != domain.JobProcessing || j.ClaimedBy != workerID {
		return fmt.Errorf("op=queue.complete: job %d not held by %s: %w", jobID, workerID, domain.ErrConflict)
	}
	j.Status = status
	j.LastErrorKind = ""
	j.LastErrorMsg = ""
	mergeMeta(j, metaPatch)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *memQueue) Fail(_ domain.Context, jobID int64, workerID string, kind, msg string, metaPatch map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != domain.JobProcessing || j.ClaimedBy != workerID {
		return fmt.Errorf("op=queue.fail: job %d not held by %s: %w", jobID, workerID, domain.ErrConflict)
	}
	if strings.HasPrefix(kind, "filtered_") {
		j.Status = domain.JobSkipped
	} else {
		j.Status = domain.JobFailed
	}
	j.LastErrorKind = kind
	j.LastErrorMsg = msg
	mergeMeta(j, metaPatch)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *memQueue) RequeueStale(_ domain.Context, staleAfter time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	var requeued int64
	for _, j := range q.jobs {
		if j.Status != domain.JobProcessing || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		j.Attempts++
		j.ClaimedBy = ""
		j.ClaimedAt = nil
		j.UpdatedAt = time.Now().UTC()
		if j.Attempts >= q.maxAttempts {
			j.Status = domain.JobFailed
			j.LastErrorKind = domain.KindMaxAttempts
			j.LastErrorMsg = fmt.Sprintf("stale after %d attempts", j.Attempts)
			continue
		}
		j.Status = domain.JobPending
		requeued++
	}
	return requeued, nil
}

func (q *memQueue) RequeueJob(_ domain.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=queue.requeue_job: %w", domain.ErrNotFound)
	}
	if j.Status != domain.JobFailed {
		return fmt.Errorf("op=queue.requeue_job: job %d is %s, not failed: %w", jobID, j.Status, domain.ErrConflict)
	}
	j.Status = domain.JobPending
	j.Attempts = 0
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.LastErrorKind = ""
	j.LastErrorMsg = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *memQueue) ListByStatus(_ domain.Context, status domain.JobStatus, limit, offset int) ([]domain.ExtractionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var all []domain.ExtractionJob
	for _, id := range q.order {
		if j := q.jobs[id]; j.Status == status {
			all = append(all, copyJob(j))
		}
	}
	sort.SliceStable(all, func(i, k int) bool { return all[i].UpdatedAt.After(all[k].UpdatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (q *memQueue) Counts(_ domain.Context) (domain.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c domain.QueueCounts
	for _, j := range q.jobs {
		switch j.Status {
		case domain.JobPending:
			c.Pending++
		case domain.JobProcessing:
			c.Processing++
		case domain.JobDone:
			c.Done++
		case domain.JobFailed:
			c.Failed++
		case domain.JobSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

func (q *memQueue) OldestPendingAge(_ domain.Context) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, j := range q.jobs {
		if j.Status == domain.JobPending && (oldest.IsZero() || j.CreatedAt.Before(oldest)) {
			oldest = j.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}

// job returns a copy of the stored row for assertions.
func (q *memQueue) job(t *testing.T, jobID int64) domain.ExtractionJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	require.True(t, ok, "job %d not found", jobID)
	return copyJob(j)
}

// ageClaims pushes every live claim d into the past, standing in for the
// wall-clock time a stale sweep would normally wait out.
func (q *memQueue) ageClaims(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ClaimedAt != nil {
			at := j.ClaimedAt.Add(-d)
			j.ClaimedAt = &at
		}
	}
}

func copyJob(j *domain.ExtractionJob) domain.ExtractionJob {
	out := *j
	if j.ClaimedAt != nil {
		at := *j.ClaimedAt
		out.ClaimedAt = &at
	}
	out.Meta = make(map[string]any, len(j.Meta))
	for k, v := range j.Meta {
		out.Meta[k] = v
	}
	return out
}

func mergeMeta(j *domain.ExtractionJob, patch map[string]any) {
	if j.Meta == nil {
		j.Meta = map[string]any{}
	}
	for k, v := range patch {
		j.Meta[k] = v
	}
}

type assignmentKey struct{ channelID, messageID int64 }

type memAssignments struct {
	mu     sync.Mutex
	nextID int64
	rows   map[assignmentKey]domain.Assignment
}

func newMemAssignments() *memAssignments {
	return &memAssignments{nextID: 1, rows: map[assignmentKey]domain.Assignment{}}
}

func (s *memAssignments) Upsert(_ domain.Context, a domain.Assignment) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assignmentKey{a.ChannelID, a.MessageID}
	if existing, ok := s.rows[k]; ok {
		a.ID = existing.ID
		a.Status = existing.Status
		a.FreshnessTier = existing.FreshnessTier
		if a.UpdatedAt.Before(existing.UpdatedAt) {
			a.UpdatedAt = existing.UpdatedAt
		}
	} else {
		a.ID = s.nextID
		s.nextID++
		a.Status = domain.AssignmentOpen
		a.FreshnessTier = domain.FreshnessGreen
	}
	s.rows[k] = a
	return a, nil
}

func (s *memAssignments) FindRecentByFingerprint(_ domain.Context, fingerprint string, window time.Duration) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fingerprint == "" {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-window)
	var out []domain.Assignment
	for _, a := range s.rows {
		if a.Fingerprint == fingerprint && !a.PublishedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.Before(b.PublishedAt)
		}
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		return a.MessageID < b.MessageID
	})
	return out, nil
}

func (s *memAssignments) Recent(_ domain.Context, limit int) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.Assignment, 0, len(s.rows))
	for _, a := range s.rows {
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memAssignments) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Delivery fakes.

type memSender struct {
	mu      sync.Mutex
	channel []string
	dms     map[int64][]string
}

func newMemSender() *memSender { return &memSender{dms: map[int64][]string{}} }

func (f *memSender) SendChannel(_ domain.Context, _ string, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = append(f.channel, html)
	return nil
}

func (f *memSender) SendDM(_ domain.Context, chatID int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[chatID] = append(f.dms[chatID], html)
	return nil
}

func (f *memSender) broadcasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channel...)
}

type memEvents struct {
	mu    sync.Mutex
	calls []domain.Assignment
}

func (f *memEvents) AssignmentUpserted(_ domain.Context, a domain.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	return nil
}

func (f *memEvents) published() []domain.Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Assignment(nil), f.calls...)
}

type memSink struct {
	mu   sync.Mutex
	recs []domain.DeliveryRecord
}

func (f *memSink) Append(rec domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *memSink) records() []domain.DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryRecord(nil), f.recs...)
}

// pipe is one fully wired pipeline over the in-memory fixtures.
type pipe struct {
	cfg         config.Config
	raw         *memRawStore
	queue       *memQueue
	assignments *memAssignments
	sender      *memSender
	events      *memEvents
	sink        *memSink
	pool        *worker.Pool
}

func newPipe(t *testing.T, cfg config.Config, ex domain.Extractor) *pipe {
	t.Helper()
	tax, err := enrich.LoadTaxonomy()
	require.NoError(t, err)
	p := &pipe{
		cfg:         cfg,
		raw:         newMemRawStore(),
		queue:       newMemQueue(cfg.MaxAttempts),
		assignments: newMemAssignments(),
		sender:      newMemSender(),
		events:      &memEvents{},
		sink:        &memSink{},
	}
	svc := usecase.NewProcessService(
		p.raw, p.assignments, ex,
		filter.New(cfg.MinChars, cfg.CompilationThreshold, nil),
		enrich.New(tax, nil),
		nil, p.sink, cfg.DupWindow, cfg.TriageReportEnabled)
	fanout := delivery.NewFanout(cfg, p.sender, nil, p.events, p.sink, nil)
	p.pool = worker.New(cfg, p.queue, svc, fanout)
	return p
}

// seed stores one raw post and enqueues its extraction job.
func (p *pipe) seed(t *testing.T, m domain.RawMessage, source domain.JobSource) (rawID, jobID int64) {
	t.Helper()
	ctx := context.Background()
	rawID, _, err := p.raw.UpsertRaw(ctx, m)
	require.NoError(t, err)
	jobID, existing, err := p.queue.Enqueue(ctx, rawID, p.cfg.PipelineVersion, source)
	require.NoError(t, err)
	require.False(t, existing)
	return rawID, jobID
}

// drain runs claim batches until the queue is empty.
func (p *pipe) drain(t *testing.T) {
	t.Helper()
	for {
		n, err := p.pool.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func tailPost(channelID, messageID int64, text string, postedAt time.Time) domain.RawMessage {
	return domain.RawMessage{
		ChannelID:       channelID,
		MessageID:       messageID,
		ChannelUsername: "@agency_one",
		ChannelTitle:    "Agency One Assignments",
		PostedAt:        postedAt,
		RawText:         text,
	}
}

// enrichmentStep digs one step record out of the job meta audit trail.
func enrichmentStep(t *testing.T, meta map[string]any, name string) map[string]any {
	t.Helper()
	enr, ok := meta["enrichment"].(map[string]any)
	require.True(t, ok, "enrichment meta missing: %#v", meta)
	steps, ok := enr["steps"].([]map[string]any)
	require.True(t, ok, "enrichment steps missing: %#v", enr)
	for _, s := range steps {
		if s["step"] == name {
			return s
		}
	}
	t.Fatalf("enrichment step %q not recorded: %#v", name, steps)
	return nil
}
