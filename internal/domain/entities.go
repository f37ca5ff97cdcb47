package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamRefused = errors.New("upstream refused")
	ErrUpstream5xx     = errors.New("upstream 5xx")
	ErrUpstream4xx     = errors.New("upstream 4xx")
	ErrEmptyResponse   = errors.New("empty response")
	ErrInvalidJSON     = errors.New("invalid json")
	ErrSchemaShape     = errors.New("schema shape mismatch")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrShutdown        = errors.New("shutdown")
	ErrInternal        = errors.New("internal error")
)

// RawMessage is the immutable record of a Telegram post as first observed.
// Unique by (ChannelID, MessageID). Only RawText and IsDeleted may change
// after insert, and only when the upstream edits or deletes the post.
type RawMessage struct {
	ID              int64
	ChannelID       int64
	MessageID       int64
	ChannelUsername string
	ChannelTitle    string
	PostedAt        time.Time
	RawText         string
	IsForwarded     bool
	IsDeleted       bool
	IngestedAt      time.Time
}

// Channel is the cached channel registry row; AgencyKey selects the
// extraction example set for posts from this channel.
type Channel struct {
	ChannelID int64
	Username  string
	Title     string
	AgencyKey string
	UpdatedAt time.Time
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobSkipped    JobStatus = "skipped"
)

// JobSource records how the raw row entered the queue. Backfill jobs never
// broadcast or DM.
type JobSource string

const (
	SourceTail     JobSource = "tail"
	SourceBackfill JobSource = "backfill"
)

// ExtractionJob is one unit of pipeline work, unique by
// (RawID, PipelineVersion). Lifecycle: pending -> processing ->
// (done | failed | skipped); stale processing rows return to pending with
// Attempts incremented.
type ExtractionJob struct {
	ID              int64
	RawID           int64
	PipelineVersion string
	Status          JobStatus
	Source          JobSource
	ClaimedBy       string
	ClaimedAt       *time.Time
	Attempts        int
	LastErrorKind   string
	LastErrorMsg    string
	Meta            map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Canonical object (v2 schema)

type LearningModeKind string

const (
	ModeFaceToFace LearningModeKind = "face_to_face"
	ModeOnline     LearningModeKind = "online"
	ModeHybrid     LearningModeKind = "hybrid"
	ModeUnknown    LearningModeKind = "unknown"
)

type LearningMode struct {
	Mode    LearningModeKind `json:"mode"`
	RawText string           `json:"raw_text,omitempty"`
}

// RateRange is the hourly rate in dollars. Min/Max are nil when the post
// does not state a bound; invariant Min <= Max when both are set.
type RateRange struct {
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	RawText string   `json:"raw_text,omitempty"`
}

// ScheduleSlot is one lesson slot. Raw always holds the source phrase;
// Day/Start/End are filled by the schedule parser when it can read them
// (Start/End in 24h "15:04" form).
type ScheduleSlot struct {
	Day   string `json:"day,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Raw   string `json:"raw_text,omitempty"`
}

type TimeAvailability struct {
	Explicit  []ScheduleSlot `json:"explicit"`
	Estimated []ScheduleSlot `json:"estimated"`
	Note      string         `json:"note,omitempty"`
}

// ParsedAssignment is the validated canonical extraction. It is held
// in memory and stored as JSON on the assignment row; it is never the
// source of truth for signals (those are derived).
type ParsedAssignment struct {
	AssignmentCode      string           `json:"assignment_code"`
	AcademicDisplayText string           `json:"academic_display_text"`
	LearningMode        LearningMode     `json:"learning_mode"`
	Address             []string         `json:"address"`
	PostalCode          []string         `json:"postal_code"`
	NearestMRT          []string         `json:"nearest_mrt"`
	LessonSchedule      []ScheduleSlot   `json:"lesson_schedule"`
	StartDate           string           `json:"start_date"`
	TimeAvailability    TimeAvailability `json:"time_availability"`
	Rate                RateRange        `json:"rate"`
	AdditionalRemarks   string           `json:"additional_remarks"`
}

// TutorType is one requested tutor category with match confidence in [0,1].
type TutorType struct {
	Canonical  string  `json:"canonical"`
	Original   string  `json:"original"`
	Confidence float64 `json:"confidence"`
}

// Signals are deterministic rollups of the canonical object under the
// current taxonomy: same ParsedAssignment in, same Signals out.
type Signals struct {
	SubjectsCanonical       []string    `json:"subjects_canonical"`
	SubjectsGeneral         []string    `json:"subjects_general"`
	Levels                  []string    `json:"levels"`
	SpecificLevels          []string    `json:"specific_levels"`
	Region                  string      `json:"region"`
	TutorTypes              []TutorType `json:"tutor_types"`
	RateMin                 *float64    `json:"rate_min"`
	RateMax                 *float64    `json:"rate_max"`
	CanonicalizationVersion string      `json:"canonicalization_version"`
}

type AssignmentStatus string

const (
	AssignmentOpen   AssignmentStatus = "open"
	AssignmentClosed AssignmentStatus = "closed"
)

type FreshnessTier string

const (
	FreshnessGreen FreshnessTier = "green"
	FreshnessAmber FreshnessTier = "amber"
	FreshnessRed   FreshnessTier = "red"
)

// Assignment is the canonical row, unique by (ChannelID, MessageID).
type Assignment struct {
	ID                  int64
	ChannelID           int64
	MessageID           int64
	AssignmentCode      string
	Parsed              ParsedAssignment
	Signals             Signals
	PostalLat           *float64
	PostalLon           *float64
	Status              AssignmentStatus
	FreshnessTier       FreshnessTier
	Fingerprint         string
	DuplicateGroupID    string
	IsPrimaryInGroup    bool
	DuplicateConfidence float64
	PublishedAt         time.Time
	UpdatedAt           time.Time
}

// DeliveryRecord is one broadcast/DM/triage attempt with its outcome; it is
// appended to the JSONL sink, never persisted to the datastore.
type DeliveryRecord struct {
	Kind        string    `json:"kind"`
	ChannelID   int64     `json:"channel_id,omitempty"`
	MessageID   int64     `json:"message_id,omitempty"`
	ChatID      int64     `json:"chat_id,omitempty"`
	Target      string    `json:"target,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Delivery record kinds and outcomes.
const (
	DeliveryBroadcast = "broadcast"
	DeliveryDM        = "dm"
	DeliveryEvent     = "event"
	DeliveryTriage    = "triage"

	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// QueueCounts is the queue depth snapshot surfaced to operators.
type QueueCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
}

// Repositories (ports)

type RawStore interface {
	UpsertRaw(ctx Context, m RawMessage) (rawID int64, inserted bool, err error)
	GetRaw(ctx Context, rawID int64) (RawMessage, error)
	MarkDeleted(ctx Context, channelID, messageID int64) error
	GetChannel(ctx Context, channelID int64) (Channel, error)
	UpsertChannel(ctx Context, ch Channel) error
}

type Queue interface {
	Enqueue(ctx Context, rawID int64, pipelineVersion string, source JobSource) (jobID int64, existing bool, err error)
	Claim(ctx Context, workerID string, batch int) ([]ExtractionJob, error)
	Complete(ctx Context, jobID int64, workerID string, status JobStatus, metaPatch map[string]any) error
	Fail(ctx Context, jobID int64, workerID string, kind, msg string, metaPatch map[string]any) error
	RequeueStale(ctx Context, staleAfter time.Duration) (int64, error)
	RequeueJob(ctx Context, jobID int64) error
	ListByStatus(ctx Context, status JobStatus, limit, offset int) ([]ExtractionJob, error)
	Counts(ctx Context) (QueueCounts, error)
	OldestPendingAge(ctx Context) (time.Duration, error)
}

type AssignmentStore interface {
	Upsert(ctx Context, a Assignment) (Assignment, error)
	FindRecentByFingerprint(ctx Context, fingerprint string, window time.Duration) ([]Assignment, error)
	Recent(ctx Context, limit int) ([]Assignment, error)
}

// Extractor (port)

// ExtractRequest carries everything the extractor needs to build a prompt.
type ExtractRequest struct {
	RawText         string
	ChannelUsername string
	AgencyKey       string
}

// ExtractResult is the raw LLM outcome before validation. Object is the
// parsed JSON object; Meta carries prompt hash, example set, model, token
// estimate and latency for the job row.
type ExtractResult struct {
	Object    map[string]any
	Meta      map[string]any
	LatencyMS int64
}

type Extractor interface {
	Extract(ctx Context, req ExtractRequest) (ExtractResult, error)
}

// Side-effect collaborators (ports)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Geocoder interface {
	// Lookup resolves a postal code to coordinates; (nil, nil) means the
	// code could not be resolved and the caller proceeds without.
	Lookup(ctx Context, postal string) (*GeoPoint, error)
}

type MatchCandidate struct {
	ChatID int64   `json:"chat_id"`
	Score  float64 `json:"score"`
}

type Matcher interface {
	Match(ctx Context, a Assignment) ([]MatchCandidate, error)
}

type BotSender interface {
	SendChannel(ctx Context, channel string, html string) error
	SendDM(ctx Context, chatID int64, html string) error
}

type EventPublisher interface {
	AssignmentUpserted(ctx Context, a Assignment) error
}

type DeliverySink interface {
	Append(rec DeliveryRecord) error
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
