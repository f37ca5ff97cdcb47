// Package events publishes assignment lifecycle events to a Kafka topic.
// Publishing is best effort: downstream consumers are optional and a broker
// outage must never fail the job that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"log/slog"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

const EventAssignmentUpserted = "assignment_upserted"

// Producer wraps a non-transactional franz-go client. Events carry no
// processing state, so at-least-once with client retries is enough and the
// transactional overhead of an exactly-once producer buys nothing here.
type Producer struct {
	client *kgo.Client
	topic  string
}

var _ domain.EventPublisher = (*Producer)(nil)

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("op=events.NewProducer: %w: no seed brokers", domain.ErrInvalidArgument)
	}
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, cfg.EventsTopic); err != nil {
		// The topic usually pre-exists or auto-creates; produce will surface
		// a real broker problem soon enough.
		slog.Warn("event topic ensure failed", slog.String("topic", cfg.EventsTopic), slog.Any("error", err))
	}
	slog.Info("event producer ready", slog.Any("brokers", cfg.KafkaBrokers), slog.String("topic", cfg.EventsTopic))
	return &Producer{client: client, topic: cfg.EventsTopic}, nil
}

// AssignmentUpserted emits one event per canonical upsert, keyed by
// channel:message so consumers see per-assignment ordering.
func (p *Producer) AssignmentUpserted(ctx domain.Context, a domain.Assignment) error {
	key, value, err := encodeUpserted(a, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=events.AssignmentUpserted: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   key,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(EventAssignmentUpserted)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=events.AssignmentUpserted: %w: %w", domain.ErrUnavailable, err)
	}
	return nil
}

func encodeUpserted(a domain.Assignment, emittedAt time.Time) (key, value []byte, err error) {
	payload := struct {
		Event          string                  `json:"event"`
		EmittedAt      time.Time               `json:"emitted_at"`
		ChannelID      int64                   `json:"channel_id"`
		MessageID      int64                   `json:"message_id"`
		AssignmentCode string                  `json:"assignment_code,omitempty"`
		Fingerprint    string                  `json:"fingerprint"`
		Status         domain.AssignmentStatus `json:"status"`
		FreshnessTier  domain.FreshnessTier    `json:"freshness_tier"`
		DuplicateGroup string                  `json:"duplicate_group_id,omitempty"`
		Signals        domain.Signals          `json:"signals"`
		PublishedAt    time.Time               `json:"published_at"`
		UpdatedAt      time.Time               `json:"updated_at"`
	}{
		Event:          EventAssignmentUpserted,
		EmittedAt:      emittedAt,
		ChannelID:      a.ChannelID,
		MessageID:      a.MessageID,
		AssignmentCode: a.AssignmentCode,
		Fingerprint:    a.Fingerprint,
		Status:         a.Status,
		FreshnessTier:  a.FreshnessTier,
		DuplicateGroup: a.DuplicateGroupID,
		Signals:        a.Signals,
		PublishedAt:    a.PublishedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	value, err = json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	key = []byte(strconv.FormatInt(a.ChannelID, 10) + ":" + strconv.FormatInt(a.MessageID, 10))
	return key, value, nil
}

func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// ensureTopic issues a CreateTopics request and treats TOPIC_ALREADY_EXISTS
// (error code 36) as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", domain.ErrInvalidArgument)
	}
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 10000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = 1
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	ctResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, tr := range ctResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}
