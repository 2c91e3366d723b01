package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/kafka"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
)

// sink delivers one resolved outbox row to the message bus.
type sink interface {
	Name() string
	Ping(ctx context.Context) error
	Send(ctx context.Context, event models.OutboxEvent, resolved *outbox.ResolvedEvent) error
}

func messageAttributes(event models.OutboxEvent, resolved *outbox.ResolvedEvent) map[string]string {
	return map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type pubSubSink struct {
	pinger interface{ Ping(context.Context) error }
	pub    publisher
	topic  string
}

func (s *pubSubSink) Name() string { return "pubsub:" + s.topic }

func (s *pubSubSink) Ping(ctx context.Context) error { return s.pinger.Ping(ctx) }

func (s *pubSubSink) Send(ctx context.Context, event models.OutboxEvent, resolved *outbox.ResolvedEvent) error {
	if s.pub == nil {
		return outbox.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", s.topic))
	}
	result := s.pub.Publish(ctx, &gcppubsub.Message{
		Data:       event.Payload,
		Attributes: messageAttributes(event, resolved),
	})
	if result == nil {
		return outbox.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", s.topic))
	}
	_, err := result.Get(ctx)
	return err
}

type kafkaWriter interface {
	Publish(ctx context.Context, msg kafka.Message) error
	Ping(ctx context.Context) error
}

type kafkaSink struct {
	writer kafkaWriter
	topic  string
}

func (s *kafkaSink) Name() string { return "kafka:" + s.topic }

func (s *kafkaSink) Ping(ctx context.Context) error { return s.writer.Ping(ctx) }

func (s *kafkaSink) Send(ctx context.Context, event models.OutboxEvent, resolved *outbox.ResolvedEvent) error {
	return s.writer.Publish(ctx, kafka.Message{
		Key:     event.AggregateID.String(),
		Value:   event.Payload,
		Headers: messageAttributes(event, resolved),
	})
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

// sinkKind normalizes the configured sink name.
func sinkKind(cfg config.OutboxConfig) (string, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Sink)); kind {
	case "", config.OutboxSinkPubSub:
		return config.OutboxSinkPubSub, nil
	case config.OutboxSinkKafka:
		return config.OutboxSinkKafka, nil
	default:
		return "", fmt.Errorf("unsupported outbox sink %q", cfg.Sink)
	}
}
