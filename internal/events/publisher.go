// Package events mirrors transcript events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/observability/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript events to separate Kafka topics for
// segments and completion markers.
type Publisher struct {
	writerSegment  messageWriter
	writerComplete messageWriter
	principal      string
	topicSegment   string
	topicComplete  string
	enabled        bool
	metrics        *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicSegment  string
	TopicComplete string
	Principal     string
	Enabled       bool
}

// New creates a Kafka event publisher. A nil or disabled config yields a
// log-only publisher.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m}
	}

	p := &Publisher{
		principal:     cfg.Principal,
		topicSegment:  cfg.TopicSegment,
		topicComplete: cfg.TopicComplete,
		metrics:       m,
	}
	if p.topicSegment == "" {
		p.topicSegment = models.EventTypeSegment
	}
	if p.topicComplete == "" {
		p.topicComplete = models.EventTypeComplete
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.writerSegment = newWriter(p.topicSegment)
	p.writerComplete = newWriter(p.topicComplete)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicSegment", p.topicSegment).
		Str("topicComplete", p.topicComplete).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Publish routes the envelope to the topic for its event type. Messages are
// keyed by invocation ID so one invocation stays on one partition, in order.
func (p *Publisher) Publish(ctx context.Context, env models.TranscriptPublished) error {
	switch env.EventType {
	case models.EventTypeSegment:
		return p.publish(ctx, p.writerSegment, p.topicSegment, env)
	case models.EventTypeComplete:
		return p.publish(ctx, p.writerComplete, p.topicComplete, env)
	default:
		return fmt.Errorf("unknown event type %q", env.EventType)
	}
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic string, env models.TranscriptPublished) error {
	start := time.Now()

	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", env.InvocationID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, env.EventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(env.InvocationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(env.EventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", env.InvocationID).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, env.EventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, env.EventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerSegment != nil {
		if e := p.writerSegment.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing segment writer")
			err = e
		}
	}
	if p.writerComplete != nil {
		if e := p.writerComplete.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing complete writer")
			err = e
		}
	}
	return err
}
