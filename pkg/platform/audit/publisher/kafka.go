package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"civicpulse/pkg/platform/audit"
)

// DefaultAuditTopic is the Kafka topic audit events are produced to.
const DefaultAuditTopic = "civicpulse.privacy.audit"

// KafkaSink is an audit.Store that produces events to Kafka. Downstream
// consumers (SIEM, compliance archive) own retention; the engine only
// appends.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// kafkaPayload is the JSON structure published to Kafka. Field names match
// audit.Event for deserialization by consumers.
type kafkaPayload struct {
	Timestamp     string  `json:"Timestamp"`
	Action        string  `json:"Action"`
	SubjectIDHash string  `json:"SubjectIDHash,omitempty"`
	ResourceID    string  `json:"ResourceID,omitempty"`
	QueryType     string  `json:"QueryType,omitempty"`
	EpsilonUsed   float64 `json:"EpsilonUsed"`
	NoiseScale    float64 `json:"NoiseScale"`
	Reason        string  `json:"Reason,omitempty"`
	RequestID     string  `json:"RequestID,omitempty"`
}

// NewKafkaSink connects to the given brokers and ensures the audit topic
// exists. The sink owns the client; call Close on shutdown.
func NewKafkaSink(ctx context.Context, brokers []string, topic string) (*KafkaSink, error) {
	if topic == "" {
		topic = DefaultAuditTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	adm := kadm.NewClient(client)
	// Idempotent: an existing topic reports TopicAlreadyExists, which is fine.
	if _, err := adm.CreateTopic(ctx, 1, 1, nil, topic); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure audit topic: %w", err)
	}

	return &KafkaSink{client: client, topic: topic}, nil
}

// Append produces one event, keyed by subject hash so a subject's trail stays
// ordered within a partition.
func (s *KafkaSink) Append(ctx context.Context, event audit.Event) error {
	payload := kafkaPayload{
		Timestamp:     event.Timestamp.Format(time.RFC3339Nano),
		Action:        string(event.Action),
		SubjectIDHash: event.SubjectIDHash,
		ResourceID:    event.ResourceID,
		QueryType:     event.QueryType,
		EpsilonUsed:   event.EpsilonUsed,
		NoiseScale:    event.NoiseScale,
		Reason:        event.Reason,
		RequestID:     event.RequestID,
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.SubjectIDHash),
		Value: value,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes outstanding records and releases the client.
func (s *KafkaSink) Close() {
	s.client.Close()
}

