// Package audit implements the optional outbound audit stream: when
// brokers are configured, the node's applied commands and failover
// transitions and the bridge's startup are published to a Kafka topic,
// fire-and-forget. LLM-response applications are not recorded.
// A nil *Sink is valid and records nothing, so call sites never need a
// feature check.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Event is one audit record. Fields are omitted when empty so records
// stay small on the wire.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Node      string `json:"node,omitempty"`
	Command   string `json:"command,omitempty"`
	Key       string `json:"key,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Sink produces audit events to a Kafka topic via franz-go.
type Sink struct {
	client *kgo.Client
	topic  string
	node   string
	log    zerolog.Logger
}

// NewSink connects a producer to brokers. Returns (nil, nil) when brokers
// is empty: auditing is off by default and a nil Sink is a no-op.
func NewSink(brokers []string, topic, node string, log zerolog.Logger) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("audit sink connected")
	return &Sink{client: client, topic: topic, node: node, log: log}, nil
}

// Record publishes one event asynchronously. Failures are logged and
// dropped — auditing never affects the synchronous command path.
func (s *Sink) Record(eventType, command, key, detail string) {
	if s == nil {
		return
	}

	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Node:      s.node,
		Command:   command,
		Key:       key,
		Detail:    detail,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal audit event")
		return
	}

	s.client.Produce(context.Background(), &kgo.Record{Value: payload}, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.Warn().Err(err).Str("type", eventType).Msg("audit publish failed")
		}
	})
}

// Close flushes and shuts down the producer.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Flush(ctx)
	s.client.Close()
}
