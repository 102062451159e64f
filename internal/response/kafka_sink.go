package response

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications to a Kafka topic, keyed by source so
// one source's notifications stay ordered within a partition
type KafkaSink struct {
	writer            MessageWriter
	compressThreshold int
}

// NewKafkaWriter creates a writer for a comma separated broker list
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
}

// NewKafkaSink creates a sink around a writer
func NewKafkaSink(writer MessageWriter, compressThreshold int) *KafkaSink {
	return &KafkaSink{writer: writer, compressThreshold: compressThreshold}
}

// Name identifies the sink in logs and metrics
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Publish writes one notification
func (s *KafkaSink) Publish(ctx context.Context, n *Notification) error {
	payload, encoding, err := Encode(n, s.compressThreshold)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Value: payload,
		Time:  n.CreatedAt,
	}
	for key, values := range Headers(n, encoding) {
		for _, v := range values {
			msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}
	if n.Incident != nil {
		msg.Key = []byte(n.Incident.SourceID)
	} else {
		msg.Key = []byte(n.ID)
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write notification to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
