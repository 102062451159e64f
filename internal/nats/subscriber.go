package nats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sgerhart/aegisflux/backend/triage/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/pipeline"
)

// Ingester consumes parsed events
type Ingester interface {
	Ingest(ctx context.Context, ev model.Event) (*pipeline.Result, error)
}

// Subscriber consumes raw agent events from NATS in a queue group
type Subscriber struct {
	nc        *nats.Conn
	ingester  Ingester
	validator *SchemaValidator
	subject   string
	queue     string
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a new NATS subscriber
func NewSubscriber(nc *nats.Conn, ingester Ingester, validator *SchemaValidator, subject, queue string, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:        nc,
		ingester:  ingester,
		validator: validator,
		subject:   subject,
		queue:     queue,
		metrics:   m,
		logger:    logger,
	}
}

// Subscribe starts consuming and blocks until ctx is done, then drains
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to events", "subject", s.subject, "queue", s.queue)

	// Messages delivered while draining must still be ingested
	handlerCtx := context.WithoutCancel(ctx)
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		s.HandleMessage(handlerCtx, msg.Data)
	})
	if err != nil {
		s.logger.Error("Failed to subscribe to events", "subject", s.subject, "error", err)
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to events", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()

	s.logger.Info("Draining event subscription")
	if err := s.sub.Drain(); err != nil {
		s.logger.Error("Failed to drain event subscription", "error", err)
		return err
	}
	s.logger.Info("Event subscription drained")
	return nil
}

// HandleMessage parses, validates and ingests one message. Invalid messages
// are counted and dropped.
func (s *Subscriber) HandleMessage(ctx context.Context, data []byte) {
	s.logger.Debug("Received event", "subject", s.subject, "data_length", len(data))

	event, err := s.parseEvent(data)
	if err != nil {
		s.logger.Warn("Dropping invalid event", "error", err)
		s.metrics.IncEventsInvalid(invalidReason(err))
		return
	}

	if _, err := s.ingester.Ingest(ctx, *event); err != nil {
		if errors.Is(err, pipeline.ErrInvalidEvent) {
			s.metrics.IncEventsInvalid("invalid")
		}
		s.logger.Warn("Failed to ingest event", "source_id", event.SourceID, "error", err)
	}
}

var (
	errDecode = errors.New("decode")
	errSchema = errors.New("schema")
)

func invalidReason(err error) string {
	switch {
	case errors.Is(err, errDecode):
		return "decode"
	case errors.Is(err, errSchema):
		return "schema"
	default:
		return "invalid"
	}
}

// parseEvent converts message data into an Event, accepting the field names
// used by older agents
func (s *Subscriber) parseEvent(data []byte) (*model.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal event data: %v", errDecode, err)
	}
	if s.validator != nil {
		if err := s.validator.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", errSchema, err)
		}
	}

	eventData, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: event is not an object", errDecode)
	}

	event := &model.Event{
		ID:        firstString(eventData, "event_id", "id"),
		SourceID:  firstString(eventData, "source_id", "agent_id", "host_id"),
		EventType: firstString(eventData, "event_type", "type"),
		Timestamp: parseTimestamp(eventData["timestamp"]),
	}
	for _, key := range []string{"attributes", "details", "args"} {
		if attrs, ok := eventData[key].(map[string]interface{}); ok {
			event.Attributes = attrs
			break
		}
	}

	return event, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// maxUnixSeconds is 9999-12-31T23:59:59Z
const maxUnixSeconds = 253402300799

// parseTimestamp accepts seconds or milliseconds since epoch and RFC3339
// strings; anything else, including out of range numbers, yields 0 so
// ingestion stamps the arrival time
func parseTimestamp(v interface{}) int64 {
	var secs float64
	switch ts := v.(type) {
	case json.Number:
		f, err := ts.Float64()
		if err != nil {
			return 0
		}
		secs = f
	case float64:
		secs = ts
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed.Unix()
		}
		if f, err := strconv.ParseFloat(ts, 64); err == nil {
			secs = f
		}
	default:
		return 0
	}

	if secs > 1e12 {
		secs /= 1000
	}
	// Also rejects NaN
	if !(secs >= 0 && secs <= maxUnixSeconds) {
		return 0
	}
	return int64(secs)
}
