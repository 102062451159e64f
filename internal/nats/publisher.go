package nats

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// MsgPublisher is the part of *nats.Conn the publisher uses
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// EventPublisher publishes scored events for downstream consumers
type EventPublisher struct {
	conn    MsgPublisher
	subject string
}

// NewEventPublisher creates a publisher for subject
func NewEventPublisher(conn MsgPublisher, subject string) *EventPublisher {
	return &EventPublisher{conn: conn, subject: subject}
}

// PublishScored publishes one scored event with x-* routing headers
func (p *EventPublisher) PublishScored(ev model.Event) error {
	if p.conn == nil {
		return fmt.Errorf("NATS connection not available")
	}
	if nc, ok := p.conn.(*nats.Conn); ok && !nc.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-event-id", ev.ID)
	headers.Set("x-source-id", ev.SourceID)
	headers.Set("x-event-type", ev.EventType)
	headers.Set("x-total-score", strconv.Itoa(ev.TotalScore))
	headers.Set("x-severity", string(ev.Severity()))
	headers.Set("x-anomaly", strconv.FormatBool(ev.AnomalyFlag))

	msg := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header:  headers,
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish scored event: %w", err)
	}
	return nil
}
