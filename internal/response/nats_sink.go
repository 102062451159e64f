package response

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// MsgPublisher is the part of *nats.Conn the sink uses
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes notifications on a NATS subject
type NATSSink struct {
	conn              MsgPublisher
	subject           string
	compressThreshold int
}

// NewNATSSink creates a sink publishing on subject
func NewNATSSink(conn MsgPublisher, subject string, compressThreshold int) *NATSSink {
	return &NATSSink{
		conn:              conn,
		subject:           subject,
		compressThreshold: compressThreshold,
	}
}

// Name identifies the sink in logs and metrics
func (s *NATSSink) Name() string {
	return "nats"
}

// Publish sends one notification with x-* routing headers
func (s *NATSSink) Publish(_ context.Context, n *Notification) error {
	if s.conn == nil {
		return fmt.Errorf("NATS connection not available")
	}
	if nc, ok := s.conn.(*nats.Conn); ok && !nc.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	payload, encoding, err := Encode(n, s.compressThreshold)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: s.subject,
		Data:    payload,
		Header:  Headers(n, encoding),
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close is a no-op; the connection is owned by the caller
func (s *NATSSink) Close() error {
	return nil
}

// Headers returns the routing headers of a notification
func Headers(n *Notification, encoding string) nats.Header {
	h := nats.Header{}
	h.Set("x-notification-id", n.ID)
	h.Set("x-timestamp", n.CreatedAt.Format(time.RFC3339))
	if n.Incident != nil {
		h.Set("x-incident-id", strconv.FormatUint(n.Incident.ID, 10))
		h.Set("x-source-id", n.Incident.SourceID)
		h.Set("x-severity", string(n.Incident.Severity))
	}
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	return h
}
