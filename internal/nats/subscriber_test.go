package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sgerhart/aegisflux/backend/triage/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/triage/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingIngester struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingIngester) Ingest(_ context.Context, ev model.Event) (*pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return &pipeline.Result{Event: ev}, nil
}

func (r *recordingIngester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestSubscriber(t *testing.T, ingester Ingester) (*Subscriber, *metrics.Metrics) {
	t.Helper()
	validator, err := NewSchemaValidator()
	require.NoError(t, err)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewSubscriber(nil, ingester, validator, "events.raw", "triage", m, testLogger()), m
}

func TestSubscriber_ParseEvent(t *testing.T) {
	subscriber, _ := newTestSubscriber(t, &recordingIngester{})

	tests := []struct {
		name     string
		data     []byte
		expected *model.Event
		hasError bool
	}{
		{
			name: "canonical event",
			data: []byte(`{
				"event_id": "e-1",
				"source_id": "agent1",
				"event_type": "network_connection",
				"timestamp": 1700000000,
				"attributes": {"process": "curl", "dst": "10.0.0.1"}
			}`),
			expected: &model.Event{
				ID:         "e-1",
				SourceID:   "agent1",
				EventType:  "network_connection",
				Timestamp:  1700000000,
				Attributes: map[string]interface{}{"process": "curl", "dst": "10.0.0.1"},
			},
		},
		{
			name: "legacy agent fields",
			data: []byte(`{
				"agent_id": "agent2",
				"event_type": "process_start",
				"timestamp": "2023-11-14T22:13:20Z",
				"details": {"process": "bash"}
			}`),
			expected: &model.Event{
				SourceID:   "agent2",
				EventType:  "process_start",
				Timestamp:  1700000000,
				Attributes: map[string]interface{}{"process": "bash"},
			},
		},
		{
			name: "host id and millisecond timestamp",
			data: []byte(`{
				"host_id": "host-3",
				"type": "file_write",
				"timestamp": 1700000000123
			}`),
			expected: &model.Event{
				SourceID:  "host-3",
				EventType: "file_write",
				Timestamp: 1700000000,
			},
		},
		{
			name:     "invalid JSON",
			data:     []byte(`invalid json`),
			hasError: true,
		},
		{
			name:     "missing source",
			data:     []byte(`{"event_type": "process_start"}`),
			hasError: true,
		},
		{
			name:     "missing type",
			data:     []byte(`{"source_id": "agent1"}`),
			hasError: true,
		},
		{
			name:     "attributes wrong type",
			data:     []byte(`{"source_id": "agent1", "event_type": "x", "attributes": "nope"}`),
			hasError: true,
		},
		{
			name:     "not an object",
			data:     []byte(`[1, 2]`),
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := subscriber.parseEvent(tt.data)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, event)
		})
	}
}

func TestSubscriber_HandleMessage(t *testing.T) {
	ingester := &recordingIngester{}
	subscriber, m := newTestSubscriber(t, ingester)

	subscriber.HandleMessage(context.Background(), []byte(`{"source_id":"agent1","event_type":"process_start"}`))
	subscriber.HandleMessage(context.Background(), []byte(`garbage`))
	subscriber.HandleMessage(context.Background(), []byte(`{"event_type":"process_start"}`))

	assert.Equal(t, 1, ingester.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsInvalid.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsInvalid.WithLabelValues("schema")))
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, int64(1700000000), parseTimestamp(json.Number("1700000000")))
	assert.Equal(t, int64(1700000000), parseTimestamp(1700000000.5))
	assert.Equal(t, int64(1700000000), parseTimestamp("1700000000"))
	assert.Equal(t, int64(0), parseTimestamp("yesterday"))
	assert.Equal(t, int64(0), parseTimestamp(nil))
	assert.Equal(t, int64(0), parseTimestamp(json.Number("-5")))
	assert.Equal(t, int64(0), parseTimestamp(1e300))
	assert.Equal(t, int64(0), parseTimestamp(json.Number("1e300")))
	assert.Equal(t, int64(0), parseTimestamp("NaN"))
	assert.Equal(t, int64(0), parseTimestamp("+Inf"))
	assert.Equal(t, int64(maxUnixSeconds), parseTimestamp(float64(maxUnixSeconds)))
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func TestEventPublisher_PublishScored(t *testing.T) {
	conn := &fakeConn{}
	pub := NewEventPublisher(conn, "triage.events.scored")

	ev := model.Event{ID: "e1", SourceID: "agent1", EventType: "network_connection", TotalScore: 100, AnomalyFlag: true}
	require.NoError(t, pub.PublishScored(ev))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "triage.events.scored", msg.Subject)
	assert.Equal(t, "e1", msg.Header.Get("x-event-id"))
	assert.Equal(t, "agent1", msg.Header.Get("x-source-id"))
	assert.Equal(t, "100", msg.Header.Get("x-total-score"))
	assert.Equal(t, "critical", msg.Header.Get("x-severity"))
	assert.Equal(t, "true", msg.Header.Get("x-anomaly"))

	var decoded model.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)

	assert.Error(t, NewEventPublisher(nil, "x").PublishScored(ev))
}

func TestSubscriber_EndToEnd(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(200*time.Millisecond))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer nc.Close()

	scorer, err := rules.NewScorer(rules.DefaultWeights)
	require.NoError(t, err)
	svc := pipeline.New(pipeline.DefaultConfig(), scorer, nil, nil, testLogger())

	validator, err := NewSchemaValidator()
	require.NoError(t, err)
	subscriber := NewSubscriber(nc, svc, validator, "triage.test.events", "triage-test", nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- subscriber.Subscribe(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, nc.Publish("triage.test.events",
			[]byte(`{"source_id":"agent1","event_type":"network_connection","attributes":{"process":"curl"}}`)))
	}
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		return len(svc.Incidents(pipeline.IncidentFilter{SourceID: "agent1"})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
