package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncEventsProcessed("process_start")
	m.IncEventsProcessed("process_start")
	m.IncEventsInvalid("schema")
	m.IncBaselineFit("success")
	m.IncAnomalyScored("isolation_forest", true)
	m.IncIncidentCreated("high")
	m.AddIncidentsResolved("ttl", 3)
	m.AddIncidentsResolved("ttl", 0)
	m.IncResponseSignal("alert")
	m.IncNotificationPublished("nats", true)
	m.IncNotificationPublished("nats", false)
	m.IncNotificationDropped()
	m.IncWeightTableReload("success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsProcessed.WithLabelValues("process_start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsInvalid.WithLabelValues("schema")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BaselineFits.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnomalyScored.WithLabelValues("isolation_forest", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IncidentsCreated.WithLabelValues("high")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IncidentsResolved.WithLabelValues("ttl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponseSignals.WithLabelValues("alert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsPublished.WithLabelValues("nats", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WeightTableReloads.WithLabelValues("success")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetIncidentsInStore(7)
	m.SetWeightsLoaded(4)
	m.SetNatsConnected(true)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.IncidentsInStore))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.WeightsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NatsConnected))

	m.SetNatsConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NatsConnected))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IncEventsProcessed("x")
		m.IncEventsInvalid("x")
		m.ObserveEventProcessingDuration(time.Millisecond)
		m.ObserveEventScore(10)
		m.IncBaselineFit("x")
		m.IncAnomalyScored("x", false)
		m.ObserveCorrelation(time.Millisecond)
		m.IncIncidentCreated("high")
		m.AddIncidentsResolved("operator", 1)
		m.SetIncidentsInStore(1)
		m.IncResponseSignal("alert")
		m.IncNotificationPublished("kafka", true)
		m.IncNotificationDropped()
		m.IncWeightTableReload("error")
		m.SetWeightsLoaded(1)
		m.SetNatsConnected(true)
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
