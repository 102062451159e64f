package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the triage service. A nil
// *Metrics is a valid no-op recorder.
type Metrics struct {
	EventsProcessed         *prometheus.CounterVec
	EventsInvalid           *prometheus.CounterVec
	EventProcessingDuration prometheus.Histogram
	EventTotalScore         prometheus.Histogram
	BaselineFits            *prometheus.CounterVec
	AnomalyScored           *prometheus.CounterVec
	CorrelationDuration     prometheus.Histogram
	IncidentsCreated        *prometheus.CounterVec
	IncidentsResolved       *prometheus.CounterVec
	IncidentsInStore        prometheus.Gauge
	ResponseSignals         *prometheus.CounterVec
	NotificationsPublished  *prometheus.CounterVec
	NotificationsDropped    prometheus.Counter
	WeightTableReloads      *prometheus.CounterVec
	WeightsLoaded           prometheus.Gauge
	NatsConnected           prometheus.Gauge
}

// NewMetrics registers the service metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_events_processed_total",
			Help: "Total number of events scored",
		}, []string{"event_type"}),
		EventsInvalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_events_invalid_total",
			Help: "Total number of invalid events rejected",
		}, []string{"reason"}),
		EventProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_event_processing_duration_seconds",
			Help:    "Time spent ingesting one event",
			Buckets: prometheus.DefBuckets,
		}),
		EventTotalScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_event_total_score",
			Help:    "Distribution of fused event scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		BaselineFits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_baseline_fits_total",
			Help: "Baseline fit attempts by result",
		}, []string{"result"}),
		AnomalyScored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_anomaly_scored_total",
			Help: "Anomaly scoring calls by method and outcome",
		}, []string{"method", "anomalous"}),
		CorrelationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_correlation_duration_seconds",
			Help:    "Time spent correlating one source window",
			Buckets: prometheus.DefBuckets,
		}),
		IncidentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_incidents_created_total",
			Help: "Incidents created by severity",
		}, []string{"severity"}),
		IncidentsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_incidents_resolved_total",
			Help: "Incidents resolved by trigger",
		}, []string{"by"}),
		IncidentsInStore: f.NewGauge(prometheus.GaugeOpts{
			Name: "triage_incidents_in_store",
			Help: "Incidents currently retained in the incident log",
		}),
		ResponseSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_response_signals_total",
			Help: "Response signals emitted by kind",
		}, []string{"kind"}),
		NotificationsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_notifications_published_total",
			Help: "Notification deliveries by sink and result",
		}, []string{"sink", "result"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "triage_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full",
		}),
		WeightTableReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_weight_table_reloads_total",
			Help: "Weight table reloads by result",
		}, []string{"result"}),
		WeightsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "triage_weights_loaded",
			Help: "Indicators in the active weight table",
		}),
		NatsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "triage_nats_connected",
			Help: "Whether the NATS connection is up (1) or down (0)",
		}),
	}
}

// IncEventsProcessed counts one scored event
func (m *Metrics) IncEventsProcessed(eventType string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(eventType).Inc()
}

// IncEventsInvalid counts one rejected event
func (m *Metrics) IncEventsInvalid(reason string) {
	if m == nil {
		return
	}
	m.EventsInvalid.WithLabelValues(reason).Inc()
}

// ObserveEventProcessingDuration records ingest latency
func (m *Metrics) ObserveEventProcessingDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.EventProcessingDuration.Observe(d.Seconds())
}

// ObserveEventScore records a fused event score
func (m *Metrics) ObserveEventScore(score int) {
	if m == nil {
		return
	}
	m.EventTotalScore.Observe(float64(score))
}

// IncBaselineFit counts a baseline fit attempt
func (m *Metrics) IncBaselineFit(result string) {
	if m == nil {
		return
	}
	m.BaselineFits.WithLabelValues(result).Inc()
}

// IncAnomalyScored counts an anomaly scoring call
func (m *Metrics) IncAnomalyScored(method string, anomalous bool) {
	if m == nil {
		return
	}
	m.AnomalyScored.WithLabelValues(method, strconv.FormatBool(anomalous)).Inc()
}

// ObserveCorrelation records the duration of one correlation run
func (m *Metrics) ObserveCorrelation(d time.Duration) {
	if m == nil {
		return
	}
	m.CorrelationDuration.Observe(d.Seconds())
}

// IncIncidentCreated counts a new incident
func (m *Metrics) IncIncidentCreated(severity string) {
	if m == nil {
		return
	}
	m.IncidentsCreated.WithLabelValues(severity).Inc()
}

// AddIncidentsResolved counts resolved incidents
func (m *Metrics) AddIncidentsResolved(by string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IncidentsResolved.WithLabelValues(by).Add(float64(n))
}

// SetIncidentsInStore sets the retained incident gauge
func (m *Metrics) SetIncidentsInStore(n int) {
	if m == nil {
		return
	}
	m.IncidentsInStore.Set(float64(n))
}

// IncResponseSignal counts an emitted response signal
func (m *Metrics) IncResponseSignal(kind string) {
	if m == nil {
		return
	}
	m.ResponseSignals.WithLabelValues(kind).Inc()
}

// IncNotificationPublished counts a delivery attempt
func (m *Metrics) IncNotificationPublished(sink string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.NotificationsPublished.WithLabelValues(sink, result).Inc()
}

// IncNotificationDropped counts a dropped notification
func (m *Metrics) IncNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// IncWeightTableReload counts a weight table reload
func (m *Metrics) IncWeightTableReload(result string) {
	if m == nil {
		return
	}
	m.WeightTableReloads.WithLabelValues(result).Inc()
}

// SetWeightsLoaded sets the active indicator count
func (m *Metrics) SetWeightsLoaded(n int) {
	if m == nil {
		return
	}
	m.WeightsLoaded.Set(float64(n))
}

// SetNatsConnected sets the NATS connection gauge
func (m *Metrics) SetNatsConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NatsConnected.Set(1)
	} else {
		m.NatsConnected.Set(0)
	}
}
