package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sgerhart/aegisflux/backend/triage/internal/anomaly"
	"github.com/sgerhart/aegisflux/backend/triage/internal/correlate"
	"github.com/sgerhart/aegisflux/backend/triage/internal/features"
	"github.com/sgerhart/aegisflux/backend/triage/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/response"
	"github.com/sgerhart/aegisflux/backend/triage/internal/rules"
	"github.com/sgerhart/aegisflux/backend/triage/internal/scoring"
	"github.com/sgerhart/aegisflux/backend/triage/internal/store"
)

// ErrInvalidEvent is returned for events without a source or type
var ErrInvalidEvent = errors.New("invalid event")

// ResolvedByOperator is recorded when no operator name is given
const ResolvedByOperator = "operator"

// Config holds the pipeline settings
type Config struct {
	Correlate           correlate.Config
	Anomaly             anomaly.Config
	IncidentLogCap      int
	CoveredCap          int
	RetrainInterval     time.Duration
	RetrainMinNewEvents int
	IncidentTTL         time.Duration
	SweepInterval       time.Duration
	GateSeverity        model.Severity
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		Correlate:           correlate.DefaultConfig(),
		Anomaly:             anomaly.DefaultConfig(),
		IncidentLogCap:      50,
		CoveredCap:          10000,
		RetrainInterval:     30 * time.Second,
		RetrainMinNewEvents: 5,
		IncidentTTL:         time.Hour,
		SweepInterval:       time.Minute,
		GateSeverity:        model.SeverityHigh,
	}
}

// EventPublisher forwards scored events downstream
type EventPublisher interface {
	PublishScored(ev model.Event) error
}

// Result is the outcome of one ingest or correlation call
type Result struct {
	Event     model.Event            `json:"event"`
	Incidents []*model.Incident      `json:"incidents"`
	Signals   []model.ResponseSignal `json:"signals"`
}

// IncidentFilter selects incidents; zero fields match everything
type IncidentFilter struct {
	SourceID    string
	Status      model.IncidentStatus
	MinSeverity model.Severity
}

// Service owns all triage state: per-source windows and baselines, the
// incident log and the response path. Each instance is independent.
type Service struct {
	cfg        Config
	rules      *rules.Scorer
	model      *anomaly.Model
	scorer     *scoring.ThreatScorer
	incidents  *store.IncidentStore
	correlator *correlate.Correlator
	retrainer  *anomaly.Retrainer
	sweeper    *correlate.Sweeper
	gate       *response.Gate
	notifier   *response.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.RWMutex
	publisher EventPublisher
	started   bool
}

// New wires a service around a rule scorer. notifier and m may be nil.
func New(cfg Config, ruleScorer *rules.Scorer, notifier *response.Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	anomalyModel := anomaly.NewModel(cfg.Anomaly, features.New(), m, logger)
	threat := scoring.NewThreatScorer(ruleScorer, anomalyModel)
	incidents := store.NewIncidentStore(cfg.IncidentLogCap, cfg.CoveredCap)

	correlator := correlate.NewCorrelator(cfg.Correlate, threat, anomalyModel, incidents, logger)
	correlator.SetMetrics(m)

	retrainer := anomaly.NewRetrainer(anomalyModel, correlator, cfg.RetrainInterval, cfg.RetrainMinNewEvents, logger)
	correlator.SetScheduler(retrainer)

	s := &Service{
		cfg:        cfg,
		rules:      ruleScorer,
		model:      anomalyModel,
		scorer:     threat,
		incidents:  incidents,
		correlator: correlator,
		retrainer:  retrainer,
		gate:       response.NewGate(cfg.GateSeverity),
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
	}

	s.sweeper = correlate.NewSweeper(incidents, cfg.IncidentTTL, cfg.SweepInterval, logger)
	s.sweeper.OnResolve(func(resolved []*model.Incident) {
		s.metrics.AddIncidentsResolved(correlate.ResolvedByTTL, len(resolved))
		s.metrics.SetIncidentsInStore(s.incidents.GetStats().Active)
	})

	return s
}

// SetPublisher installs the scored-event publisher
func (s *Service) SetPublisher(p EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Ingest scores one event, appends it to its source history and, when it
// scores above the incident threshold, correlates its source. Only events
// without a source or type are rejected.
func (s *Service) Ingest(ctx context.Context, ev model.Event) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ev.SourceID == "" {
		return nil, fmt.Errorf("%w: missing source_id", ErrInvalidEvent)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrInvalidEvent)
	}

	start := time.Now()
	defer func() {
		s.metrics.ObserveEventProcessingDuration(time.Since(start))
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = start.Unix()
	}
	// Annotations are computed here, never taken from the caller
	ev.RuleScore, ev.AnomalyScore, ev.AnomalyFlag, ev.TotalScore = 0, 0, false, 0

	scored := s.scorer.Score(ev)
	s.correlator.Append(scored)

	s.metrics.IncEventsProcessed(scored.EventType)
	s.metrics.ObserveEventScore(scored.TotalScore)
	s.publish(scored)

	result := &Result{Event: scored}
	if scored.TotalScore > s.cfg.Correlate.IncidentThreshold {
		result.Incidents = s.correlator.CorrelateSource(scored.SourceID)
		result.Signals = s.dispatch(result.Incidents)
	}

	s.logger.Debug("Event scored",
		"event_id", scored.ID,
		"source_id", scored.SourceID,
		"event_type", scored.EventType,
		"rule_score", scored.RuleScore,
		"anomaly_score", scored.AnomalyScore,
		"total_score", scored.TotalScore,
		"incidents", len(result.Incidents))

	return result, nil
}

// Score returns the enriched form of an event without recording it
func (s *Service) Score(ev model.Event) model.Event {
	return s.scorer.Score(ev)
}

// CorrelateSource correlates the recent window of one source
func (s *Service) CorrelateSource(sourceID string) *Result {
	incidents := s.correlator.CorrelateSource(sourceID)
	return &Result{Incidents: incidents, Signals: s.dispatch(incidents)}
}

// CorrelateEvents correlates a caller supplied event stream
func (s *Service) CorrelateEvents(events []model.Event) *Result {
	incidents := s.correlator.CorrelateEvents(events)
	return &Result{Incidents: incidents, Signals: s.dispatch(incidents)}
}

// dispatch runs new incidents through the gate and hands the signals to the
// notifier without waiting for delivery
func (s *Service) dispatch(incidents []*model.Incident) []model.ResponseSignal {
	if len(incidents) == 0 {
		return nil
	}

	var all []model.ResponseSignal
	for _, inc := range incidents {
		signals := s.gate.Evaluate(inc)
		if len(signals) == 0 {
			continue
		}
		for _, sig := range signals {
			s.metrics.IncResponseSignal(sig.Kind)
		}
		all = append(all, signals...)

		if s.notifier != nil {
			s.notifier.Notify(response.NewNotification(inc, signals))
		}
	}
	s.metrics.SetIncidentsInStore(s.incidents.GetStats().Active)
	return all
}

func (s *Service) publish(ev model.Event) {
	s.mu.RLock()
	p := s.publisher
	s.mu.RUnlock()
	if p == nil {
		return
	}
	if err := p.PublishScored(ev); err != nil {
		s.logger.Warn("Failed to publish scored event", "event_id", ev.ID, "source_id", ev.SourceID, "error", err)
	}
}

// Stats returns the aggregate detection statistics
func (s *Service) Stats() model.DetectionStats {
	return s.model.DetectionStats()
}

// SourceStats returns the detection statistics of one source
func (s *Service) SourceStats(sourceID string) model.DetectionStats {
	return s.model.SourceStats(sourceID)
}

// Sources returns the sources with buffered history
func (s *Service) Sources() []string {
	return s.correlator.Windows().Sources()
}

// Incidents returns the retained incidents matching a filter, oldest first
func (s *Service) Incidents(f IncidentFilter) []*model.Incident {
	var candidates []*model.Incident
	if f.SourceID != "" {
		candidates = s.incidents.BySource(f.SourceID)
	} else {
		candidates = s.incidents.Incidents()
	}

	out := make([]*model.Incident, 0, len(candidates))
	for _, inc := range candidates {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.MinSeverity != "" && !inc.Severity.AtLeast(f.MinSeverity) {
			continue
		}
		out = append(out, inc)
	}
	return out
}

// Incident returns one retained incident
func (s *Service) Incident(id uint64) (*model.Incident, error) {
	return s.incidents.Get(id)
}

// Resolve closes an active incident on behalf of an operator
func (s *Service) Resolve(id uint64, by string) (*model.Incident, error) {
	if by == "" {
		by = ResolvedByOperator
	}
	inc, err := s.incidents.Resolve(id, by, time.Now())
	if err != nil {
		return nil, err
	}
	s.metrics.AddIncidentsResolved(ResolvedByOperator, 1)
	s.metrics.SetIncidentsInStore(s.incidents.GetStats().Active)
	s.logger.Info("Incident resolved", "incident_id", id, "resolved_by", by)
	return inc, nil
}

// StoreStats describes the incident log
func (s *Service) StoreStats() store.Stats {
	return s.incidents.GetStats()
}

// BufferStats describes the per-source windows
func (s *Service) BufferStats() correlate.BufferStats {
	return s.correlator.Windows().GetStats()
}

// SetRetrainInterval changes the background retrain cadence
func (s *Service) SetRetrainInterval(d time.Duration) {
	s.retrainer.SetInterval(d)
}

// SetIncidentTTL changes the age after which incidents resolve
func (s *Service) SetIncidentTTL(d time.Duration) {
	s.sweeper.SetTTL(d)
}

// Retrainer exposes the background retrainer
func (s *Service) Retrainer() *anomaly.Retrainer {
	return s.retrainer
}

// Start launches the retrainer, the TTL sweeper, window GC and the notifier
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.retrainer.Start(ctx)
	s.sweeper.Start(ctx)
	gcEvery := time.Minute
	if age := s.cfg.Correlate.MaxEventAge; age > 0 && age < gcEvery {
		gcEvery = age
	}
	s.correlator.Windows().StartGC(gcEvery)
	if s.notifier != nil {
		s.notifier.Start()
	}
	s.logger.Info("Triage pipeline started",
		"retrain_interval", s.retrainer.Interval().String(),
		"incident_ttl", s.sweeper.TTL().String())
}

// Stop stops background work and flushes pending notifications
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.retrainer.Stop()
	s.sweeper.Stop()
	s.correlator.Windows().StopGC()
	if s.notifier != nil {
		s.notifier.Stop()
	}
	s.logger.Info("Triage pipeline stopped")
}

// Ready reports whether background work is running
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
