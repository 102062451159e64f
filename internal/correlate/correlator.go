package correlate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sgerhart/aegisflux/backend/triage/internal/anomaly"
	"github.com/sgerhart/aegisflux/backend/triage/internal/features"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/store"
)

// Config holds the correlation settings
type Config struct {
	WindowSize        int // most recent events considered per source
	HistorySize       int // events kept per source for baselines
	IncidentThreshold int // total score an event must exceed to qualify
	MinIncidentEvents int
	MaxEventAge       time.Duration // zero keeps events until displaced
}

// DefaultConfig returns the default correlation settings
func DefaultConfig() Config {
	return Config{
		WindowSize:        50,
		HistorySize:       100,
		IncidentThreshold: 60,
		MinIncidentEvents: 2,
	}
}

// Scorer produces enriched copies of events
type Scorer interface {
	Score(ev model.Event) model.Event
}

// Baseliner is the part of the anomaly model the correlator drives
type Baseliner interface {
	IsTrained(sourceID string) bool
	LearnBaseline(sourceID string, history []model.Event) error
}

// Scheduler queues background refits
type Scheduler interface {
	MarkDirty(sourceID string, n int)
}

// MetricsRecorder receives correlation counters
type MetricsRecorder interface {
	ObserveCorrelation(d time.Duration)
	IncIncidentCreated(severity string)
}

// Correlator groups qualifying events of a source into incidents
type Correlator struct {
	cfg       Config
	scorer    Scorer
	baseline  Baseliner
	store     *store.IncidentStore
	windows   *WindowBuffer
	scheduler Scheduler
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex   // serialise correlation runs per source
	supplied map[string][]model.Event // latest caller supplied window per source
}

// NewCorrelator creates a new correlator
func NewCorrelator(cfg Config, scorer Scorer, baseline Baseliner, incidents *store.IncidentStore, logger *slog.Logger) *Correlator {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HistorySize < cfg.WindowSize {
		cfg.HistorySize = cfg.WindowSize
	}
	if cfg.MinIncidentEvents <= 0 {
		cfg.MinIncidentEvents = def.MinIncidentEvents
	}

	return &Correlator{
		cfg:      cfg,
		scorer:   scorer,
		baseline: baseline,
		store:    incidents,
		windows:  NewWindowBuffer(cfg.HistorySize, cfg.MaxEventAge),
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
		supplied: make(map[string][]model.Event),
	}
}

// SetScheduler hands refits of trained sources to a background scheduler.
// Without one, every correlation run refits synchronously.
func (c *Correlator) SetScheduler(s Scheduler) {
	c.scheduler = s
}

// SetMetrics installs a metrics recorder
func (c *Correlator) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Windows returns the per-source event buffers
func (c *Correlator) Windows() *WindowBuffer {
	return c.windows
}

// History returns the buffered history of a source. Sources that are only
// correlated through CorrelateEvents report their latest supplied window.
func (c *Correlator) History(sourceID string) []model.Event {
	if history := c.windows.History(sourceID); len(history) > 0 {
		return history
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.supplied[sourceID]
	if window == nil {
		return nil
	}
	out := make([]model.Event, len(window))
	copy(out, window)
	return out
}

// Append adds a scored event to its source history
func (c *Correlator) Append(ev model.Event) {
	if ev.SourceID == "" {
		return
	}
	c.windows.Add(ev)
	if c.scheduler != nil {
		c.scheduler.MarkDirty(ev.SourceID, 1)
	}
}

// CorrelateSource correlates the most recent window of a source's history
func (c *Correlator) CorrelateSource(sourceID string) []*model.Incident {
	history := c.windows.History(sourceID)
	return c.correlate(sourceID, lastN(history, c.cfg.WindowSize), history, false)
}

// CorrelateEvents correlates the most recent WindowSize events of a caller
// supplied stream. Sources are processed in order of first appearance and
// each source's events keep their input order.
func (c *Correlator) CorrelateEvents(events []model.Event) []*model.Incident {
	events = lastN(events, c.cfg.WindowSize)

	var order []string
	groups := make(map[string][]model.Event)
	for _, ev := range events {
		if ev.SourceID == "" {
			continue
		}
		if _, seen := groups[ev.SourceID]; !seen {
			order = append(order, ev.SourceID)
		}
		groups[ev.SourceID] = append(groups[ev.SourceID], ev)
	}

	var created []*model.Incident
	for _, sourceID := range order {
		window := groups[sourceID]
		c.recordSupplied(sourceID, window)
		created = append(created, c.correlate(sourceID, window, window, true)...)
	}
	return created
}

func (c *Correlator) recordSupplied(sourceID string, window []model.Event) {
	kept := make([]model.Event, len(window))
	copy(kept, window)
	c.mu.Lock()
	c.supplied[sourceID] = kept
	c.mu.Unlock()
}

func (c *Correlator) sourceLock(sourceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sourceID] = l
	}
	return l
}

func (c *Correlator) correlate(sourceID string, window, history []model.Event, supplied bool) []*model.Incident {
	if sourceID == "" || len(window) == 0 {
		return nil
	}

	lock := c.sourceLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveCorrelation(time.Since(start))
		}
	}()

	c.ensureBaseline(sourceID, history, supplied)

	var qualifying []model.Event
	var keys []string
	for _, ev := range window {
		scored := c.scorer.Score(ev)
		if scored.TotalScore > c.cfg.IncidentThreshold {
			qualifying = append(qualifying, scored)
			keys = append(keys, EventKey(&ev))
		}
	}

	if len(qualifying) < c.cfg.MinIncidentEvents {
		return nil
	}

	incident, ok := c.store.Allocate(store.AllocateRequest{
		SourceID:  sourceID,
		Severity:  model.SeverityHigh,
		Events:    qualifying,
		Keys:      keys,
		MinEvents: c.cfg.MinIncidentEvents,
		Now:       c.now(),
	})
	if !ok {
		return nil
	}

	if c.metrics != nil {
		c.metrics.IncIncidentCreated(string(incident.Severity))
	}
	c.logger.Info("Incident created",
		"incident_id", incident.ID,
		"source_id", sourceID,
		"severity", incident.Severity,
		"event_count", incident.EventCount,
		"ml_detected_count", incident.MLDetectedCount)

	return []*model.Incident{incident}
}

// ensureBaseline fits untrained sources in place. Trained sources are refit
// here only when no background scheduler is installed; otherwise a supplied
// window is queued for the scheduler. Buffered events were queued by Append.
func (c *Correlator) ensureBaseline(sourceID string, history []model.Event, supplied bool) {
	if c.scheduler != nil && c.baseline.IsTrained(sourceID) {
		if supplied {
			c.scheduler.MarkDirty(sourceID, len(history))
		}
		return
	}

	err := c.baseline.LearnBaseline(sourceID, history)
	switch {
	case err == nil:
	case errors.Is(err, anomaly.ErrInsufficientBaseline):
		c.logger.Debug("Source baseline not ready", "source_id", sourceID, "events", len(history))
	default:
		c.logger.Warn("Baseline learning failed", "source_id", sourceID, "error", err)
	}
}

// EventKey identifies an event for incident dedupe. Events without an id
// are keyed by their content.
func EventKey(ev *model.Event) string {
	if ev.ID != "" {
		return ev.SourceID + ":" + ev.ID
	}
	content := fmt.Sprintf("%s|%s|%d|%s", ev.SourceID, ev.EventType, ev.Timestamp, features.StringifyAttributes(ev.Attributes))
	return ev.SourceID + ":" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(content)).String()
}
