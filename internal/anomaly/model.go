package anomaly

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/aegisflux/backend/triage/internal/features"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// ErrInsufficientBaseline is returned when a source has too few events to fit
var ErrInsufficientBaseline = errors.New("insufficient baseline data")

// MetricsRecorder receives model activity counters
type MetricsRecorder interface {
	IncBaselineFit(result string)
	IncAnomalyScored(method string, anomalous bool)
}

// Config holds the anomaly model settings
type Config struct {
	MinBaseline         int // events needed before a source can be trained
	MaxHistory          int // most recent events used for a fit
	DetectionHistoryCap int // detections retained per source for stats
	Forest              ForestConfig
}

// DefaultConfig returns the default model settings
func DefaultConfig() Config {
	return Config{
		MinBaseline:         10,
		MaxHistory:          100,
		DetectionHistoryCap: 1000,
		Forest:              DefaultForestConfig(),
	}
}

// Baseline is the committed learned state of one source. It is immutable
// once published; refits publish a new value.
type Baseline struct {
	Scaler    *Scaler
	Forest    *IsolationForest
	Samples   int
	TrainedAt time.Time
}

// sourceState is the per-source slot: committed baseline plus detections
type sourceState struct {
	baseline atomic.Pointer[Baseline]
	fitMu    sync.Mutex // serialises fits for one source
	history  *detectionHistory
}

// Model keeps an independent baseline per source. Sources are created lazily
// and live for the lifetime of the process.
type Model struct {
	cfg       Config
	extractor *features.Extractor
	logger    *slog.Logger
	metrics   MetricsRecorder

	mu      sync.RWMutex
	sources map[string]*sourceState
}

// NewModel creates a new per-source anomaly model
func NewModel(cfg Config, extractor *features.Extractor, metrics MetricsRecorder, logger *slog.Logger) *Model {
	if cfg.MinBaseline <= 0 {
		cfg.MinBaseline = DefaultConfig().MinBaseline
	}
	if cfg.MaxHistory < cfg.MinBaseline {
		cfg.MaxHistory = cfg.MinBaseline
	}
	if cfg.DetectionHistoryCap <= 0 {
		cfg.DetectionHistoryCap = DefaultConfig().DetectionHistoryCap
	}
	if cfg.Forest.Trees == 0 {
		cfg.Forest = DefaultForestConfig()
	}

	return &Model{
		cfg:       cfg,
		extractor: extractor,
		logger:    logger,
		metrics:   metrics,
		sources:   make(map[string]*sourceState),
	}
}

// state returns the slot for a source, creating it on first use
func (m *Model) state(sourceID string) *sourceState {
	m.mu.RLock()
	st, ok := m.sources[sourceID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.sources[sourceID]; ok {
		return st
	}
	st = &sourceState{history: newDetectionHistory(m.cfg.DetectionHistoryCap)}
	m.sources[sourceID] = st
	return st
}

// LearnBaseline fits the source baseline on the most recent MaxHistory events.
// With fewer than MinBaseline events it returns ErrInsufficientBaseline and
// the source keeps its current state; a failed refit keeps the previous
// baseline as well.
func (m *Model) LearnBaseline(sourceID string, history []model.Event) error {
	if len(history) < m.cfg.MinBaseline {
		m.recordFit("insufficient")
		return fmt.Errorf("%w: source %s has %d events, need %d",
			ErrInsufficientBaseline, sourceID, len(history), m.cfg.MinBaseline)
	}
	if len(history) > m.cfg.MaxHistory {
		history = history[len(history)-m.cfg.MaxHistory:]
	}

	st := m.state(sourceID)
	st.fitMu.Lock()
	defer st.fitMu.Unlock()

	baseline, err := m.fit(history)
	if err != nil {
		m.recordFit("error")
		m.logger.Warn("Baseline fit failed, keeping previous state",
			"source_id", sourceID,
			"samples", len(history),
			"error", err)
		return err
	}

	st.baseline.Store(baseline)
	m.recordFit("success")
	m.logger.Debug("Baseline trained",
		"source_id", sourceID,
		"samples", baseline.Samples,
		"threshold", baseline.Forest.Threshold())
	return nil
}

func (m *Model) fit(history []model.Event) (b *Baseline, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fit: %v", r)
		}
	}()

	rows := make([][]float64, len(history))
	for i := range history {
		rows[i] = m.extractor.Extract(&history[i])
	}

	scaler, err := FitScaler(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scale baseline: %w", err)
	}
	forest, err := FitForest(scaled, m.cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("failed to fit isolation forest: %w", err)
	}

	return &Baseline{
		Scaler:    scaler,
		Forest:    forest,
		Samples:   len(rows),
		TrainedAt: time.Now(),
	}, nil
}

// Score scores one event against its source baseline. It never fails: an
// untrained source yields a neutral "untrained" result and numeric problems
// yield a neutral "error" result.
func (m *Model) Score(sourceID string, ev *model.Event) (result model.AnomalyResult) {
	st := m.state(sourceID)
	baseline := st.baseline.Load()
	if baseline == nil {
		m.recordScored(model.MethodUntrained, false)
		return model.AnomalyResult{
			Method:    model.MethodUntrained,
			Reasoning: "Model not yet trained",
		}
	}

	defer func() {
		if r := recover(); r != nil {
			result = m.scoreError(sourceID, fmt.Errorf("panic during scoring: %v", r))
		}
	}()

	vec := m.extractor.Extract(ev)
	scaled, err := baseline.Scaler.Transform(vec)
	if err != nil {
		return m.scoreError(sourceID, err)
	}
	score, err := baseline.Forest.Score(scaled)
	if err != nil {
		return m.scoreError(sourceID, err)
	}
	isAnomaly := baseline.Forest.IsOutlier(score)

	eventID := ""
	if ev != nil {
		eventID = ev.ID
	}
	st.history.record(Detection{
		EventID:   eventID,
		IsAnomaly: isAnomaly,
		Score:     score,
		Timestamp: time.Now(),
	})
	m.recordScored(model.MethodIsolationForest, isAnomaly)

	return model.AnomalyResult{
		IsAnomaly:    isAnomaly,
		AnomalyScore: score,
		Method:       model.MethodIsolationForest,
		Reasoning:    fmt.Sprintf("Anomaly score: %.3f (threshold: %.3f)", score, baseline.Forest.Threshold()),
	}
}

func (m *Model) scoreError(sourceID string, err error) model.AnomalyResult {
	m.recordScored(model.MethodError, false)
	m.logger.Warn("Anomaly scoring failed", "source_id", sourceID, "error", err)
	return model.AnomalyResult{
		Method:    model.MethodError,
		Reasoning: err.Error(),
	}
}

// IsTrained reports whether the source has a committed baseline
func (m *Model) IsTrained(sourceID string) bool {
	m.mu.RLock()
	st, ok := m.sources[sourceID]
	m.mu.RUnlock()
	return ok && st.baseline.Load() != nil
}

// Baseline returns the committed baseline of a source, or nil
func (m *Model) Baseline(sourceID string) *Baseline {
	m.mu.RLock()
	st, ok := m.sources[sourceID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return st.baseline.Load()
}

// Sources returns the known source ids in sorted order
func (m *Model) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DetectionStats aggregates the detection history of every source. The model
// status is "trained" once any source has a baseline.
func (m *Model) DetectionStats() model.DetectionStats {
	m.mu.RLock()
	states := make([]*sourceState, 0, len(m.sources))
	for _, st := range m.sources {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var count, anomalies int
	var sum float64
	trained := false
	for _, st := range states {
		c, a, s := st.history.totals()
		count += c
		anomalies += a
		sum += s
		if st.baseline.Load() != nil {
			trained = true
		}
	}
	return buildStats(count, anomalies, sum, trained)
}

// SourceStats returns the detection statistics of one source
func (m *Model) SourceStats(sourceID string) model.DetectionStats {
	m.mu.RLock()
	st, ok := m.sources[sourceID]
	m.mu.RUnlock()
	if !ok {
		return buildStats(0, 0, 0, false)
	}
	c, a, s := st.history.totals()
	return buildStats(c, a, s, st.baseline.Load() != nil)
}

func buildStats(count, anomalies int, scoreSum float64, trained bool) model.DetectionStats {
	status := model.ModelStatusUntrained
	if trained {
		status = model.ModelStatusTrained
	}
	if count == 0 {
		return model.DetectionStats{ModelStatus: status}
	}
	return model.DetectionStats{
		EventsAnalyzed:       count,
		AnomaliesDetected:    anomalies,
		DetectionRatePercent: round(float64(anomalies)/float64(count)*100, 2),
		MeanAnomalyScore:     round(scoreSum/float64(count), 3),
		ModelStatus:          status,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (m *Model) recordFit(result string) {
	if m.metrics != nil {
		m.metrics.IncBaselineFit(result)
	}
}

func (m *Model) recordScored(method string, anomalous bool) {
	if m.metrics != nil {
		m.metrics.IncAnomalyScored(method, anomalous)
	}
}
