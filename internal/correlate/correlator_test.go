package correlate

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sgerhart/aegisflux/backend/triage/internal/anomaly"
	"github.com/sgerhart/aegisflux/backend/triage/internal/features"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/rules"
	"github.com/sgerhart/aegisflux/backend/triage/internal/scoring"
	"github.com/sgerhart/aegisflux/backend/triage/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	scorer     *scoring.ThreatScorer
	model      *anomaly.Model
	store      *store.IncidentStore
	correlator *Correlator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ruleScorer, err := rules.NewScorer(rules.DefaultWeights)
	require.NoError(t, err)
	m := anomaly.NewModel(anomaly.DefaultConfig(), features.New(), nil, testLogger())
	scorer := scoring.NewThreatScorer(ruleScorer, m)
	incidents := store.NewIncidentStore(50, 1000)

	return &harness{
		scorer:     scorer,
		model:      m,
		store:      incidents,
		correlator: NewCorrelator(DefaultConfig(), scorer, m, incidents, testLogger()),
	}
}

// ingest scores an event and appends it the way the pipeline does
func (h *harness) ingest(ev model.Event) model.Event {
	scored := h.scorer.Score(ev)
	h.correlator.Append(scored)
	return scored
}

func curlEvent(source string, i int) model.Event {
	return model.Event{
		ID:         fmt.Sprintf("%s-curl-%d", source, i),
		SourceID:   source,
		EventType:  model.EventTypeNetworkConnection,
		Timestamp:  int64(1700000000 + i),
		Attributes: map[string]interface{}{"process": "curl"},
	}
}

func benignEvent(source string, i int) model.Event {
	return model.Event{
		ID:         fmt.Sprintf("%s-benign-%d", source, i),
		SourceID:   source,
		EventType:  model.EventTypeProcessStart,
		Timestamp:  int64(1700000000 + i),
		Attributes: map[string]interface{}{"process": "nginx"},
	}
}

func TestCorrelator_SingleQualifyingEventNoIncident(t *testing.T) {
	h := newHarness(t)

	first := h.ingest(curlEvent("agent1", 1))
	second := h.ingest(model.Event{
		ID:         "agent1-bash",
		SourceID:   "agent1",
		EventType:  model.EventTypeProcessStart,
		Attributes: map[string]interface{}{"process": "bash"},
	})

	assert.Equal(t, 100, first.TotalScore)
	assert.Equal(t, 0.0, first.AnomalyScore)
	assert.Equal(t, 50, second.TotalScore)
	assert.Equal(t, 0.0, second.AnomalyScore)

	assert.Empty(t, h.correlator.CorrelateSource("agent1"))
	assert.False(t, h.model.IsTrained("agent1"))
	assert.Empty(t, h.store.Incidents())
}

func TestCorrelator_CreatesIncident(t *testing.T) {
	h := newHarness(t)

	h.ingest(curlEvent("agent1", 1))
	h.ingest(benignEvent("agent1", 2))
	h.ingest(curlEvent("agent1", 3))

	incidents := h.correlator.CorrelateSource("agent1")
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, uint64(1), inc.ID)
	assert.Equal(t, "agent1", inc.SourceID)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, 2, inc.EventCount)
	assert.Equal(t, []string{"agent1-curl-1", "agent1-curl-3"}, inc.EventIDs())
	assert.Equal(t, 0, inc.MLDetectedCount)
	assert.Equal(t, model.IncidentActive, inc.Status)
	for _, ev := range inc.Events {
		assert.Greater(t, ev.TotalScore, 60)
	}
}

func TestCorrelator_Idempotent(t *testing.T) {
	h := newHarness(t)

	h.ingest(curlEvent("agent1", 1))
	h.ingest(curlEvent("agent1", 2))

	require.Len(t, h.correlator.CorrelateSource("agent1"), 1)
	assert.Empty(t, h.correlator.CorrelateSource("agent1"))
	assert.Empty(t, h.correlator.CorrelateSource("agent1"))
	assert.Len(t, h.store.Incidents(), 1)

	// New qualifying events form a second incident of their own
	h.ingest(curlEvent("agent1", 3))
	assert.Empty(t, h.correlator.CorrelateSource("agent1"))
	h.ingest(curlEvent("agent1", 4))

	incidents := h.correlator.CorrelateSource("agent1")
	require.Len(t, incidents, 1)
	assert.Equal(t, []string{"agent1-curl-3", "agent1-curl-4"}, incidents[0].EventIDs())
}

func TestCorrelator_OnlyRecentWindow(t *testing.T) {
	h := newHarness(t)

	h.ingest(curlEvent("agent1", 0))
	h.ingest(curlEvent("agent1", 1))
	for i := 2; i < 60; i++ {
		h.ingest(benignEvent("agent1", i))
	}

	assert.Empty(t, h.correlator.CorrelateSource("agent1"))
	// The history was long enough to train the source
	assert.True(t, h.model.IsTrained("agent1"))
}

func TestCorrelator_HistoryBounded(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 150; i++ {
		h.ingest(benignEvent("agent1", i))
	}

	history := h.correlator.History("agent1")
	require.Len(t, history, 100)
	assert.Equal(t, "agent1-benign-50", history[0].ID)
	assert.Equal(t, "agent1-benign-149", history[99].ID)
}

func TestCorrelator_CorrelateEventsSourceOrder(t *testing.T) {
	h := newHarness(t)

	events := []model.Event{
		curlEvent("agent2", 1),
		curlEvent("agent1", 2),
		benignEvent("agent3", 3),
		curlEvent("agent2", 4),
		curlEvent("agent1", 5),
	}

	incidents := h.correlator.CorrelateEvents(events)
	require.Len(t, incidents, 2)

	assert.Equal(t, "agent2", incidents[0].SourceID)
	assert.Equal(t, uint64(1), incidents[0].ID)
	assert.Equal(t, []string{"agent2-curl-1", "agent2-curl-4"}, incidents[0].EventIDs())

	assert.Equal(t, "agent1", incidents[1].SourceID)
	assert.Equal(t, uint64(2), incidents[1].ID)
	assert.Equal(t, []string{"agent1-curl-2", "agent1-curl-5"}, incidents[1].EventIDs())

	// Same input again creates nothing
	assert.Empty(t, h.correlator.CorrelateEvents(events))
}

func TestCorrelator_CorrelateEventsUsesLastWindow(t *testing.T) {
	h := newHarness(t)

	events := []model.Event{curlEvent("agent1", 0), curlEvent("agent1", 1)}
	for i := 2; i < 52; i++ {
		events = append(events, benignEvent("agent1", i))
	}

	assert.Empty(t, h.correlator.CorrelateEvents(events))
}

func TestCorrelator_EventsWithoutIDsDedupeByContent(t *testing.T) {
	h := newHarness(t)

	a := curlEvent("agent1", 1)
	a.ID = ""
	b := curlEvent("agent1", 2)
	b.ID = ""

	require.Len(t, h.correlator.CorrelateEvents([]model.Event{a, b}), 1)
	assert.Empty(t, h.correlator.CorrelateEvents([]model.Event{a, b}))
}

// flagScorer flags events carrying the "flag" attribute as anomalous
type flagScorer struct{}

func (flagScorer) Score(ev model.Event) model.Event {
	ev.TotalScore = 80
	if ev.Attribute("flag") == "yes" {
		ev.AnomalyFlag = true
		ev.AnomalyScore = 0.7
	}
	return ev
}

type countingBaseliner struct {
	mu      sync.Mutex
	trained bool
	calls   int
}

func (b *countingBaseliner) IsTrained(string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trained
}

func (b *countingBaseliner) LearnBaseline(string, []model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.trained = true
	return nil
}

type countingScheduler struct {
	mu    sync.Mutex
	dirty map[string]int
}

func (s *countingScheduler) MarkDirty(sourceID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[sourceID] += n
}

func TestCorrelator_MLDetectedCount(t *testing.T) {
	incidents := store.NewIncidentStore(50, 100)
	c := NewCorrelator(DefaultConfig(), flagScorer{}, &countingBaseliner{}, incidents, testLogger())

	events := []model.Event{
		{ID: "1", SourceID: "agent1", Attributes: map[string]interface{}{"flag": "yes"}},
		{ID: "2", SourceID: "agent1"},
		{ID: "3", SourceID: "agent1", Attributes: map[string]interface{}{"flag": "yes"}},
	}

	created := c.CorrelateEvents(events)
	require.Len(t, created, 1)
	assert.Equal(t, 3, created[0].EventCount)
	assert.Equal(t, 2, created[0].MLDetectedCount)
}

func TestCorrelator_SchedulerSkipsSyncRefit(t *testing.T) {
	incidents := store.NewIncidentStore(50, 100)
	baseliner := &countingBaseliner{}
	scheduler := &countingScheduler{dirty: map[string]int{}}

	c := NewCorrelator(DefaultConfig(), flagScorer{}, baseliner, incidents, testLogger())
	c.SetScheduler(scheduler)

	c.Append(model.Event{ID: "1", SourceID: "agent1"})
	c.Append(model.Event{ID: "2", SourceID: "agent1"})
	assert.Equal(t, 2, scheduler.dirty["agent1"])

	// Cold start fits synchronously, later runs leave refits to the scheduler
	c.CorrelateSource("agent1")
	c.CorrelateSource("agent1")
	c.CorrelateSource("agent1")
	assert.Equal(t, 1, baseliner.calls)

	// Without a scheduler every run refits
	plain := NewCorrelator(DefaultConfig(), flagScorer{}, baseliner, incidents, testLogger())
	plain.Append(model.Event{ID: "x", SourceID: "agent2"})
	plain.CorrelateSource("agent2")
	plain.CorrelateSource("agent2")
	assert.Equal(t, 3, baseliner.calls)
}

func TestCorrelator_SuppliedWindowsQueueRefits(t *testing.T) {
	incidents := store.NewIncidentStore(50, 100)
	baseliner := &countingBaseliner{}
	scheduler := &countingScheduler{dirty: map[string]int{}}

	c := NewCorrelator(DefaultConfig(), flagScorer{}, baseliner, incidents, testLogger())
	c.SetScheduler(scheduler)

	first := []model.Event{{ID: "1", SourceID: "agent1"}, {ID: "2", SourceID: "agent1"}}
	second := []model.Event{{ID: "3", SourceID: "agent1"}, {ID: "4", SourceID: "agent1"}, {ID: "5", SourceID: "agent1"}}

	c.CorrelateEvents(first)
	assert.Equal(t, 1, baseliner.calls)
	assert.Zero(t, scheduler.dirty["agent1"])

	c.CorrelateEvents(second)
	assert.Equal(t, 1, baseliner.calls)
	assert.Equal(t, 3, scheduler.dirty["agent1"])

	// The scheduler refits from the latest supplied window
	history := c.History("agent1")
	require.Len(t, history, 3)
	assert.Equal(t, "3", history[0].ID)

	assert.Empty(t, c.Windows().Sources())
	assert.Zero(t, c.Windows().GetStats().SourceCount)
}

func TestCorrelator_BufferedHistoryWinsOverSuppliedWindow(t *testing.T) {
	h := newHarness(t)

	h.correlator.CorrelateEvents([]model.Event{curlEvent("agent1", 1)})
	h.ingest(benignEvent("agent1", 2))

	history := h.correlator.History("agent1")
	require.Len(t, history, 1)
	assert.Equal(t, "agent1-benign-2", history[0].ID)
	assert.Nil(t, h.correlator.History("missing"))
}

func TestCorrelator_ConcurrentSources(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			source := fmt.Sprintf("agent%d", g)
			for i := 0; i < 20; i++ {
				h.ingest(curlEvent(source, i))
				h.correlator.CorrelateSource(source)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[string]bool)
	ids := make(map[uint64]bool)
	for _, inc := range h.store.Incidents() {
		assert.False(t, ids[inc.ID])
		ids[inc.ID] = true
		for _, ev := range inc.Events {
			assert.False(t, seen[ev.ID], "event %s claimed twice", ev.ID)
			seen[ev.ID] = true
		}
	}
	assert.NotEmpty(t, ids)
}

func TestEventKey(t *testing.T) {
	withID := model.Event{ID: "abc", SourceID: "agent1"}
	assert.Equal(t, "agent1:abc", EventKey(&withID))

	a := model.Event{SourceID: "agent1", EventType: "file_write", Timestamp: 10, Attributes: map[string]interface{}{"path": "/tmp/x"}}
	b := model.Event{SourceID: "agent1", EventType: "file_write", Timestamp: 10, Attributes: map[string]interface{}{"path": "/tmp/x"}}
	c := model.Event{SourceID: "agent1", EventType: "file_write", Timestamp: 11, Attributes: map[string]interface{}{"path": "/tmp/x"}}

	assert.Equal(t, EventKey(&a), EventKey(&b))
	assert.NotEqual(t, EventKey(&a), EventKey(&c))
}

func TestSweeper(t *testing.T) {
	incidents := store.NewIncidentStore(50, 100)
	c := NewCorrelator(DefaultConfig(), flagScorer{}, &countingBaseliner{}, incidents, testLogger())
	c.now = func() time.Time { return time.Unix(1000, 0) }

	require.Len(t, c.CorrelateEvents([]model.Event{{ID: "1", SourceID: "a"}, {ID: "2", SourceID: "a"}}), 1)

	sweeper := NewSweeper(incidents, 0, time.Minute, testLogger())
	var callbacks int
	sweeper.OnResolve(func(resolved []*model.Incident) { callbacks += len(resolved) })

	// Disabled until a TTL is set
	assert.Empty(t, sweeper.Sweep(time.Unix(100000, 0)))

	sweeper.SetTTL(time.Hour)
	assert.Empty(t, sweeper.Sweep(time.Unix(2000, 0)))

	resolved := sweeper.Sweep(time.Unix(1000+3601, 0))
	require.Len(t, resolved, 1)
	assert.Equal(t, ResolvedByTTL, resolved[0].ResolvedBy)
	assert.Equal(t, 1, callbacks)

	assert.Empty(t, sweeper.Sweep(time.Unix(100000, 0)))
}
