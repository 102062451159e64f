package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// WindowBuffer keeps a bounded per-source history of scored events. Sources
// never share a lock on the hot path.
type WindowBuffer struct {
	mu       sync.RWMutex
	sources  map[string]*SourceBuffer
	capacity int
	maxAge   time.Duration
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// SourceBuffer holds the events of one source
type SourceBuffer struct {
	mu     sync.RWMutex
	events []bufferedEvent
}

type bufferedEvent struct {
	event    model.Event
	received time.Time
}

// NewWindowBuffer creates a buffer keeping up to capacity events per source.
// A zero maxAge disables age-based garbage collection.
func NewWindowBuffer(capacity int, maxAge time.Duration) *WindowBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &WindowBuffer{
		sources:  make(map[string]*SourceBuffer),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// StartGC starts the garbage collection routine
func (wb *WindowBuffer) StartGC(gcInterval time.Duration) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.gcTicker != nil || wb.maxAge <= 0 {
		return
	}

	wb.gcTicker = time.NewTicker(gcInterval)
	wb.stopGC = make(chan struct{})

	go wb.gcRoutine(wb.gcTicker, wb.stopGC)
}

// StopGC stops the garbage collection routine
func (wb *WindowBuffer) StopGC() {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.gcTicker != nil {
		wb.gcTicker.Stop()
		wb.gcTicker = nil
	}
	if wb.stopGC != nil {
		close(wb.stopGC)
		wb.stopGC = nil
	}
}

// source returns the buffer of a source, creating it on first use
func (wb *WindowBuffer) source(sourceID string) *SourceBuffer {
	wb.mu.RLock()
	sb, ok := wb.sources[sourceID]
	wb.mu.RUnlock()
	if ok {
		return sb
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()
	if sb, ok = wb.sources[sourceID]; ok {
		return sb
	}
	sb = &SourceBuffer{}
	wb.sources[sourceID] = sb
	return sb
}

// Add appends an event to its source buffer, dropping the oldest event once
// the buffer is full
func (wb *WindowBuffer) Add(ev model.Event) {
	if ev.SourceID == "" {
		return
	}
	sb := wb.source(ev.SourceID)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.events = append(sb.events, bufferedEvent{event: ev, received: time.Now()})
	if over := len(sb.events) - wb.capacity; over > 0 {
		sb.events = append(sb.events[:0:0], sb.events[over:]...)
	}
}

// History returns the buffered events of a source, oldest first
func (wb *WindowBuffer) History(sourceID string) []model.Event {
	wb.mu.RLock()
	sb, ok := wb.sources[sourceID]
	wb.mu.RUnlock()
	if !ok {
		return nil
	}

	sb.mu.RLock()
	defer sb.mu.RUnlock()

	out := make([]model.Event, len(sb.events))
	for i, be := range sb.events {
		out[i] = be.event
	}
	return out
}

// Recent returns at most n of the newest events of a source, oldest first
func (wb *WindowBuffer) Recent(sourceID string, n int) []model.Event {
	return lastN(wb.History(sourceID), n)
}

// Sources returns the buffered source ids in sorted order
func (wb *WindowBuffer) Sources() []string {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	ids := make([]string, 0, len(wb.sources))
	for id := range wb.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GC removes events received more than maxAge before now
func (wb *WindowBuffer) GC(now time.Time) {
	if wb.maxAge <= 0 {
		return
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	cutoff := now.Add(-wb.maxAge)

	for sourceID, sb := range wb.sources {
		sb.mu.Lock()
		var kept []bufferedEvent
		for _, be := range sb.events {
			if be.received.After(cutoff) {
				kept = append(kept, be)
			}
		}
		sb.events = kept
		sb.mu.Unlock()

		if len(kept) == 0 {
			delete(wb.sources, sourceID)
		}
	}
}

func (wb *WindowBuffer) gcRoutine(ticker *time.Ticker, stopChan chan struct{}) {
	for {
		select {
		case <-ticker.C:
			wb.GC(time.Now())
		case <-stopChan:
			return
		}
	}
}

// BufferStats describes the window buffer
type BufferStats struct {
	SourceCount int    `json:"source_count"`
	TotalEvents int    `json:"total_events"`
	Capacity    int    `json:"capacity_per_source"`
	MaxAge      string `json:"max_age"`
}

// GetStats returns statistics about the window buffer
func (wb *WindowBuffer) GetStats() BufferStats {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	stats := BufferStats{
		SourceCount: len(wb.sources),
		Capacity:    wb.capacity,
		MaxAge:      wb.maxAge.String(),
	}
	for _, sb := range wb.sources {
		sb.mu.RLock()
		stats.TotalEvents += len(sb.events)
		sb.mu.RUnlock()
	}
	return stats
}

// Len returns the number of buffered events of a source
func (wb *WindowBuffer) Len(sourceID string) int {
	wb.mu.RLock()
	sb, ok := wb.sources[sourceID]
	wb.mu.RUnlock()
	if !ok {
		return 0
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.events)
}

func lastN(events []model.Event, n int) []model.Event {
	if n > 0 && len(events) > n {
		return events[len(events)-n:]
	}
	return events
}
