package anomaly

import (
	"sync"
	"time"
)

// Detection is one recorded scoring outcome
type Detection struct {
	EventID   string
	IsAnomaly bool
	Score     float64
	Timestamp time.Time
}

// detectionHistory is a fixed-capacity ring of detections. Once full, the
// oldest entries are overwritten.
type detectionHistory struct {
	mu      sync.Mutex
	entries []Detection
	next    int
	full    bool
}

func newDetectionHistory(capacity int) *detectionHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &detectionHistory{entries: make([]Detection, capacity)}
}

func (h *detectionHistory) record(d Detection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = d
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// totals returns count, anomaly count and score sum over the retained entries
func (h *detectionHistory) totals() (count, anomalies int, scoreSum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.entries)
	}
	for i := 0; i < n; i++ {
		d := h.entries[i]
		if d.IsAnomaly {
			anomalies++
		}
		scoreSum += d.Score
	}
	return n, anomalies, scoreSum
}

func (h *detectionHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}
