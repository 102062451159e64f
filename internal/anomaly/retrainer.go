package anomaly

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// HistorySource supplies the recent events of a source for refits
type HistorySource interface {
	History(sourceID string) []model.Event
}

// Retrainer refits source baselines in the background once enough new
// events have arrived. Scoring keeps using the committed baseline while a
// refit runs, so a baseline may lag by up to one interval.
type Retrainer struct {
	model   *Model
	history HistorySource
	logger  *slog.Logger
	minNew  int

	mu       sync.Mutex
	pending  map[string]int
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewRetrainer creates a retrainer. minNew is the number of new events a
// source needs before it is refit.
func NewRetrainer(m *Model, history HistorySource, interval time.Duration, minNew int, logger *slog.Logger) *Retrainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if minNew <= 0 {
		minNew = 1
	}
	return &Retrainer{
		model:    m,
		history:  history,
		logger:   logger,
		minNew:   minNew,
		pending:  make(map[string]int),
		interval: interval,
	}
}

// MarkDirty records n new events for a source
func (r *Retrainer) MarkDirty(sourceID string, n int) {
	if sourceID == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.pending[sourceID] += n
	r.mu.Unlock()
}

// Pending returns the new-event count recorded for a source
func (r *Retrainer) Pending(sourceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[sourceID]
}

// SetInterval changes the retrain interval; it applies from the next cycle
func (r *Retrainer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
	r.logger.Info("Retrain interval updated", "interval", d.String())
}

// Interval returns the current retrain interval
func (r *Retrainer) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// RunOnce refits every source with enough pending events and returns the
// number of baselines committed. Sources that still lack a baseline stay
// pending until they do.
func (r *Retrainer) RunOnce() int {
	r.mu.Lock()
	counts := make(map[string]int)
	var due []string
	for id, n := range r.pending {
		if n >= r.minNew {
			due = append(due, id)
			counts[id] = n
		}
	}
	r.mu.Unlock()
	sort.Strings(due)

	refit := 0
	for _, id := range due {
		history := r.history.History(id)
		err := r.model.LearnBaseline(id, history)
		if errors.Is(err, ErrInsufficientBaseline) {
			continue
		}

		// Events marked while the fit ran stay pending
		r.mu.Lock()
		if left := r.pending[id] - counts[id]; left > 0 {
			r.pending[id] = left
		} else {
			delete(r.pending, id)
		}
		r.mu.Unlock()

		if err != nil {
			continue
		}
		refit++
	}

	if refit > 0 {
		r.logger.Debug("Retrain cycle complete", "refit", refit, "due", len(due))
	}
	return refit
}

// Start runs the retrain loop until ctx is done or Stop is called
func (r *Retrainer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go r.loop(ctx, stop, done)
}

// Stop stops the retrain loop and waits for it to exit
func (r *Retrainer) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Retrainer) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		timer := time.NewTimer(r.Interval())
		select {
		case <-timer.C:
			r.RunOnce()
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
