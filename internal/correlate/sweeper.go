package correlate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/store"
)

// ResolvedByTTL marks incidents closed by the sweeper
const ResolvedByTTL = "ttl"

// Sweeper resolves active incidents once they are older than a TTL
type Sweeper struct {
	store     *store.IncidentStore
	logger    *slog.Logger
	interval  time.Duration
	onResolve func([]*model.Incident)

	mu   sync.Mutex
	ttl  time.Duration
	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper checking every interval. A zero ttl disables
// resolution until one is set.
func NewSweeper(incidents *store.IncidentStore, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    incidents,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
	}
}

// OnResolve registers a callback for incidents resolved by a sweep
func (s *Sweeper) OnResolve(fn func([]*model.Incident)) {
	s.onResolve = fn
}

// SetTTL changes the incident TTL
func (s *Sweeper) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
	s.logger.Info("Incident TTL updated", "ttl", ttl.String())
}

// TTL returns the current incident TTL
func (s *Sweeper) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// Sweep resolves expired incidents and returns them
func (s *Sweeper) Sweep(now time.Time) []*model.Incident {
	ttl := s.TTL()
	if ttl <= 0 {
		return nil
	}

	resolved := s.store.ResolveOlderThan(ttl, ResolvedByTTL, now)
	if len(resolved) > 0 {
		s.logger.Info("Expired incidents resolved", "count", len(resolved), "ttl", ttl.String())
		if s.onResolve != nil {
			s.onResolve(resolved)
		}
	}
	return resolved
}

// Start runs the sweep loop until ctx is done or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				s.Sweep(now)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop and waits for it to exit
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
