package store

import (
	"container/ring"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

var (
	// ErrIncidentNotFound is returned for ids that were never allocated or
	// have been evicted from the log
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrAlreadyResolved is returned when resolving a resolved incident
	ErrAlreadyResolved = errors.New("incident already resolved")
)

// AllocateRequest describes a candidate incident
type AllocateRequest struct {
	SourceID  string
	Severity  model.Severity
	Events    []model.Event // qualifying events in chronological order
	Keys      []string      // dedupe key per event, same length as Events
	MinEvents int
	Now       time.Time
}

// IncidentStore is the process-wide incident log. Id allocation, the log and
// the claimed-event cache share one mutex.
type IncidentStore struct {
	mu         sync.RWMutex
	incidents  *ring.Ring
	claimed    *lru.Cache[string, uint64]
	nextID     uint64
	maxEntries int
	claimedCap int
	evicted    uint64
}

// NewIncidentStore creates a store keeping the most recent maxEntries
// incidents and remembering up to claimedCap claimed events
func NewIncidentStore(maxEntries, claimedCap int) *IncidentStore {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if claimedCap <= 0 {
		claimedCap = 10000
	}
	claimed, _ := lru.New[string, uint64](claimedCap)

	return &IncidentStore{
		incidents:  ring.New(maxEntries),
		claimed:    claimed,
		maxEntries: maxEntries,
		claimedCap: claimedCap,
	}
}

// Allocate creates an incident from the events not yet claimed by an earlier
// incident. It returns false when fewer than MinEvents remain.
func (s *IncidentStore) Allocate(req AllocateRequest) (*model.Incident, bool) {
	if len(req.Keys) != len(req.Events) {
		return nil, false
	}
	minEvents := req.MinEvents
	if minEvents < 1 {
		minEvents = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var members []model.Event
	var keys []string
	for i, ev := range req.Events {
		if s.claimed.Contains(req.Keys[i]) {
			continue
		}
		members = append(members, ev)
		keys = append(keys, req.Keys[i])
	}
	if len(members) < minEvents {
		return nil, false
	}

	s.nextID++
	incident := &model.Incident{
		ID:         s.nextID,
		SourceID:   req.SourceID,
		Severity:   req.Severity,
		EventCount: len(members),
		CreatedAt:  req.Now.Unix(),
		Events:     members,
		Status:     model.IncidentActive,
	}
	for _, ev := range members {
		if ev.AnomalyFlag {
			incident.MLDetectedCount++
		}
	}
	for _, k := range keys {
		s.claimed.Add(k, incident.ID)
	}

	if s.incidents.Value != nil {
		s.evicted++
	}
	s.incidents.Value = incident
	s.incidents = s.incidents.Next()

	return copyIncident(incident), true
}

// IsClaimed reports whether an event key belongs to an incident
func (s *IncidentStore) IsClaimed(key string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimed.Peek(key)
}

// Incidents returns all retained incidents, oldest first
func (s *IncidentStore) Incidents() []*model.Incident {
	return s.filter(func(*model.Incident) bool { return true })
}

// BySource returns the retained incidents of one source
func (s *IncidentStore) BySource(sourceID string) []*model.Incident {
	return s.filter(func(i *model.Incident) bool { return i.SourceID == sourceID })
}

// BySeverity returns incidents with the given severity or higher
func (s *IncidentStore) BySeverity(minSeverity model.Severity) []*model.Incident {
	return s.filter(func(i *model.Incident) bool { return i.Severity.AtLeast(minSeverity) })
}

// ByStatus returns incidents in the given lifecycle state
func (s *IncidentStore) ByStatus(status model.IncidentStatus) []*model.Incident {
	return s.filter(func(i *model.Incident) bool { return i.Status == status })
}

// Get returns one retained incident
func (s *IncidentStore) Get(id uint64) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inc := s.find(id); inc != nil {
		return copyIncident(inc), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrIncidentNotFound, id)
}

// Resolve marks an active incident resolved
func (s *IncidentStore) Resolve(id uint64, by string, now time.Time) (*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc := s.find(id)
	if inc == nil {
		return nil, fmt.Errorf("%w: %d", ErrIncidentNotFound, id)
	}
	if !inc.IsActive() {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyResolved, id)
	}

	inc.Status = model.IncidentResolved
	inc.ResolvedAt = now.Unix()
	inc.ResolvedBy = by
	return copyIncident(inc), nil
}

// ResolveOlderThan resolves every active incident older than ttl and returns
// the resolved incidents
func (s *IncidentStore) ResolveOlderThan(ttl time.Duration, by string, now time.Time) []*model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved []*model.Incident
	s.incidents.Do(func(value interface{}) {
		inc, ok := value.(*model.Incident)
		if !ok || !inc.IsActive() || inc.Age(now) <= ttl {
			return
		}
		inc.Status = model.IncidentResolved
		inc.ResolvedAt = now.Unix()
		inc.ResolvedBy = by
		resolved = append(resolved, copyIncident(inc))
	})
	return resolved
}

// Clear removes all incidents and forgets claimed events. The id counter
// keeps counting.
func (s *IncidentStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.incidents.Len(); i++ {
		s.incidents.Value = nil
		s.incidents = s.incidents.Next()
	}
	s.claimed.Purge()
}

// Stats describes the store contents
type Stats struct {
	Incidents     int    `json:"incidents"`
	Active        int    `json:"active"`
	Resolved      int    `json:"resolved"`
	MaxIncidents  int    `json:"max_incidents"`
	Evicted       uint64 `json:"evicted"`
	LastID        uint64 `json:"last_incident_id"`
	ClaimedEvents int    `json:"claimed_events"`
	ClaimedCap    int    `json:"claimed_cap"`
}

// GetStats returns store statistics
func (s *IncidentStore) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		MaxIncidents:  s.maxEntries,
		Evicted:       s.evicted,
		LastID:        s.nextID,
		ClaimedEvents: s.claimed.Len(),
		ClaimedCap:    s.claimedCap,
	}
	s.incidents.Do(func(value interface{}) {
		inc, ok := value.(*model.Incident)
		if !ok {
			return
		}
		stats.Incidents++
		if inc.IsActive() {
			stats.Active++
		} else {
			stats.Resolved++
		}
	})
	return stats
}

func (s *IncidentStore) filter(keep func(*model.Incident) bool) []*model.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Incident
	s.incidents.Do(func(value interface{}) {
		if inc, ok := value.(*model.Incident); ok && keep(inc) {
			out = append(out, copyIncident(inc))
		}
	})
	return out
}

// find must be called with the lock held
func (s *IncidentStore) find(id uint64) *model.Incident {
	var found *model.Incident
	s.incidents.Do(func(value interface{}) {
		if inc, ok := value.(*model.Incident); ok && inc.ID == id {
			found = inc
		}
	})
	return found
}

func copyIncident(inc *model.Incident) *model.Incident {
	c := *inc
	c.Events = append([]model.Event(nil), inc.Events...)
	return &c
}
