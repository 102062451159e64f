package response

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// Notification carries the signals of one incident to external responders
type Notification struct {
	ID        string                 `json:"notification_id"`
	Incident  *model.Incident        `json:"incident"`
	Signals   []model.ResponseSignal `json:"signals"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewNotification builds a notification with a fresh id
func NewNotification(inc *model.Incident, signals []model.ResponseSignal) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Incident:  inc,
		Signals:   signals,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink delivers notifications somewhere
type Sink interface {
	Name() string
	Publish(ctx context.Context, n *Notification) error
	Close() error
}

// MetricsRecorder receives delivery counters
type MetricsRecorder interface {
	IncNotificationPublished(sink string, ok bool)
	IncNotificationDropped()
}

// Notifier hands notifications to sinks from a bounded queue. Notify never
// blocks; when the queue is full the notification is dropped.
type Notifier struct {
	sinks   []Sink
	queue   chan *Notification
	timeout time.Duration
	metrics MetricsRecorder
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier with the given queue size
func NewNotifier(queueSize int, timeout time.Duration, metrics MetricsRecorder, logger *slog.Logger, sinks ...Sink) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		sinks:   sinks,
		queue:   make(chan *Notification, queueSize),
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Notify queues a notification and reports whether it was accepted
func (n *Notifier) Notify(note *Notification) bool {
	if note == nil || len(n.sinks) == 0 {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return false
	}
	select {
	case n.queue <- note:
		return true
	default:
		if n.metrics != nil {
			n.metrics.IncNotificationDropped()
		}
		n.logger.Warn("Notification queue full, dropping",
			"notification_id", note.ID,
			"incident_id", incidentID(note))
		return false
	}
}

// Start launches the delivery worker
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.stopped {
		return
	}
	n.running = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for note := range n.queue {
			n.deliver(note)
		}
	}()
}

// Stop drains the queue, closes the sinks and waits for the worker
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.stopped = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	for _, s := range n.sinks {
		if err := s.Close(); err != nil {
			n.logger.Warn("Failed to close sink", "sink", s.Name(), "error", err)
		}
	}
}

func (n *Notifier) deliver(note *Notification) {
	for _, s := range n.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := s.Publish(ctx, note)
		cancel()

		if n.metrics != nil {
			n.metrics.IncNotificationPublished(s.Name(), err == nil)
		}
		if err != nil {
			n.logger.Error("Failed to deliver notification",
				"sink", s.Name(),
				"notification_id", note.ID,
				"incident_id", incidentID(note),
				"error", err)
			continue
		}
		n.logger.Debug("Delivered notification",
			"sink", s.Name(),
			"notification_id", note.ID,
			"incident_id", incidentID(note))
	}
}

func incidentID(note *Notification) uint64 {
	if note.Incident == nil {
		return 0
	}
	return note.Incident.ID
}
