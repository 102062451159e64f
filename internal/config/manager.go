package config

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangedSubject carries live configuration changes
const ChangedSubject = "config.changed"

// Manager handles configuration management with live updates
type Manager struct {
	client        *Client
	nats          *nats.Conn
	logger        *slog.Logger
	currentConfig *Snapshot
	mu            sync.RWMutex
	subscribers   []func(*Snapshot)
	sub           *nats.Subscription
}

// ChangeMessage represents a configuration change from NATS
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a new configuration manager. An empty configAPIURL
// skips the initial fetch; a nil connection disables live updates.
func NewManager(configAPIURL string, nc *nats.Conn, logger *slog.Logger) *Manager {
	return &Manager{
		client: NewClient(configAPIURL, logger),
		nats:   nc,
		logger: logger,
	}
}

// Initialize loads the initial snapshot and subscribes to config changes
func (m *Manager) Initialize(ctx context.Context, local *Snapshot) error {
	snapshot := local
	if m.client.baseURL != "" {
		m.logger.Info("Loading initial configuration snapshot", "config_api", m.client.baseURL)
		snapshot = m.client.GetSnapshotWithFallback(ctx, local)
	}
	m.updateConfig(snapshot)

	if m.nats == nil {
		m.logger.Info("Live configuration updates disabled")
		return nil
	}

	sub, err := m.nats.Subscribe(ChangedSubject, func(msg *nats.Msg) {
		m.HandleChange(msg.Data)
	})
	if err != nil {
		m.logger.Error("Failed to subscribe to config changes", "error", err)
		return err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("Subscribed to config changes", "subject", ChangedSubject)
	return nil
}

// Close unsubscribes from config changes
func (m *Manager) Close() error {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// GetCurrentConfig returns a copy of the current snapshot
func (m *Manager) GetCurrentConfig() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentConfig == nil {
		return nil
	}
	cfg := *m.currentConfig
	return &cfg
}

// Subscribe adds a callback invoked with every new snapshot
func (m *Manager) Subscribe(callback func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

// HandleChange applies one change message. Keys owned by other services
// are ignored; invalid values leave the snapshot unchanged.
func (m *Manager) HandleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	m.mu.Lock()
	next := Snapshot{}
	if m.currentConfig != nil {
		next = *m.currentConfig
	}
	if err := applyEntry(&next, change.Key, change.Value); err != nil {
		m.mu.Unlock()
		if errors.Is(err, errUnknownKey) {
			m.logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		} else {
			m.logger.Warn("Rejected configuration change", "key", change.Key, "error", err)
		}
		return
	}
	if change.Timestamp > 0 {
		next.LastUpdated = time.Unix(change.Timestamp, 0)
	} else {
		next.LastUpdated = time.Now()
	}
	m.currentConfig = &next
	m.mu.Unlock()

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"retrain_interval", next.RetrainInterval.String(),
		"incident_ttl", next.IncidentTTL.String())

	m.notifySubscribers(&next)
}

func (m *Manager) updateConfig(cfg *Snapshot) {
	m.mu.Lock()
	m.currentConfig = cfg
	m.mu.Unlock()

	m.notifySubscribers(cfg)
}

// notifySubscribers runs callbacks in order on the caller's goroutine so
// consecutive changes are applied in arrival order
func (m *Manager) notifySubscribers(cfg *Snapshot) {
	m.mu.RLock()
	subscribers := make([]func(*Snapshot), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			snapshot := *cfg
			callback(&snapshot)
		}()
	}
}

// Refresh fetches a fresh snapshot from the config-api
func (m *Manager) Refresh(ctx context.Context) error {
	current := m.GetCurrentConfig()
	if current == nil {
		return errors.New("configuration manager not initialized")
	}
	snapshot, err := m.client.GetSnapshot(ctx, current)
	if err != nil {
		return err
	}
	m.updateConfig(snapshot)
	return nil
}
