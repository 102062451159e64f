package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Live-tunable keys published by the config-api
const (
	KeyRetrainIntervalSeconds = "triage.retrain_interval_seconds"
	KeyIncidentTTLSeconds     = "triage.incident_ttl_seconds"
)

// Client handles configuration retrieval from config-api
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Entry represents a configuration entry from the API
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot holds the settings that can change while the service runs
type Snapshot struct {
	RetrainInterval time.Duration `json:"retrain_interval"`
	IncidentTTL     time.Duration `json:"incident_ttl"`
	LastUpdated     time.Time     `json:"last_updated"`
}

// NewClient creates a new configuration client
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetSnapshot fetches the configuration from config-api and applies the
// entries it knows on top of base
func (c *Client) GetSnapshot(ctx context.Context, base *Snapshot) (*Snapshot, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("config-api URL not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build config request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []Entry `json:"configs"`
		Count   int     `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	snapshot := *base
	for _, entry := range response.Configs {
		if err := applyEntry(&snapshot, entry.Key, entry.Value); err != nil && !errors.Is(err, errUnknownKey) {
			c.logger.Warn("Ignoring config entry", "key", entry.Key, "error", err)
		}
	}
	snapshot.LastUpdated = time.Now()

	c.logger.Info("Configuration snapshot loaded",
		"retrain_interval", snapshot.RetrainInterval.String(),
		"incident_ttl", snapshot.IncidentTTL.String(),
		"config_count", response.Count)

	return &snapshot, nil
}

// GetSnapshotWithFallback fetches a snapshot, falling back to local values
func (c *Client) GetSnapshotWithFallback(ctx context.Context, local *Snapshot) *Snapshot {
	snapshot, err := c.GetSnapshot(ctx, local)
	if err != nil {
		c.logger.Warn("Failed to fetch config snapshot, using local configuration",
			"error", err,
			"fallback_retrain_interval", local.RetrainInterval.String(),
			"fallback_incident_ttl", local.IncidentTTL.String())
		return local
	}
	return snapshot
}

// errUnknownKey marks keys this service does not consume
var errUnknownKey = errors.New("unknown key")

// applyEntry sets one live-tunable key. Values may be JSON numbers or
// quoted numeric strings.
func applyEntry(s *Snapshot, key string, value json.RawMessage) error {
	switch key {
	case KeyRetrainIntervalSeconds:
		secs, err := parseSeconds(value)
		if err != nil {
			return err
		}
		if secs <= 0 {
			return fmt.Errorf("retrain interval must be positive, got %d", secs)
		}
		s.RetrainInterval = time.Duration(secs) * time.Second
	case KeyIncidentTTLSeconds:
		secs, err := parseSeconds(value)
		if err != nil {
			return err
		}
		if secs < 0 {
			return fmt.Errorf("incident ttl cannot be negative, got %d", secs)
		}
		s.IncidentTTL = time.Duration(secs) * time.Second
	default:
		return errUnknownKey
	}
	return nil
}

func parseSeconds(value json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(value, &n); err == nil {
		return n, nil
	}
	var str string
	if err := json.Unmarshal(value, &str); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(str)); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("invalid seconds value: %s", string(value))
}
