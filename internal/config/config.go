package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/pipeline"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TRIAGE_NATS_URL
const EnvPrefix = "TRIAGE"

// Config represents the service configuration
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Triage    TriageConfig    `mapstructure:"triage"`
	ConfigAPI ConfigAPIConfig `mapstructure:"config_api"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// HTTPConfig contains the operator API settings
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig contains the NATS connection and subjects
type NATSConfig struct {
	URL              string `mapstructure:"url"`
	SubjectIn        string `mapstructure:"subject_in"`
	Queue            string `mapstructure:"queue"`
	SubjectScored    string `mapstructure:"subject_scored"`
	SubjectResponses string `mapstructure:"subject_responses"`
}

// KafkaConfig enables the Kafka response sink when Brokers is set
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// RulesConfig contains the weight table settings
type RulesConfig struct {
	Dir        string `mapstructure:"dir"`
	HotReload  bool   `mapstructure:"hot_reload"`
	DebounceMs int    `mapstructure:"debounce_ms"`
}

// TriageConfig contains the scoring and correlation settings
type TriageConfig struct {
	WindowSize          int           `mapstructure:"window_size"`
	HistorySize         int           `mapstructure:"history_size"`
	MinBaseline         int           `mapstructure:"min_baseline"`
	IncidentThreshold   int           `mapstructure:"incident_threshold"`
	MinIncidentEvents   int           `mapstructure:"min_incident_events"`
	IncidentLogCap      int           `mapstructure:"incident_log_cap"`
	CoveredCap          int           `mapstructure:"covered_cap"`
	RetrainInterval     time.Duration `mapstructure:"retrain_interval"`
	RetrainMinNewEvents int           `mapstructure:"retrain_min_new_events"`
	IncidentTTL         time.Duration `mapstructure:"incident_ttl"`
	DetectionHistoryCap int           `mapstructure:"detection_history_cap"`
	GateSeverity        string        `mapstructure:"gate_severity"`
	MaxEventAge         time.Duration `mapstructure:"max_event_age"`
}

// ConfigAPIConfig points at the central config-api; empty disables it
type ConfigAPIConfig struct {
	URL string `mapstructure:"url"`
}

// NotifyConfig contains the response notification settings
type NotifyConfig struct {
	CompressThreshold int           `mapstructure:"compress_threshold"`
	QueueSize         int           `mapstructure:"queue_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for AutomaticEnv to apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8086")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_in", "events.raw")
	v.SetDefault("nats.queue", "triage")
	v.SetDefault("nats.subject_scored", "triage.events.scored")
	v.SetDefault("nats.subject_responses", "triage.responses")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "triage.responses")

	v.SetDefault("rules.dir", "rules.d")
	v.SetDefault("rules.hot_reload", false)
	v.SetDefault("rules.debounce_ms", 1000)

	v.SetDefault("triage.window_size", 50)
	v.SetDefault("triage.history_size", 100)
	v.SetDefault("triage.min_baseline", 10)
	v.SetDefault("triage.incident_threshold", 60)
	v.SetDefault("triage.min_incident_events", 2)
	v.SetDefault("triage.incident_log_cap", 50)
	v.SetDefault("triage.covered_cap", 10000)
	v.SetDefault("triage.retrain_interval", "30s")
	v.SetDefault("triage.retrain_min_new_events", 5)
	v.SetDefault("triage.incident_ttl", "1h")
	v.SetDefault("triage.detection_history_cap", 1000)
	v.SetDefault("triage.gate_severity", string(model.SeverityHigh))
	v.SetDefault("triage.max_event_age", "24h")

	v.SetDefault("config_api.url", "")

	v.SetDefault("notify.compress_threshold", 4096)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.timeout", "5s")
}

// NewViper returns a viper instance with defaults and TRIAGE_ env binding
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError lists every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Validate checks the configuration and reports all problems at once
func (c *Config) Validate() error {
	var problems []string
	positive := func(name string, value int) {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %d", name, value))
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.LogLevel) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		problems = append(problems, fmt.Sprintf("log_level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.NATS.URL == "" {
		problems = append(problems, "nats.url is required")
	}
	if c.NATS.SubjectIn == "" {
		problems = append(problems, "nats.subject_in is required")
	}
	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		problems = append(problems, "kafka.topic is required when kafka.brokers is set")
	}

	positive("triage.window_size", c.Triage.WindowSize)
	positive("triage.history_size", c.Triage.HistorySize)
	positive("triage.min_baseline", c.Triage.MinBaseline)
	positive("triage.min_incident_events", c.Triage.MinIncidentEvents)
	positive("triage.incident_log_cap", c.Triage.IncidentLogCap)
	positive("triage.covered_cap", c.Triage.CoveredCap)
	positive("triage.retrain_min_new_events", c.Triage.RetrainMinNewEvents)
	positive("triage.detection_history_cap", c.Triage.DetectionHistoryCap)

	if c.Triage.IncidentThreshold < 0 || c.Triage.IncidentThreshold > 100 {
		problems = append(problems, fmt.Sprintf("triage.incident_threshold must be within 0-100, got %d", c.Triage.IncidentThreshold))
	}
	if c.Triage.MinBaseline > c.Triage.HistorySize {
		problems = append(problems, "triage.min_baseline cannot exceed triage.history_size")
	}
	if c.Triage.RetrainInterval <= 0 {
		problems = append(problems, "triage.retrain_interval must be positive")
	}
	if c.Triage.IncidentTTL < 0 {
		problems = append(problems, "triage.incident_ttl cannot be negative")
	}
	if c.Triage.MaxEventAge < 0 {
		problems = append(problems, "triage.max_event_age cannot be negative")
	}
	if _, ok := model.ParseSeverity(c.Triage.GateSeverity); !ok {
		problems = append(problems, fmt.Sprintf("triage.gate_severity %q is not a known severity", c.Triage.GateSeverity))
	}
	if c.Notify.CompressThreshold < 0 {
		problems = append(problems, "notify.compress_threshold cannot be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// GetLogLevel returns the slog.Level for the configured log level
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Pipeline converts the triage section into pipeline settings
func (c *Config) Pipeline() pipeline.Config {
	pc := pipeline.DefaultConfig()

	pc.Correlate.WindowSize = c.Triage.WindowSize
	pc.Correlate.HistorySize = c.Triage.HistorySize
	pc.Correlate.IncidentThreshold = c.Triage.IncidentThreshold
	pc.Correlate.MinIncidentEvents = c.Triage.MinIncidentEvents
	pc.Correlate.MaxEventAge = c.Triage.MaxEventAge

	pc.Anomaly.MinBaseline = c.Triage.MinBaseline
	pc.Anomaly.MaxHistory = c.Triage.HistorySize
	pc.Anomaly.DetectionHistoryCap = c.Triage.DetectionHistoryCap

	pc.IncidentLogCap = c.Triage.IncidentLogCap
	pc.CoveredCap = c.Triage.CoveredCap
	pc.RetrainInterval = c.Triage.RetrainInterval
	pc.RetrainMinNewEvents = c.Triage.RetrainMinNewEvents
	pc.IncidentTTL = c.Triage.IncidentTTL

	if sev, ok := model.ParseSeverity(c.Triage.GateSeverity); ok {
		pc.GateSeverity = sev
	}
	return pc
}

// Snapshot returns the live-tunable values
func (c *Config) Snapshot() *Snapshot {
	return &Snapshot{
		RetrainInterval: c.Triage.RetrainInterval,
		IncidentTTL:     c.Triage.IncidentTTL,
		LastUpdated:     time.Now(),
	}
}
