// Package config loads and validates the courier's YAML configuration
// and hot-reloads it on file changes. Component packages keep their
// own Config structs; this package maps the file surface onto them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/courierlabs/otlp-courier/internal/breaker"
	"github.com/courierlabs/otlp-courier/internal/compression"
	"github.com/courierlabs/otlp-courier/internal/failover"
	"github.com/courierlabs/otlp-courier/internal/pulse"
	"github.com/courierlabs/otlp-courier/internal/queue"
	"github.com/courierlabs/otlp-courier/internal/ratelimit"
	couriertls "github.com/courierlabs/otlp-courier/internal/tls"
)

// Duration wraps time.Duration for YAML "5m"/"30s" syntax.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ServiceConfig identifies the instrumented service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// TenantConfig carries optional tenant context for resource and
// metric attributes.
type TenantConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// CollectorConfig points at the OTLP collector.
type CollectorConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Timeout     Duration `yaml:"timeout"`
	Compression string   `yaml:"compression"`
	// SyncSend attempts inline delivery before queuing.
	SyncSend bool      `yaml:"sync_send"`
	TLS      TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS for the collector connection.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// QueueConfig configures the durable queue store.
type QueueConfig struct {
	Path        string `yaml:"path"`
	MaxAttempts int    `yaml:"max_attempts"`
	Ordering    string `yaml:"ordering"`
}

// BreakerConfig configures the delivery circuit breaker.
type BreakerConfig struct {
	Window          Duration `yaml:"window"`
	MinSamples      int      `yaml:"min_samples"`
	ErrorThreshold  float64  `yaml:"error_threshold"`
	RecoveryTimeout Duration `yaml:"recovery_timeout"`
	HalfOpenSamples int      `yaml:"half_open_samples"`
}

// RateLimitConfig configures adaptive batch sizing.
type RateLimitConfig struct {
	Tiers        []RateLimitTier `yaml:"tiers"`
	Window       Duration        `yaml:"window"`
	DefaultBatch int             `yaml:"default_batch"`
	MinBatch     int             `yaml:"min_batch"`
	MaxBatch     int             `yaml:"max_batch"`
}

// RateLimitTier is one row of the latency/batch table.
type RateLimitTier struct {
	Priority         int      `yaml:"priority"`
	LatencyThreshold Duration `yaml:"latency_threshold"`
	BatchSize        int      `yaml:"batch_size"`
}

// PulseModeConfig overrides one throttle level.
type PulseModeConfig struct {
	CapacityMultiplier float64 `yaml:"capacity_multiplier"`
	BatchMultiplier    float64 `yaml:"batch_multiplier"`
	IntervalMultiplier float64 `yaml:"interval_multiplier"`
	SamplingRate       float64 `yaml:"sampling_rate"`
	MetricsEnabled     bool    `yaml:"metrics_enabled"`
	LogsEnabled        bool    `yaml:"logs_enabled"`
	QueueEnabled       bool    `yaml:"queue_enabled"`
}

// FailoverConfig configures the orchestrator.
type FailoverConfig struct {
	Enabled               bool     `yaml:"enabled"`
	CheckInterval         Duration `yaml:"check_interval"`
	MaxMissedHeartbeats   int      `yaml:"max_missed_heartbeats"`
	DegradedRatio         float64  `yaml:"degraded_ratio"`
	QueueDepthThreshold   int      `yaml:"queue_depth_threshold"`
	HealthMonitorSchedule string   `yaml:"health_monitor_schedule"`
	LocalDeliverySchedule string   `yaml:"local_delivery_schedule"`
	HeartbeatLogInterval  Duration `yaml:"heartbeat_log_interval"`
	// FallbackBackend selects the local delivery adapter. Only the
	// OTLP HTTP backend ships today.
	FallbackBackend string `yaml:"fallback_backend"`
}

// EncoderConfig configures metric classification.
type EncoderConfig struct {
	// MetricTypeOverrides maps metric-name patterns to an explicit
	// type: counter, histogram, or gauge. Patterns win over the
	// built-in heuristics.
	MetricTypeOverrides map[string]string `yaml:"metric_type_overrides"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root of the YAML file.
type Config struct {
	Service   ServiceConfig           `yaml:"service"`
	Tenant    TenantConfig            `yaml:"tenant"`
	Collector CollectorConfig         `yaml:"collector"`
	Queue     QueueConfig             `yaml:"queue"`
	Breaker   BreakerConfig           `yaml:"breaker"`
	RateLimit RateLimitConfig         `yaml:"rate_limit"`
	Pulse     map[int]PulseModeConfig `yaml:"pulse"`
	Failover  FailoverConfig          `yaml:"failover"`
	Encoder   EncoderConfig           `yaml:"encoder"`
	Server    ServerConfig            `yaml:"server"`
	Logging   LoggingConfig           `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "otlp-courier",
			Version:     "dev",
			Environment: "production",
		},
		Collector: CollectorConfig{
			Timeout:     Duration(30 * time.Second),
			Compression: "gzip",
		},
		Queue: QueueConfig{
			Path:        "./courier.db",
			MaxAttempts: 5,
			Ordering:    "priority_fifo",
		},
		Breaker: BreakerConfig{
			Window:          Duration(2 * time.Minute),
			MinSamples:      50,
			ErrorThreshold:  0.5,
			RecoveryTimeout: Duration(5 * time.Minute),
			HalfOpenSamples: 10,
		},
		RateLimit: RateLimitConfig{
			Window:       Duration(5 * time.Minute),
			DefaultBatch: 50,
			MinBatch:     1,
			MaxBatch:     500,
		},
		Failover: FailoverConfig{
			Enabled:               true,
			CheckInterval:         Duration(time.Minute),
			MaxMissedHeartbeats:   3,
			DegradedRatio:         0.7,
			QueueDepthThreshold:   1000,
			HealthMonitorSchedule: "@every 1m",
			LocalDeliverySchedule: "@every 30s",
			HeartbeatLogInterval:  Duration(10 * time.Minute),
			FallbackBackend:       "otlp",
		},
		Server: ServerConfig{
			ListenAddr: ":9464",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads, parses, and validates a config file, layering it over
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML schema can't.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Collector.BaseURL == "" {
		return fmt.Errorf("collector.base_url is required")
	}
	if _, err := compression.ParseType(c.Collector.Compression); err != nil {
		return fmt.Errorf("collector.compression: %w", err)
	}
	if c.Collector.TLS.Enabled && (c.Collector.TLS.CertFile == "") != (c.Collector.TLS.KeyFile == "") {
		return fmt.Errorf("collector.tls requires cert_file and key_file together")
	}
	switch c.Queue.Ordering {
	case "", "priority_fifo", "fifo":
	default:
		return fmt.Errorf("queue.ordering must be priority_fifo or fifo, got %q", c.Queue.Ordering)
	}
	if c.Breaker.ErrorThreshold < 0 || c.Breaker.ErrorThreshold > 1 {
		return fmt.Errorf("breaker.error_threshold must be within [0,1], got %v", c.Breaker.ErrorThreshold)
	}
	if c.RateLimit.MinBatch > c.RateLimit.MaxBatch && c.RateLimit.MaxBatch > 0 {
		return fmt.Errorf("rate_limit.min_batch %d exceeds max_batch %d", c.RateLimit.MinBatch, c.RateLimit.MaxBatch)
	}
	for _, t := range c.RateLimit.Tiers {
		if t.BatchSize < 0 {
			return fmt.Errorf("rate_limit tier %d has negative batch_size", t.Priority)
		}
	}
	for level := range c.Pulse {
		if level < 1 || level > 5 {
			return fmt.Errorf("pulse level %d out of range [1,5]", level)
		}
	}
	if c.Failover.DegradedRatio < 0 || c.Failover.DegradedRatio > 1 {
		return fmt.Errorf("failover.degraded_ratio must be within [0,1], got %v", c.Failover.DegradedRatio)
	}
	switch c.Failover.FallbackBackend {
	case "", "otlp":
	default:
		return fmt.Errorf("failover.fallback_backend %q is not supported", c.Failover.FallbackBackend)
	}
	for name, typ := range c.Encoder.MetricTypeOverrides {
		switch typ {
		case "counter", "histogram", "gauge":
		default:
			return fmt.Errorf("encoder.metric_type_overrides[%q]: unknown type %q", name, typ)
		}
	}
	return nil
}

// QueueStoreConfig maps onto the queue package.
func (c *Config) QueueStoreConfig() queue.Config {
	qc := queue.DefaultConfig()
	qc.Path = c.Queue.Path
	qc.MaxAttempts = c.Queue.MaxAttempts
	if c.Queue.Ordering == "fifo" {
		qc.Ordering = queue.OrderFIFO
	}
	return qc
}

// BreakerConfig maps onto the breaker package.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		Window:          time.Duration(c.Breaker.Window),
		MinSamples:      c.Breaker.MinSamples,
		ErrorThreshold:  c.Breaker.ErrorThreshold,
		RecoveryTimeout: time.Duration(c.Breaker.RecoveryTimeout),
		HalfOpenSamples: c.Breaker.HalfOpenSamples,
	}
}

// RateLimitConfig maps onto the ratelimit package.
func (c *Config) RateLimitConfig() ratelimit.Config {
	rc := ratelimit.Config{
		Window:       time.Duration(c.RateLimit.Window),
		DefaultBatch: c.RateLimit.DefaultBatch,
		MinBatch:     c.RateLimit.MinBatch,
		MaxBatch:     c.RateLimit.MaxBatch,
	}
	for _, t := range c.RateLimit.Tiers {
		rc.Tiers = append(rc.Tiers, ratelimit.Tier{
			Priority:         t.Priority,
			LatencyThreshold: time.Duration(t.LatencyThreshold),
			BatchSize:        t.BatchSize,
		})
	}
	return rc
}

// PulseTable maps onto the pulse package's mode table.
func (c *Config) PulseTable() map[pulse.Mode]pulse.ModeConfig {
	if len(c.Pulse) == 0 {
		return nil
	}
	table := map[pulse.Mode]pulse.ModeConfig{}
	for level, mc := range c.Pulse {
		table[pulse.Mode(level)] = pulse.ModeConfig{
			CapacityMultiplier: mc.CapacityMultiplier,
			BatchMultiplier:    mc.BatchMultiplier,
			IntervalMultiplier: mc.IntervalMultiplier,
			SamplingRate:       mc.SamplingRate,
			MetricsEnabled:     mc.MetricsEnabled,
			LogsEnabled:        mc.LogsEnabled,
			QueueEnabled:       mc.QueueEnabled,
		}
	}
	return table
}

// CollectorTLSConfig maps onto the tls package.
func (c *Config) CollectorTLSConfig() couriertls.ClientConfig {
	return couriertls.ClientConfig{
		Enabled:            c.Collector.TLS.Enabled,
		CertFile:           c.Collector.TLS.CertFile,
		KeyFile:            c.Collector.TLS.KeyFile,
		CAFile:             c.Collector.TLS.CAFile,
		InsecureSkipVerify: c.Collector.TLS.InsecureSkipVerify,
		ServerName:         c.Collector.TLS.ServerName,
	}
}

// FailoverConfig maps onto the failover package.
func (c *Config) FailoverConfig() failover.Config {
	return failover.Config{
		Enabled:               c.Failover.Enabled,
		CheckInterval:         time.Duration(c.Failover.CheckInterval),
		MaxMissedHeartbeats:   c.Failover.MaxMissedHeartbeats,
		DegradedRatio:         c.Failover.DegradedRatio,
		QueueDepthThreshold:   c.Failover.QueueDepthThreshold,
		HealthMonitorSchedule: c.Failover.HealthMonitorSchedule,
		LocalDeliverySchedule: c.Failover.LocalDeliverySchedule,
		HeartbeatLogInterval:  time.Duration(c.Failover.HeartbeatLogInterval),
	}
}
