package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Mode      string              `yaml:"mode"`
	Queue     QueueYAMLConfig     `yaml:"queue"`
	Workers   WorkersYAMLConfig   `yaml:"workers"`
	Bench     BenchYAMLConfig     `yaml:"bench"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Health    HealthYAMLConfig    `yaml:"health"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
	Logging   LoggingYAMLConfig   `yaml:"logging"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// QueueYAMLConfig holds the queue and segment settings.
type QueueYAMLConfig struct {
	Dir                 string               `yaml:"dir"`
	Name                string               `yaml:"name"`
	SegmentSize         ByteSize             `yaml:"segment_size"`
	MaxBytes            ByteSize             `yaml:"max_bytes"`
	MaxInactiveSegments int                  `yaml:"max_inactive_segments"`
	MetaSyncInterval    Duration             `yaml:"meta_sync_interval"`
	Compression         string               `yaml:"compression"`
	Membership          MembershipYAMLConfig `yaml:"membership"`
}

// MembershipYAMLConfig sizes the membership Bloom filter.
type MembershipYAMLConfig struct {
	ExpectedItems     uint    `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// WorkersYAMLConfig holds the worker pool settings.
type WorkersYAMLConfig struct {
	Count          int               `yaml:"count"`
	HandlerTimeout Duration          `yaml:"handler_timeout"`
	FailureRate    float64           `yaml:"failure_rate"`
	Backoff        BackoffYAMLConfig `yaml:"backoff"`
}

// BackoffYAMLConfig holds the retry backoff settings.
type BackoffYAMLConfig struct {
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	Multiplier float64  `yaml:"multiplier"`
}

// BenchYAMLConfig holds the bench mode settings.
type BenchYAMLConfig struct {
	Requests   int      `yaml:"requests"`
	Datapoints int      `yaml:"datapoints"`
	Duration   Duration `yaml:"duration"`
}

// StatsYAMLConfig holds the stats endpoint settings.
type StatsYAMLConfig struct {
	Address *string             `yaml:"address"` // nil = default, "" = disabled
	TLS     ServerTLSYAMLConfig `yaml:"tls"`
	Auth    AuthYAMLConfig      `yaml:"auth"`
}

// ServerTLSYAMLConfig holds server TLS settings.
type ServerTLSYAMLConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth"`
}

// AuthYAMLConfig holds the credentials required by the queue endpoints.
type AuthYAMLConfig struct {
	BearerToken   string `yaml:"bearer_token"`
	BasicUsername string `yaml:"basic_username"`
	BasicPassword string `yaml:"basic_password"`
}

// HealthYAMLConfig holds the readiness thresholds.
type HealthYAMLConfig struct {
	MaxFill     *float64 `yaml:"max_fill"`      // nil = default, 0 = disabled
	MinFreeDisk ByteSize `yaml:"min_free_disk"` // 0 = disabled
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio *float64 `yaml:"limit_ratio"`
}

// LoggingYAMLConfig holds the logging settings.
type LoggingYAMLConfig struct {
	Level string `yaml:"level"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint        string                   `yaml:"endpoint"`         // OTLP endpoint (empty = disabled)
	Protocol        string                   `yaml:"protocol"`         // "grpc" or "http" (default: "grpc")
	Insecure        *bool                    `yaml:"insecure"`         // Use insecure connection (default: true)
	Timeout         Duration                 `yaml:"timeout"`          // Per-export timeout (0 = SDK default 10s)
	PushInterval    Duration                 `yaml:"push_interval"`    // Metric push interval (default: 30s)
	Compression     string                   `yaml:"compression"`      // "gzip" or "" (default: "")
	ShutdownTimeout Duration                 `yaml:"shutdown_timeout"` // Shutdown grace period (default: 5s)
	Headers         map[string]string        `yaml:"headers"`          // Custom headers (auth, etc.)
	Retry           TelemetryRetryYAMLConfig `yaml:"retry"`            // Retry configuration
	TLS             ClientTLSYAMLConfig      `yaml:"tls"`              // Used when insecure is false
}

// ClientTLSYAMLConfig holds client TLS settings.
type ClientTLSYAMLConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// TelemetryRetryYAMLConfig holds telemetry retry configuration.
type TelemetryRetryYAMLConfig struct {
	Enabled     *bool    `yaml:"enabled"`      // Enable retry (default: true)
	Initial     Duration `yaml:"initial"`      // Initial retry interval (default: 5s)
	MaxInterval Duration `yaml:"max_interval"` // Max retry interval (default: 30s)
	MaxElapsed  Duration `yaml:"max_elapsed"`  // Max total retry time (default: 1m)
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
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
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

const (
	kib int64 = 1 << 10
	mib int64 = 1 << 20
	gib int64 = 1 << 30
	tib int64 = 1 << 40
)

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki, Mi, Gi, Ti. Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Ti", tib},
		{"Gi", gib},
		{"Mi", mib},
		{"Ki", kib},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			// Support float values like "1.5Gi"
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	// Plain integer: reject trailing units such as "256MB".
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	switch {
	case b >= tib && b%tib == 0:
		return fmt.Sprintf("%dTi", b/tib)
	case b >= gib && b%gib == 0:
		return fmt.Sprintf("%dGi", b/gib)
	case b >= mib && b%mib == 0:
		return fmt.Sprintf("%dMi", b/mib)
	case b >= kib && b%kib == 0:
		return fmt.Sprintf("%dKi", b/kib)
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are
// rejected.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	def := DefaultConfig()

	if y.Mode == "" {
		y.Mode = def.Mode
	}

	// Queue defaults
	if y.Queue.Dir == "" {
		y.Queue.Dir = def.QueueDir
	}
	if y.Queue.Name == "" {
		y.Queue.Name = def.QueueName
	}
	if y.Queue.SegmentSize == 0 {
		y.Queue.SegmentSize = ByteSize(def.QueueSegmentSize)
	}
	if y.Queue.MaxBytes == 0 {
		y.Queue.MaxBytes = ByteSize(def.QueueMaxBytes)
	}
	if y.Queue.MetaSyncInterval == 0 {
		y.Queue.MetaSyncInterval = Duration(def.QueueMetaSyncInterval)
	}
	if y.Queue.Compression == "" {
		y.Queue.Compression = def.QueueCompression
	}
	if y.Queue.Membership.ExpectedItems == 0 {
		y.Queue.Membership.ExpectedItems = def.MembershipExpectedItems
	}
	if y.Queue.Membership.FalsePositiveRate == 0 {
		y.Queue.Membership.FalsePositiveRate = def.MembershipFPRate
	}

	// Worker defaults
	if y.Workers.Count == 0 {
		y.Workers.Count = def.Workers
	}
	if y.Workers.HandlerTimeout == 0 {
		y.Workers.HandlerTimeout = Duration(def.WorkerHandlerTimeout)
	}
	if y.Workers.Backoff.BaseDelay == 0 {
		y.Workers.Backoff.BaseDelay = Duration(def.WorkerBackoffBase)
	}
	if y.Workers.Backoff.MaxDelay == 0 {
		y.Workers.Backoff.MaxDelay = Duration(def.WorkerBackoffMax)
	}
	if y.Workers.Backoff.Multiplier == 0 {
		y.Workers.Backoff.Multiplier = def.WorkerBackoffMultiplier
	}

	// Bench defaults
	if y.Bench.Requests == 0 {
		y.Bench.Requests = def.BenchRequests
	}
	if y.Bench.Datapoints == 0 {
		y.Bench.Datapoints = def.BenchDatapoints
	}

	// Stats, memory and logging defaults
	if y.Stats.Address == nil {
		addr := def.StatsAddr
		y.Stats.Address = &addr
	}
	if y.Health.MaxFill == nil {
		fill := def.HealthMaxFill
		y.Health.MaxFill = &fill
	}
	if y.Memory.LimitRatio == nil {
		ratio := def.MemoryLimitRatio
		y.Memory.LimitRatio = &ratio
	}
	if y.Logging.Level == "" {
		y.Logging.Level = def.LogLevel
	}

	// Telemetry defaults
	if y.Telemetry.Protocol == "" {
		y.Telemetry.Protocol = def.TelemetryProtocol
	}
	if y.Telemetry.Insecure == nil {
		insecure := def.TelemetryInsecure
		y.Telemetry.Insecure = &insecure
	}
	if y.Telemetry.PushInterval == 0 {
		y.Telemetry.PushInterval = Duration(def.TelemetryPushInterval)
	}
	if y.Telemetry.ShutdownTimeout == 0 {
		y.Telemetry.ShutdownTimeout = Duration(def.TelemetryShutdownTimeout)
	}
	if y.Telemetry.Retry.Enabled == nil {
		enabled := def.TelemetryRetryEnabled
		y.Telemetry.Retry.Enabled = &enabled
	}
}

// ToConfig converts YAMLConfig to the flat Config.
func (y *YAMLConfig) ToConfig() *Config {
	return &Config{
		Mode: y.Mode,

		QueueDir:                 y.Queue.Dir,
		QueueName:                y.Queue.Name,
		QueueSegmentSize:         int64(y.Queue.SegmentSize),
		QueueMaxBytes:            int64(y.Queue.MaxBytes),
		QueueMaxInactiveSegments: y.Queue.MaxInactiveSegments,
		QueueMetaSyncInterval:    time.Duration(y.Queue.MetaSyncInterval),
		QueueCompression:         y.Queue.Compression,
		MembershipExpectedItems:  y.Queue.Membership.ExpectedItems,
		MembershipFPRate:         y.Queue.Membership.FalsePositiveRate,

		Workers:                  y.Workers.Count,
		WorkerHandlerTimeout:     time.Duration(y.Workers.HandlerTimeout),
		WorkerBackoffBase:        time.Duration(y.Workers.Backoff.BaseDelay),
		WorkerBackoffMax:         time.Duration(y.Workers.Backoff.MaxDelay),
		WorkerBackoffMultiplier:  y.Workers.Backoff.Multiplier,
		WorkerHandlerFailureRate: y.Workers.FailureRate,

		BenchRequests:   y.Bench.Requests,
		BenchDatapoints: y.Bench.Datapoints,
		BenchDuration:   time.Duration(y.Bench.Duration),

		StatsAddr:              *y.Stats.Address,
		StatsTLSEnabled:        y.Stats.TLS.Enabled,
		StatsTLSCertFile:       y.Stats.TLS.CertFile,
		StatsTLSKeyFile:        y.Stats.TLS.KeyFile,
		StatsTLSCAFile:         y.Stats.TLS.CAFile,
		StatsTLSClientAuth:     y.Stats.TLS.ClientAuth,
		StatsAuthBearerToken:   y.Stats.Auth.BearerToken,
		StatsAuthBasicUsername: y.Stats.Auth.BasicUsername,
		StatsAuthBasicPassword: y.Stats.Auth.BasicPassword,

		HealthMaxFill:     *y.Health.MaxFill,
		HealthMinFreeDisk: int64(y.Health.MinFreeDisk),

		MemoryLimitRatio: *y.Memory.LimitRatio,
		LogLevel:         y.Logging.Level,

		TelemetryEndpoint:         y.Telemetry.Endpoint,
		TelemetryProtocol:         y.Telemetry.Protocol,
		TelemetryInsecure:         *y.Telemetry.Insecure,
		TelemetryTimeout:          time.Duration(y.Telemetry.Timeout),
		TelemetryPushInterval:     time.Duration(y.Telemetry.PushInterval),
		TelemetryCompression:      y.Telemetry.Compression,
		TelemetryHeaders:          headersMapToString(y.Telemetry.Headers),
		TelemetryShutdownTimeout:  time.Duration(y.Telemetry.ShutdownTimeout),
		TelemetryRetryEnabled:     *y.Telemetry.Retry.Enabled,
		TelemetryRetryInitial:     time.Duration(y.Telemetry.Retry.Initial),
		TelemetryRetryMaxInterval: time.Duration(y.Telemetry.Retry.MaxInterval),
		TelemetryRetryMaxElapsed:  time.Duration(y.Telemetry.Retry.MaxElapsed),
		TelemetryTLSCAFile:        y.Telemetry.TLS.CAFile,
		TelemetryTLSCertFile:      y.Telemetry.TLS.CertFile,
		TelemetryTLSKeyFile:       y.Telemetry.TLS.KeyFile,
		TelemetryTLSServerName:    y.Telemetry.TLS.ServerName,
		TelemetryTLSSkipVerify:    y.Telemetry.TLS.InsecureSkipVerify,
	}
}
