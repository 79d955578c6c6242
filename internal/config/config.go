// Package config assembles the diskqueue process configuration from
// defaults, an optional YAML file and command-line flags, in that order of
// precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/diskqueue/internal/auth"
	"github.com/szibis/diskqueue/internal/cardinality"
	"github.com/szibis/diskqueue/internal/codec"
	"github.com/szibis/diskqueue/internal/logging"
	"github.com/szibis/diskqueue/internal/queue"
	"github.com/szibis/diskqueue/internal/segment"
	"github.com/szibis/diskqueue/internal/telemetry"
	tlspkg "github.com/szibis/diskqueue/internal/tls"
	"github.com/szibis/diskqueue/internal/worker"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Modes the binary can run in.
const (
	ModeServe   = "serve"
	ModeBench   = "bench"
	ModeInspect = "inspect"
)

// Config holds the application configuration.
type Config struct {
	ConfigFile string
	Mode       string

	// Queue settings
	QueueDir                 string
	QueueName                string
	QueueSegmentSize         int64
	QueueMaxBytes            int64
	QueueMaxInactiveSegments int
	QueueMetaSyncInterval    time.Duration
	QueueCompression         string

	// Membership filter sizing
	MembershipExpectedItems uint
	MembershipFPRate        float64

	// Worker pool settings
	Workers                  int
	WorkerHandlerTimeout     time.Duration
	WorkerBackoffBase        time.Duration
	WorkerBackoffMax         time.Duration
	WorkerBackoffMultiplier  float64
	WorkerHandlerFailureRate float64

	// Bench settings
	BenchRequests   int
	BenchDatapoints int
	BenchDuration   time.Duration

	// Stats endpoint
	StatsAddr              string
	StatsTLSEnabled        bool
	StatsTLSCertFile       string
	StatsTLSKeyFile        string
	StatsTLSCAFile         string
	StatsTLSClientAuth     bool
	StatsAuthBearerToken   string
	StatsAuthBasicUsername string
	StatsAuthBasicPassword string

	// Readiness thresholds
	HealthMaxFill     float64
	HealthMinFreeDisk int64

	// Memory
	MemoryLimitRatio float64

	// Logging
	LogLevel string

	// Telemetry (OTLP self-monitoring)
	TelemetryEndpoint         string
	TelemetryProtocol         string
	TelemetryInsecure         bool
	TelemetryTimeout          time.Duration
	TelemetryPushInterval     time.Duration
	TelemetryCompression      string
	TelemetryHeaders          string
	TelemetryShutdownTimeout  time.Duration
	TelemetryRetryEnabled     bool
	TelemetryRetryInitial     time.Duration
	TelemetryRetryMaxInterval time.Duration
	TelemetryRetryMaxElapsed  time.Duration
	TelemetryTLSCAFile        string
	TelemetryTLSCertFile      string
	TelemetryTLSKeyFile       string
	TelemetryTLSServerName    string
	TelemetryTLSSkipVerify    bool

	ValidateOnly bool
	ShowHelp     bool
	ShowVersion  bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:                     ModeServe,
		QueueDir:                 "./queue",
		QueueName:                "default",
		QueueSegmentSize:         segment.DefaultSegmentSize,
		QueueMaxBytes:            segment.DefaultMaxBytes,
		QueueMaxInactiveSegments: 0,
		QueueMetaSyncInterval:    1 * time.Second,
		QueueCompression:         string(codec.CompressionNone),
		MembershipExpectedItems:  cardinality.DefaultConfig().ExpectedItems,
		MembershipFPRate:         cardinality.DefaultConfig().FalsePositiveRate,
		Workers:                  4,
		WorkerHandlerTimeout:     30 * time.Second,
		WorkerBackoffBase:        100 * time.Millisecond,
		WorkerBackoffMax:         30 * time.Second,
		WorkerBackoffMultiplier:  2.0,
		BenchRequests:            10000,
		BenchDatapoints:          10,
		BenchDuration:            0,
		StatsAddr:                ":9090",
		HealthMaxFill:            0.95,
		HealthMinFreeDisk:        0,
		MemoryLimitRatio:         0.9,
		LogLevel:                 "info",
		TelemetryProtocol:        "grpc",
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
		TelemetryRetryEnabled:    true,
	}
}

// ParseFlags parses os.Args and exits on error.
func ParseFlags() *Config {
	cfg, err := ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseArgs builds the configuration from args. A -config file replaces
// the defaults; flags set explicitly override both.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("diskqueue", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { PrintUsage(output, fs) }

	var segmentSize, maxBytes, minFreeDisk string
	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML configuration file")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Run mode: serve, bench or inspect")

	// Queue flags
	fs.StringVar(&cfg.QueueDir, "queue-dir", cfg.QueueDir, "Directory holding segment files (must exist)")
	fs.StringVar(&cfg.QueueName, "queue-name", cfg.QueueName, "Queue name used in logs and metric labels")
	fs.StringVar(&segmentSize, "queue-segment-size", FormatByteSize(cfg.QueueSegmentSize), "Segment file size (e.g. 128Mi)")
	fs.StringVar(&maxBytes, "queue-max-bytes", FormatByteSize(cfg.QueueMaxBytes), "Maximum bytes reserved by segment files (e.g. 40Gi)")
	fs.IntVar(&cfg.QueueMaxInactiveSegments, "queue-max-inactive-segments", cfg.QueueMaxInactiveSegments, "Retired segments kept for reuse (0 = no limit)")
	fs.DurationVar(&cfg.QueueMetaSyncInterval, "queue-meta-sync-interval", cfg.QueueMetaSyncInterval, "Manifest sync interval (negative disables)")
	fs.StringVar(&cfg.QueueCompression, "queue-compression", cfg.QueueCompression, "Payload compression: none, s2 or zstd")
	fs.UintVar(&cfg.MembershipExpectedItems, "membership-expected-items", cfg.MembershipExpectedItems, "Payloads the membership filter is sized for")
	fs.Float64Var(&cfg.MembershipFPRate, "membership-fp-rate", cfg.MembershipFPRate, "Target false positive rate of the membership filter")

	// Worker flags
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of queue consumers")
	fs.DurationVar(&cfg.WorkerHandlerTimeout, "worker-handler-timeout", cfg.WorkerHandlerTimeout, "Timeout per handled element")
	fs.DurationVar(&cfg.WorkerBackoffBase, "worker-backoff-base", cfg.WorkerBackoffBase, "First retry delay after a failure")
	fs.DurationVar(&cfg.WorkerBackoffMax, "worker-backoff-max", cfg.WorkerBackoffMax, "Maximum retry delay")
	fs.Float64Var(&cfg.WorkerBackoffMultiplier, "worker-backoff-multiplier", cfg.WorkerBackoffMultiplier, "Retry delay growth factor")
	fs.Float64Var(&cfg.WorkerHandlerFailureRate, "worker-failure-rate", cfg.WorkerHandlerFailureRate, "Fraction of bench elements the handler fails (0.0-1.0)")

	// Bench flags
	fs.IntVar(&cfg.BenchRequests, "bench-requests", cfg.BenchRequests, "Requests enqueued in bench mode")
	fs.IntVar(&cfg.BenchDatapoints, "bench-datapoints", cfg.BenchDatapoints, "Datapoints per bench request")
	fs.DurationVar(&cfg.BenchDuration, "bench-duration", cfg.BenchDuration, "Stop bench mode after this long (0 = when drained)")

	// Stats, memory and logging flags
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Listen address for /metrics and /stats (empty disables)")
	fs.BoolVar(&cfg.StatsTLSEnabled, "stats-tls-enabled", cfg.StatsTLSEnabled, "Serve the stats endpoint over TLS")
	fs.StringVar(&cfg.StatsTLSCertFile, "stats-tls-cert", cfg.StatsTLSCertFile, "Path to the stats server certificate")
	fs.StringVar(&cfg.StatsTLSKeyFile, "stats-tls-key", cfg.StatsTLSKeyFile, "Path to the stats server private key")
	fs.StringVar(&cfg.StatsTLSCAFile, "stats-tls-ca", cfg.StatsTLSCAFile, "Path to the CA used to verify clients")
	fs.BoolVar(&cfg.StatsTLSClientAuth, "stats-tls-client-auth", cfg.StatsTLSClientAuth, "Require client certificates (mTLS)")
	fs.StringVar(&cfg.StatsAuthBearerToken, "stats-auth-bearer-token", cfg.StatsAuthBearerToken, "Bearer token required by the queue endpoints")
	fs.StringVar(&cfg.StatsAuthBasicUsername, "stats-auth-basic-username", cfg.StatsAuthBasicUsername, "Basic auth username required by the queue endpoints")
	fs.StringVar(&cfg.StatsAuthBasicPassword, "stats-auth-basic-password", cfg.StatsAuthBasicPassword, "Basic auth password required by the queue endpoints")
	fs.Float64Var(&cfg.HealthMaxFill, "health-max-fill", cfg.HealthMaxFill, "Report not ready above this fraction of queue-max-bytes (0 disables)")
	fs.StringVar(&minFreeDisk, "health-min-free-disk", FormatByteSize(cfg.HealthMinFreeDisk), "Report not ready below this much free disk (0 disables)")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory used for GOMEMLIMIT (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")

	// Telemetry flags
	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self-monitoring (empty disables)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use an insecure OTLP connection")
	fs.DurationVar(&cfg.TelemetryTimeout, "telemetry-timeout", cfg.TelemetryTimeout, "Per-export timeout (0 = SDK default)")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Metric push interval")
	fs.StringVar(&cfg.TelemetryCompression, "telemetry-compression", cfg.TelemetryCompression, "OTLP compression: gzip or empty")
	fs.StringVar(&cfg.TelemetryHeaders, "telemetry-headers", cfg.TelemetryHeaders, "OTLP headers (format: key1=value1,key2=value2)")
	fs.DurationVar(&cfg.TelemetryShutdownTimeout, "telemetry-shutdown-timeout", cfg.TelemetryShutdownTimeout, "Telemetry shutdown grace period")
	fs.StringVar(&cfg.TelemetryTLSCAFile, "telemetry-tls-ca", cfg.TelemetryTLSCAFile, "CA used to verify the OTLP endpoint")
	fs.StringVar(&cfg.TelemetryTLSCertFile, "telemetry-tls-cert", cfg.TelemetryTLSCertFile, "Client certificate for the OTLP endpoint (mTLS)")
	fs.StringVar(&cfg.TelemetryTLSKeyFile, "telemetry-tls-key", cfg.TelemetryTLSKeyFile, "Client private key for the OTLP endpoint (mTLS)")
	fs.StringVar(&cfg.TelemetryTLSServerName, "telemetry-tls-server-name", cfg.TelemetryTLSServerName, "Server name override for OTLP certificate verification")
	fs.BoolVar(&cfg.TelemetryTLSSkipVerify, "telemetry-tls-skip-verify", cfg.TelemetryTLSSkipVerify, "Skip OTLP server certificate verification")

	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the configuration and exit")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		fs.Usage()
		return cfg, nil
	}

	var err error
	if cfg.QueueSegmentSize, err = ParseByteSize(segmentSize); err != nil {
		return nil, fmt.Errorf("queue-segment-size: %w", err)
	}
	if cfg.QueueMaxBytes, err = ParseByteSize(maxBytes); err != nil {
		return nil, fmt.Errorf("queue-max-bytes: %w", err)
	}
	if cfg.HealthMinFreeDisk, err = ParseByteSize(minFreeDisk); err != nil {
		return nil, fmt.Errorf("health-min-free-disk: %w", err)
	}

	if cfg.ConfigFile != "" {
		yamlCfg, err := LoadYAML(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", cfg.ConfigFile, err)
		}
		fromFile := yamlCfg.ToConfig()
		fromFile.ConfigFile = cfg.ConfigFile
		applyFlagOverrides(fs, fromFile, cfg)
		cfg = fromFile
	}
	return cfg, nil
}

// applyFlagOverrides copies the explicitly set flags from flags onto dst.
func applyFlagOverrides(fs *flag.FlagSet, dst, flags *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			dst.Mode = flags.Mode
		case "queue-dir":
			dst.QueueDir = flags.QueueDir
		case "queue-name":
			dst.QueueName = flags.QueueName
		case "queue-segment-size":
			dst.QueueSegmentSize = flags.QueueSegmentSize
		case "queue-max-bytes":
			dst.QueueMaxBytes = flags.QueueMaxBytes
		case "queue-max-inactive-segments":
			dst.QueueMaxInactiveSegments = flags.QueueMaxInactiveSegments
		case "queue-meta-sync-interval":
			dst.QueueMetaSyncInterval = flags.QueueMetaSyncInterval
		case "queue-compression":
			dst.QueueCompression = flags.QueueCompression
		case "membership-expected-items":
			dst.MembershipExpectedItems = flags.MembershipExpectedItems
		case "membership-fp-rate":
			dst.MembershipFPRate = flags.MembershipFPRate
		case "workers":
			dst.Workers = flags.Workers
		case "worker-handler-timeout":
			dst.WorkerHandlerTimeout = flags.WorkerHandlerTimeout
		case "worker-backoff-base":
			dst.WorkerBackoffBase = flags.WorkerBackoffBase
		case "worker-backoff-max":
			dst.WorkerBackoffMax = flags.WorkerBackoffMax
		case "worker-backoff-multiplier":
			dst.WorkerBackoffMultiplier = flags.WorkerBackoffMultiplier
		case "worker-failure-rate":
			dst.WorkerHandlerFailureRate = flags.WorkerHandlerFailureRate
		case "bench-requests":
			dst.BenchRequests = flags.BenchRequests
		case "bench-datapoints":
			dst.BenchDatapoints = flags.BenchDatapoints
		case "bench-duration":
			dst.BenchDuration = flags.BenchDuration
		case "stats-addr":
			dst.StatsAddr = flags.StatsAddr
		case "stats-tls-enabled":
			dst.StatsTLSEnabled = flags.StatsTLSEnabled
		case "stats-tls-cert":
			dst.StatsTLSCertFile = flags.StatsTLSCertFile
		case "stats-tls-key":
			dst.StatsTLSKeyFile = flags.StatsTLSKeyFile
		case "stats-tls-ca":
			dst.StatsTLSCAFile = flags.StatsTLSCAFile
		case "stats-tls-client-auth":
			dst.StatsTLSClientAuth = flags.StatsTLSClientAuth
		case "stats-auth-bearer-token":
			dst.StatsAuthBearerToken = flags.StatsAuthBearerToken
		case "stats-auth-basic-username":
			dst.StatsAuthBasicUsername = flags.StatsAuthBasicUsername
		case "stats-auth-basic-password":
			dst.StatsAuthBasicPassword = flags.StatsAuthBasicPassword
		case "health-max-fill":
			dst.HealthMaxFill = flags.HealthMaxFill
		case "health-min-free-disk":
			dst.HealthMinFreeDisk = flags.HealthMinFreeDisk
		case "memory-limit-ratio":
			dst.MemoryLimitRatio = flags.MemoryLimitRatio
		case "log-level":
			dst.LogLevel = flags.LogLevel
		case "telemetry-endpoint":
			dst.TelemetryEndpoint = flags.TelemetryEndpoint
		case "telemetry-protocol":
			dst.TelemetryProtocol = flags.TelemetryProtocol
		case "telemetry-insecure":
			dst.TelemetryInsecure = flags.TelemetryInsecure
		case "telemetry-timeout":
			dst.TelemetryTimeout = flags.TelemetryTimeout
		case "telemetry-push-interval":
			dst.TelemetryPushInterval = flags.TelemetryPushInterval
		case "telemetry-compression":
			dst.TelemetryCompression = flags.TelemetryCompression
		case "telemetry-headers":
			dst.TelemetryHeaders = flags.TelemetryHeaders
		case "telemetry-shutdown-timeout":
			dst.TelemetryShutdownTimeout = flags.TelemetryShutdownTimeout
		case "telemetry-tls-ca":
			dst.TelemetryTLSCAFile = flags.TelemetryTLSCAFile
		case "telemetry-tls-cert":
			dst.TelemetryTLSCertFile = flags.TelemetryTLSCertFile
		case "telemetry-tls-key":
			dst.TelemetryTLSKeyFile = flags.TelemetryTLSKeyFile
		case "telemetry-tls-server-name":
			dst.TelemetryTLSServerName = flags.TelemetryTLSServerName
		case "telemetry-tls-skip-verify":
			dst.TelemetryTLSSkipVerify = flags.TelemetryTLSSkipVerify
		case "validate":
			dst.ValidateOnly = flags.ValidateOnly
		case "help", "h":
			dst.ShowHelp = flags.ShowHelp
		case "version", "v":
			dst.ShowVersion = flags.ShowVersion
		}
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case ModeServe, ModeBench, ModeInspect:
	default:
		errs = append(errs, fmt.Sprintf("mode must be one of serve, bench, inspect, got %q", c.Mode))
	}
	if c.QueueDir == "" {
		errs = append(errs, "queue-dir must not be empty")
	}
	if c.QueueSegmentSize < 16 {
		errs = append(errs, fmt.Sprintf("queue-segment-size must be at least 16 bytes, got %d", c.QueueSegmentSize))
	}
	if c.QueueSegmentSize > 1<<31-1 {
		errs = append(errs, fmt.Sprintf("queue-segment-size must be below 2Gi, got %s", FormatByteSize(c.QueueSegmentSize)))
	}
	if c.QueueMaxBytes < c.QueueSegmentSize {
		errs = append(errs, fmt.Sprintf("queue-max-bytes must be at least queue-segment-size, got %s < %s",
			FormatByteSize(c.QueueMaxBytes), FormatByteSize(c.QueueSegmentSize)))
	}
	if c.QueueMaxInactiveSegments < 0 {
		errs = append(errs, fmt.Sprintf("queue-max-inactive-segments must be >= 0, got %d", c.QueueMaxInactiveSegments))
	}
	if _, err := codec.ParseCompression(c.QueueCompression); err != nil {
		errs = append(errs, fmt.Sprintf("queue-compression is invalid: %v", err))
	}
	if c.MembershipFPRate <= 0 || c.MembershipFPRate >= 1 {
		errs = append(errs, fmt.Sprintf("membership-fp-rate must be between 0.0 and 1.0, got %g", c.MembershipFPRate))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("workers must be > 0, got %d", c.Workers))
	}
	if c.WorkerBackoffMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("worker-backoff-multiplier must be >= 1.0, got %g", c.WorkerBackoffMultiplier))
	}
	if c.WorkerHandlerFailureRate < 0 || c.WorkerHandlerFailureRate > 1 {
		errs = append(errs, fmt.Sprintf("worker-failure-rate must be between 0.0 and 1.0, got %g", c.WorkerHandlerFailureRate))
	}
	if c.Mode == ModeBench && (c.BenchRequests <= 0 || c.BenchDatapoints <= 0) {
		errs = append(errs, "bench-requests and bench-datapoints must be > 0 in bench mode")
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio))
	}
	if err := c.StatsTLSConfig().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("stats-tls is invalid: %v", err))
	}
	if (c.StatsAuthBasicUsername == "") != (c.StatsAuthBasicPassword == "") {
		errs = append(errs, "stats-auth-basic-username and stats-auth-basic-password must be set together")
	}
	if c.HealthMaxFill < 0 || c.HealthMaxFill > 1 {
		errs = append(errs, fmt.Sprintf("health-max-fill must be between 0.0 and 1.0, got %g", c.HealthMaxFill))
	}
	if c.HealthMinFreeDisk < 0 {
		errs = append(errs, fmt.Sprintf("health-min-free-disk must be >= 0, got %d", c.HealthMinFreeDisk))
	}
	if err := c.TelemetryConfig().TLS.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("telemetry-tls is invalid: %v", err))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log-level is invalid: %v", err))
	}
	if c.TelemetryEndpoint != "" && c.TelemetryProtocol != "grpc" && c.TelemetryProtocol != "http" {
		errs = append(errs, fmt.Sprintf("telemetry-protocol must be grpc or http, got %q", c.TelemetryProtocol))
	}
	if _, err := parseHeaders(c.TelemetryHeaders); err != nil {
		errs = append(errs, fmt.Sprintf("telemetry-headers is invalid: %v", err))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
}

// QueueConfig returns the queue configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Dir:                 c.QueueDir,
		Name:                c.QueueName,
		SegmentSize:         c.QueueSegmentSize,
		MaxBytes:            c.QueueMaxBytes,
		MaxInactiveSegments: c.QueueMaxInactiveSegments,
		MetaSyncInterval:    c.QueueMetaSyncInterval,
		Membership: cardinality.Config{
			ExpectedItems:     c.MembershipExpectedItems,
			FalsePositiveRate: c.MembershipFPRate,
		},
	}
}

// WorkerConfig returns the worker pool configuration.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Workers:           c.Workers,
		HandlerTimeout:    c.WorkerHandlerTimeout,
		BaseDelay:         c.WorkerBackoffBase,
		MaxDelay:          c.WorkerBackoffMax,
		BackoffMultiplier: c.WorkerBackoffMultiplier,
	}
}

// TelemetryConfig returns the OTLP self-monitoring configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	headers, _ := parseHeaders(c.TelemetryHeaders)
	return telemetry.Config{
		Endpoint:         c.TelemetryEndpoint,
		Protocol:         c.TelemetryProtocol,
		Insecure:         c.TelemetryInsecure,
		Timeout:          c.TelemetryTimeout,
		PushInterval:     c.TelemetryPushInterval,
		Compression:      c.TelemetryCompression,
		Headers:          headers,
		ShutdownTimeout:  c.TelemetryShutdownTimeout,
		RetryEnabled:     c.TelemetryRetryEnabled,
		RetryInitial:     c.TelemetryRetryInitial,
		RetryMaxInterval: c.TelemetryRetryMaxInterval,
		RetryMaxElapsed:  c.TelemetryRetryMaxElapsed,
		ServiceName:      "diskqueue",
		ServiceVersion:   version,
		Attributes:       map[string]string{"diskqueue.queue": c.QueueName},
		TLS: tlspkg.ClientConfig{
			Enabled: !c.TelemetryInsecure && (c.TelemetryTLSCAFile != "" || c.TelemetryTLSCertFile != "" ||
				c.TelemetryTLSServerName != "" || c.TelemetryTLSSkipVerify),
			CAFile:             c.TelemetryTLSCAFile,
			CertFile:           c.TelemetryTLSCertFile,
			KeyFile:            c.TelemetryTLSKeyFile,
			ServerName:         c.TelemetryTLSServerName,
			InsecureSkipVerify: c.TelemetryTLSSkipVerify,
		},
	}
}

// StatsTLSConfig returns the stats server TLS configuration.
func (c *Config) StatsTLSConfig() tlspkg.ServerConfig {
	return tlspkg.ServerConfig{
		Enabled:    c.StatsTLSEnabled,
		CertFile:   c.StatsTLSCertFile,
		KeyFile:    c.StatsTLSKeyFile,
		CAFile:     c.StatsTLSCAFile,
		ClientAuth: c.StatsTLSClientAuth,
	}
}

// StatsAuthConfig returns the credentials required by the queue endpoints.
func (c *Config) StatsAuthConfig() auth.ServerConfig {
	return auth.ServerConfig{
		BearerToken:       c.StatsAuthBearerToken,
		BasicAuthUsername: c.StatsAuthBasicUsername,
		BasicAuthPassword: c.StatsAuthBasicPassword,
	}
}

// parseHeaders parses "key1=value1,key2=value2".
func parseHeaders(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed header %q", pair)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}

func headersMapToString(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

// PrintUsage prints the help message.
func PrintUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `diskqueue - disk-backed blocking FIFO queue

USAGE:
    diskqueue [OPTIONS]

DESCRIPTION:
    Opens (or recovers) a queue of memory-mapped segment files and serves
    its stats and Prometheus metrics. Bench mode pushes synthetic OTLP
    requests through a worker pool; inspect mode prints the recovered
    state and exits.

ENDPOINTS (stats-addr):
    /metrics, /stats, /live, /ready
    POST|GET|DELETE /v1/queue, GET /v1/queue/peek (serve mode, auth applies)

OPTIONS:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// PrintVersion prints the version.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "diskqueue version %s\n", version)
}
