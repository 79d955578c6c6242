package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"1024", 1024, false},
		{"16Ki", 16 * kib, false},
		{"128Mi", 128 * mib, false},
		{"1.5Gi", 3 * gib / 2, false},
		{"40Gi", 40 * gib, false},
		{"2Ti", 2 * tib, false},
		{" 4Mi ", 4 * mib, false},
		{"256MB", 0, true},
		{"abc", 0, true},
		{"xMi", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatByteSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{1000, "1000"},
		{kib, "1Ki"},
		{128 * mib, "128Mi"},
		{40 * gib, "40Gi"},
		{tib, "1Ti"},
		{mib + 1, "1048577"},
	}
	for _, tt := range tests {
		if got := FormatByteSize(tt.in); got != tt.want {
			t.Errorf("FormatByteSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseYAMLDefaults(t *testing.T) {
	y, err := ParseYAML(nil)
	if err != nil {
		t.Fatalf("ParseYAML(empty) error = %v", err)
	}
	got := y.ToConfig()
	want := DefaultConfig()
	if got.QueueDir != want.QueueDir || got.QueueSegmentSize != want.QueueSegmentSize ||
		got.QueueMaxBytes != want.QueueMaxBytes || got.Workers != want.Workers ||
		got.StatsAddr != want.StatsAddr || got.LogLevel != want.LogLevel ||
		got.TelemetryRetryEnabled != want.TelemetryRetryEnabled {
		t.Errorf("ToConfig() = %+v, want defaults %+v", got, want)
	}
}

func TestParseYAML(t *testing.T) {
	y, err := ParseYAML([]byte(`
mode: inspect
queue:
  segment_size: 4194304
  max_bytes: 1Gi
  max_inactive_segments: 4
  meta_sync_interval: 250ms
  membership:
    expected_items: 5000
    false_positive_rate: 0.001
stats:
  address: 127.0.0.1:9443
  tls:
    enabled: true
    cert_file: /etc/dq/tls.crt
    key_file: /etc/dq/tls.key
  auth:
    basic_username: ops
    basic_password: hunter2
health:
  max_fill: 0.8
  min_free_disk: 1Gi
memory:
  limit_ratio: 0
logging:
  level: debug
telemetry:
  endpoint: otel:4317
  insecure: false
  headers:
    x-token: abc
  retry:
    enabled: false
  tls:
    ca_file: /etc/dq/ca.pem
    server_name: otel.internal
`))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	cfg := y.ToConfig()
	if cfg.Mode != ModeInspect || cfg.QueueSegmentSize != 4*mib || cfg.QueueMaxBytes != gib {
		t.Errorf("queue = %+v", cfg)
	}
	if cfg.QueueMaxInactiveSegments != 4 || cfg.QueueMetaSyncInterval != 250*time.Millisecond {
		t.Errorf("inactive/sync = %d/%v", cfg.QueueMaxInactiveSegments, cfg.QueueMetaSyncInterval)
	}
	if cfg.MembershipExpectedItems != 5000 || cfg.MembershipFPRate != 0.001 {
		t.Errorf("membership = %d/%v", cfg.MembershipExpectedItems, cfg.MembershipFPRate)
	}
	if cfg.MemoryLimitRatio != 0 {
		t.Errorf("MemoryLimitRatio = %v, explicit 0 disables it", cfg.MemoryLimitRatio)
	}
	if cfg.LogLevel != "debug" || cfg.TelemetryEndpoint != "otel:4317" || cfg.TelemetryInsecure {
		t.Errorf("logging/telemetry = %+v", cfg)
	}
	if cfg.TelemetryHeaders != "x-token=abc" || cfg.TelemetryRetryEnabled {
		t.Errorf("headers/retry = %q/%v", cfg.TelemetryHeaders, cfg.TelemetryRetryEnabled)
	}
	if cfg.StatsAddr != "127.0.0.1:9443" || !cfg.StatsTLSEnabled || cfg.StatsTLSKeyFile != "/etc/dq/tls.key" {
		t.Errorf("stats = %q tls=%v key=%q", cfg.StatsAddr, cfg.StatsTLSEnabled, cfg.StatsTLSKeyFile)
	}
	if cfg.StatsAuthBasicUsername != "ops" || cfg.StatsAuthBasicPassword != "hunter2" {
		t.Errorf("stats auth = %q/%q", cfg.StatsAuthBasicUsername, cfg.StatsAuthBasicPassword)
	}
	if cfg.HealthMaxFill != 0.8 || cfg.HealthMinFreeDisk != gib {
		t.Errorf("health = %v/%d", cfg.HealthMaxFill, cfg.HealthMinFreeDisk)
	}
	if tc := cfg.TelemetryConfig().TLS; !tc.Enabled || tc.ServerName != "otel.internal" {
		t.Errorf("telemetry TLS = %+v", tc)
	}
}

func TestParseYAMLErrors(t *testing.T) {
	for name, body := range map[string]string{
		"unknown key":   "queue:\n  segmant_size: 1Mi\n",
		"bad size":      "queue:\n  segment_size: 1MB\n",
		"bad duration":  "queue:\n  meta_sync_interval: soon\n",
		"not a mapping": "- a\n- b\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseYAML([]byte(body)); err == nil {
				t.Error("ParseYAML() expected error")
			}
		})
	}
}

func TestYAMLMarshalRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(QueueYAMLConfig{SegmentSize: ByteSize(128 * mib), MetaSyncInterval: Duration(time.Second)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back QueueYAMLConfig
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.SegmentSize != ByteSize(128*mib) || back.MetaSyncInterval != Duration(time.Second) {
		t.Errorf("round trip = %+v", back)
	}
}
