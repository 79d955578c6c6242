package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// ValidateFile loads a YAML config file and validates it.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}

	info, err := os.Stat(path)
	if err != nil {
		result.addError("file", fmt.Sprintf("cannot access file: %v", err))
		return result
	}
	if info.IsDir() {
		result.addError("file", "path is a directory, expected a file")
		return result
	}

	yamlCfg, err := LoadYAML(path)
	if err != nil {
		result.addError("yaml", fmt.Sprintf("YAML parse error: %v", err))
		return result
	}
	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = path
	return ValidateConfig(cfg, result)
}

// ValidateConfig validates cfg into result, creating one if result is nil.
func ValidateConfig(cfg *Config, result *ValidationResult) *ValidationResult {
	if result == nil {
		result = &ValidationResult{Valid: true, File: cfg.ConfigFile}
	}
	if err := cfg.Validate(); err != nil {
		msg := err.Error()
		prefix := "configuration validation failed:\n  - "
		if strings.HasPrefix(msg, prefix) {
			for _, item := range strings.Split(strings.TrimPrefix(msg, prefix), "\n  - ") {
				field, message := parseValidationError(item)
				result.addError(field, message)
			}
		} else {
			result.addError("config", msg)
		}
	}
	addWarnings(cfg, result)
	return result
}

func (r *ValidationResult) addError(field, message string) {
	r.Valid = false
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: message})
}

func (r *ValidationResult) addWarning(field, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityWarning, Field: field, Message: message})
}

// parseValidationError extracts field and message from a validation error string.
// e.g. "workers must be > 0, got 0" → field="workers"
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings checks for non-fatal issues that are worth flagging.
func addWarnings(cfg *Config, result *ValidationResult) {
	pageSize := int64(os.Getpagesize())
	if cfg.QueueSegmentSize > 0 && cfg.QueueSegmentSize%pageSize != 0 {
		result.addWarning("queue.segment_size", fmt.Sprintf(
			"segment size %d is not a multiple of the page size %d; the mapping is rounded up", cfg.QueueSegmentSize, pageSize))
	}
	if cfg.QueueSegmentSize > 0 && cfg.QueueMaxBytes/cfg.QueueSegmentSize < 2 {
		result.addWarning("queue.max_bytes", fmt.Sprintf(
			"max bytes %s hold fewer than two segments; every rotation must reuse a drained segment", FormatByteSize(cfg.QueueMaxBytes)))
	}
	if cfg.QueueDir != "" {
		if info, err := os.Stat(cfg.QueueDir); err != nil {
			result.addWarning("queue.dir", fmt.Sprintf("directory not found: %s", cfg.QueueDir))
		} else if !info.IsDir() {
			result.addWarning("queue.dir", fmt.Sprintf("not a directory: %s", cfg.QueueDir))
		}
	}
	if cfg.TelemetryEndpoint != "" && cfg.TelemetryInsecure && !isLocalhost(cfg.TelemetryEndpoint) {
		result.addWarning("telemetry.insecure", fmt.Sprintf("insecure connection to non-localhost endpoint %q", cfg.TelemetryEndpoint))
	}
	if cfg.StatsAuthConfig().Enabled() && !cfg.StatsTLSEnabled && !isLocalhost(cfg.StatsAddr) {
		result.addWarning("stats.auth", "credentials are accepted over plain HTTP; enable stats.tls")
	}
	if cfg.TelemetryInsecure && (cfg.TelemetryTLSCAFile != "" || cfg.TelemetryTLSCertFile != "") {
		result.addWarning("telemetry.tls", "TLS files are ignored while telemetry.insecure is true")
	}
	if cfg.WorkerBackoffMax < cfg.WorkerBackoffBase {
		result.addWarning("workers.backoff.max_delay", fmt.Sprintf(
			"max_delay (%s) is below base_delay (%s)", cfg.WorkerBackoffMax, cfg.WorkerBackoffBase))
	}
}

func isLocalhost(endpoint string) bool {
	return strings.HasPrefix(endpoint, "localhost") ||
		strings.HasPrefix(endpoint, "127.0.0.1") ||
		strings.HasPrefix(endpoint, "[::1]")
}
