package queue

import (
	"time"

	"github.com/szibis/diskqueue/internal/cardinality"
	"github.com/szibis/diskqueue/internal/segment"
)

const (
	defaultName             = "default"
	defaultMetaSyncInterval = time.Second
)

// Config holds the queue configuration.
type Config struct {
	// Dir is the directory for segment files. It must already exist.
	Dir string
	// Name labels the queue in logs and metrics.
	Name string
	// SegmentSize is the size of each segment file (default: 128MiB).
	SegmentSize int64
	// MaxBytes caps the bytes reserved by segment files (default: 40GiB).
	MaxBytes int64
	// MaxInactiveSegments caps the retired segments kept for reuse
	// (0 = keep all while under MaxBytes).
	MaxInactiveSegments int
	// MetaSyncInterval is how often the manifest and segments are synced
	// to disk (default: 1s, negative disables the loop; Close always syncs).
	MetaSyncInterval time.Duration
	// Membership sizes the Bloom filter used to short-circuit Remove and
	// Contains.
	Membership cardinality.Config
}

// DefaultConfig returns a default queue configuration.
func DefaultConfig() Config {
	return Config{
		Name:             defaultName,
		SegmentSize:      segment.DefaultSegmentSize,
		MaxBytes:         segment.DefaultMaxBytes,
		MetaSyncInterval: defaultMetaSyncInterval,
		Membership:       cardinality.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = segment.DefaultSegmentSize
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = segment.DefaultMaxBytes
	}
	if c.MetaSyncInterval == 0 {
		c.MetaSyncInterval = defaultMetaSyncInterval
	}
}

func (c Config) segmentConfig() segment.Config {
	return segment.Config{
		Dir:                 c.Dir,
		SegmentSize:         c.SegmentSize,
		MaxBytes:            c.MaxBytes,
		MaxInactiveSegments: c.MaxInactiveSegments,
	}
}
