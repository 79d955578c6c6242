// Package cardinality holds the probabilistic sketches the queue keeps
// over encoded payloads: a Bloom filter for fast negative membership
// answers and a HyperLogLog sketch for distinct-payload estimates.
package cardinality

import (
	"math"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Config sizes the membership filter.
type Config struct {
	// ExpectedItems is the number of payloads the filter is sized for.
	// Beyond it the false positive rate climbs, which only costs a scan.
	ExpectedItems uint

	// FalsePositiveRate is the target rate at ExpectedItems.
	FalsePositiveRate float64
}

// DefaultConfig returns the filter sizing used when none is configured.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     1_000_000,
		FalsePositiveRate: 0.01,
	}
}

// Membership answers "was this payload ever enqueued since the last
// reset". A false answer is definitive; a true answer means the caller
// must look.
type Membership struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	adds   int64
}

// NewMembership creates a filter sized by cfg, falling back to
// DefaultConfig for zero fields.
func NewMembership(cfg Config) *Membership {
	def := DefaultConfig()
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = def.FalsePositiveRate
	}
	return &Membership{
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
	}
}

// Add records payload.
func (m *Membership) Add(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter.Add(payload)
	m.adds++
}

// MayContain reports whether payload may have been added.
func (m *Membership) MayContain(payload []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter.Test(payload)
}

// Adds returns the number of Add calls since the last Reset.
func (m *Membership) Adds() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adds
}

// Reset forgets every payload. Only safe when nothing the filter
// answered for is still queued.
func (m *Membership) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter.ClearAll()
	m.adds = 0
}

// FalsePositiveRate estimates the current false positive rate from the
// filter shape and the number of adds: (1 - e^(-kn/m))^k.
func (m *Membership) FalsePositiveRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := float64(m.filter.K())
	bits := float64(m.filter.Cap())
	return math.Pow(1-math.Exp(-k*float64(m.adds)/bits), k)
}

// MemoryUsage returns the size of the bit array in bytes.
func (m *Membership) MemoryUsage() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(m.filter.Cap()) / 8
}
