package cardinality

import (
	"fmt"
	"sync"
	"testing"
)

func TestMembership(t *testing.T) {
	m := NewMembership(Config{ExpectedItems: 1000, FalsePositiveRate: 0.001})

	if m.MayContain([]byte("a")) {
		t.Error("empty filter should not contain anything")
	}
	m.Add([]byte("a"))
	m.Add([]byte("b"))
	if !m.MayContain([]byte("a")) || !m.MayContain([]byte("b")) {
		t.Error("added payloads must always be reported")
	}
	if m.Adds() != 2 {
		t.Errorf("Adds() = %d, want 2", m.Adds())
	}
	if m.FalsePositiveRate() <= 0 || m.FalsePositiveRate() > 0.001 {
		t.Errorf("FalsePositiveRate() = %v with two adds", m.FalsePositiveRate())
	}

	m.Reset()
	if m.MayContain([]byte("a")) {
		t.Error("Reset() should clear the filter")
	}
	if m.Adds() != 0 {
		t.Errorf("Adds() = %d after Reset()", m.Adds())
	}
}

func TestMembershipDefaults(t *testing.T) {
	m := NewMembership(Config{})
	def := NewMembership(DefaultConfig())
	if m.MemoryUsage() != def.MemoryUsage() {
		t.Errorf("zero config sized %d bytes, default %d", m.MemoryUsage(), def.MemoryUsage())
	}
	if m.MemoryUsage() == 0 {
		t.Error("MemoryUsage() = 0")
	}
}

func TestMembershipNoFalseNegatives(t *testing.T) {
	m := NewMembership(Config{ExpectedItems: 100, FalsePositiveRate: 0.01})
	// Overfill well past the sizing.
	for i := 0; i < 10000; i++ {
		m.Add([]byte(fmt.Sprintf("payload-%d", i)))
	}
	for i := 0; i < 10000; i++ {
		if !m.MayContain([]byte(fmt.Sprintf("payload-%d", i))) {
			t.Fatalf("payload-%d missing", i)
		}
	}
}

func TestDistinct(t *testing.T) {
	d := NewDistinct()
	for i := 0; i < 1000; i++ {
		d.Add([]byte(fmt.Sprintf("p%d", i%100)))
	}
	est := d.Estimate()
	if est < 95 || est > 105 {
		t.Errorf("Estimate() = %d, want about 100", est)
	}

	d.Reset()
	if d.Estimate() != 0 {
		t.Errorf("Estimate() = %d after Reset()", d.Estimate())
	}
}

func TestRace_MembershipAndDistinct(t *testing.T) {
	m := NewMembership(Config{ExpectedItems: 10000})
	d := NewDistinct()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				key := []byte(fmt.Sprintf("w%d-k%d", id, j))
				m.Add(key)
				d.Add(key)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				m.MayContain([]byte("w0-k0"))
				d.Estimate()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			m.Reset()
			d.Reset()
		}
	}()
	wg.Wait()
}
