package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// Distinct estimates how many different payloads went through the queue
// since it was opened or last cleared, in fixed memory (~12KB at the
// default precision).
type Distinct struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewDistinct creates an empty sketch.
func NewDistinct() *Distinct {
	return &Distinct{sketch: hyperloglog.New()}
}

// Add records payload.
func (d *Distinct) Add(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sketch.Insert(payload)
}

// Estimate returns the estimated distinct count.
// Takes the full lock: Estimate can merge the sparse representation.
func (d *Distinct) Estimate() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sketch.Estimate()
}

// Reset starts a new sketch.
func (d *Distinct) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sketch = hyperloglog.New()
}
