package segment

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/szibis/diskqueue/internal/logging"
)

const (
	// DefaultSegmentSize is the size of each segment file.
	DefaultSegmentSize int64 = 128 << 20
	// DefaultMaxBytes caps the bytes reserved by all segment files.
	DefaultMaxBytes int64 = 40 << 30
)

// Config configures a Factory.
type Config struct {
	// Dir holds the segment files and the manifest. It must exist.
	Dir string
	// SegmentSize is the fixed size of every segment file.
	SegmentSize int64
	// MaxBytes caps (active + inactive) * SegmentSize.
	MaxBytes int64
	// MaxInactiveSegments caps the pool of retired segments kept for
	// reuse. Zero keeps every retired segment while under MaxBytes.
	MaxInactiveSegments int
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
}

// Stats is a point-in-time view of the factory.
type Stats struct {
	ActiveSegments   int
	InactiveSegments int
	PinnedSegments   int
	CurrentSegment   string
	ReservedBytes    int64
	MaxBytes         int64
	SegmentSize      int64

	Created   uint64
	Rotations uint64
	Recycles  uint64
	Discards  uint64
	Overflows uint64
}

// Factory owns the ordered chain of segments. The tail of the active list
// is the write target and the head is the read target. Retired segments
// sit in the inactive pool until they are reused or discarded.
//
// Methods are safe for concurrent use; the queue additionally serializes
// writers (Current, Rotate) and readers (Head, Advance) with its own
// locks, and holds both when calling Snapshot, Reset, Capture or Close.
type Factory struct {
	cfg    Config
	mapper mapper

	mu       sync.Mutex
	active   []*Segment
	inactive []*Segment
	nextSeq  uint64
	closed   bool
	captures uint64

	metaMu  sync.Mutex
	written uint64

	created   atomic.Uint64
	rotations atomic.Uint64
	recycles  atomic.Uint64
	discards  atomic.Uint64
	overflows atomic.Uint64
}

// Open recovers the segment chain found in cfg.Dir, or starts a fresh one.
// onLive, if not nil, is called with every live payload found, oldest
// first. Open returns the number of live entries recovered.
func Open(cfg Config, onLive func(payload []byte)) (*Factory, int, error) {
	return openWithMapper(cfg, unixMapper{}, onLive)
}

func openWithMapper(cfg Config, m mapper, onLive func(payload []byte)) (*Factory, int, error) {
	cfg.ApplyDefaults()
	if err := validateSize(cfg.SegmentSize); err != nil {
		return nil, 0, err
	}
	if cfg.MaxBytes < cfg.SegmentSize {
		return nil, 0, fmt.Errorf("max bytes %d smaller than segment size %d", cfg.MaxBytes, cfg.SegmentSize)
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat queue directory: %w", err)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("queue path %s is not a directory", cfg.Dir)
	}

	f := &Factory{cfg: cfg, mapper: m}
	count, err := f.recover(onLive)
	if err != nil {
		f.closeSegments()
		return nil, 0, fmt.Errorf("failed to recover segments: %w", err)
	}
	if len(f.active) == 0 {
		if _, err := f.rotateLocked(); err != nil {
			f.closeSegments()
			return nil, 0, err
		}
	}
	return f, count, nil
}

// Config returns the effective configuration.
func (f *Factory) Config() Config { return f.cfg }

// Current returns the write target.
func (f *Factory) Current() *Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[len(f.active)-1]
}

// Head returns the oldest active segment.
func (f *Factory) Head() *Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[0]
}

// Rotate switches the write target to a reused inactive segment or to a
// newly created one. It fails with ErrQueueOverflow when creating a
// segment would take the reserved bytes over MaxBytes.
func (f *Factory) Rotate() (*Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.rotateLocked()
}

func (f *Factory) rotateLocked() (*Segment, error) {
	for i, s := range f.inactive {
		if s.Pinned() {
			continue
		}
		if s.dirty {
			if err := s.Recycle(); err != nil {
				return nil, err
			}
			f.recycles.Add(1)
		}
		old := s.name
		if err := s.rename(f.cfg.Dir, f.nextSeq); err != nil {
			logging.Error("failed to rename reused segment", logging.F("segment", old, "error", err.Error()))
			return nil, err
		}
		f.nextSeq++
		f.inactive = slices.Delete(f.inactive, i, i+1)
		f.active = append(f.active, s)
		f.rotations.Add(1)
		logging.Debug("reusing inactive segment", logging.F("segment", s.name, "previous", old, "active", len(f.active), "inactive", len(f.inactive)))
		return s, nil
	}

	reserved := f.reservedLocked()
	if reserved+f.cfg.SegmentSize > f.cfg.MaxBytes {
		f.overflows.Add(1)
		logging.Warn("segment allocation would exceed max bytes", logging.F(
			"reserved_bytes", reserved,
			"segment_size", f.cfg.SegmentSize,
			"max_bytes", f.cfg.MaxBytes,
		))
		return nil, fmt.Errorf("%w: reserved %d + segment %d > max %d", ErrQueueOverflow, reserved, f.cfg.SegmentSize, f.cfg.MaxBytes)
	}

	s, err := create(f.cfg.Dir, f.nextSeq, f.cfg.SegmentSize, f.mapper)
	if err != nil {
		logging.Error("failed to create segment", logging.F("dir", f.cfg.Dir, "seq", f.nextSeq, "error", err.Error()))
		return nil, err
	}
	f.nextSeq++
	f.active = append(f.active, s)
	f.created.Add(1)
	f.rotations.Add(1)
	logging.Debug("created segment", logging.F("segment", s.name, "active", len(f.active), "reserved_bytes", f.reservedLocked()))
	return s, nil
}

// Advance retires the head segment when it is exhausted and is not the
// only active segment. It reports whether a segment was retired.
func (f *Factory) Advance() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	if len(f.active) <= 1 {
		return false, nil
	}
	head := f.active[0]
	if head.HasUnreadData() {
		return false, nil
	}
	f.active = slices.Delete(f.active, 0, 1)
	return true, f.retireLocked(head, true)
}

// retireLocked moves s out of the active list. counted reports whether s
// was still included in the reserved bytes when the caller removed it.
func (f *Factory) retireLocked(s *Segment, counted bool) error {
	reserved := f.reservedLocked()
	if counted {
		reserved += f.cfg.SegmentSize
	}
	switch {
	case s.Pinned():
		s.dirty = true
		f.inactive = append(f.inactive, s)
		logging.Debug("parked pinned segment", logging.F("segment", s.name))
		return nil
	case reserved > f.cfg.MaxBytes || f.inactiveFullLocked():
		return f.discardLocked(s)
	default:
		if err := s.Recycle(); err != nil {
			return err
		}
		f.recycles.Add(1)
		f.inactive = append(f.inactive, s)
		return nil
	}
}

func (f *Factory) inactiveFullLocked() bool {
	return f.cfg.MaxInactiveSegments > 0 && len(f.inactive) >= f.cfg.MaxInactiveSegments
}

func (f *Factory) discardLocked(s *Segment) error {
	if err := s.Discard(); err != nil {
		logging.Error("failed to discard segment", logging.F("segment", s.name, "error", err.Error()))
		return err
	}
	f.discards.Add(1)
	logging.Debug("discarded segment", logging.F("segment", s.name, "reserved_bytes", f.reservedLocked()))
	return nil
}

// Snapshot returns the active segments in read order, each pinned. Every
// segment must be handed back through Release.
func (f *Factory) Snapshot() []*Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Segment, len(f.active))
	copy(out, f.active)
	for _, s := range out {
		s.Pin()
	}
	return out
}

// Release drops one pin on s. A retired segment that becomes unpinned is
// recycled or discarded on the spot.
func (f *Factory) Release(s *Segment) error {
	s.Unpin()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || s.Pinned() || !s.dirty {
		return nil
	}
	i := slices.Index(f.inactive, s)
	if i < 0 {
		return nil
	}
	f.inactive = slices.Delete(f.inactive, i, i+1)
	return f.retireLocked(s, true)
}

// Reset empties the queue: every active segment but the current one is
// recycled into the inactive pool and the current one is recycled in
// place. Pinned segments are recycled too; iterators detect it through
// the generation change.
func (f *Factory) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	var errs []error
	current := f.active[len(f.active)-1]
	for _, s := range f.active[:len(f.active)-1] {
		if err := s.Recycle(); err != nil {
			errs = append(errs, err)
		}
		f.recycles.Add(1)
		f.inactive = append(f.inactive, s)
	}
	if err := current.Recycle(); err != nil {
		errs = append(errs, err)
	}
	f.recycles.Add(1)
	f.active = []*Segment{current}

	for f.inactiveFullLocked() || f.reservedLocked() > f.cfg.MaxBytes {
		i := slices.IndexFunc(f.inactive, func(s *Segment) bool { return !s.Pinned() })
		if i < 0 {
			break
		}
		s := f.inactive[i]
		f.inactive = slices.Delete(f.inactive, i, i+1)
		if err := f.discardLocked(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReservedBytes returns (active + inactive) * SegmentSize.
func (f *Factory) ReservedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reservedLocked()
}

func (f *Factory) reservedLocked() int64 {
	return int64(len(f.active)+len(f.inactive)) * f.cfg.SegmentSize
}

// Stats returns a snapshot of the factory counters.
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Stats{
		ActiveSegments:   len(f.active),
		InactiveSegments: len(f.inactive),
		ReservedBytes:    f.reservedLocked(),
		MaxBytes:         f.cfg.MaxBytes,
		SegmentSize:      f.cfg.SegmentSize,
		Created:          f.created.Load(),
		Rotations:        f.rotations.Load(),
		Recycles:         f.recycles.Load(),
		Discards:         f.discards.Load(),
		Overflows:        f.overflows.Load(),
	}
	if len(f.active) > 0 {
		st.CurrentSegment = f.active[len(f.active)-1].name
	}
	for _, s := range f.active {
		if s.Pinned() {
			st.PinnedSegments++
		}
	}
	for _, s := range f.inactive {
		if s.Pinned() {
			st.PinnedSegments++
		}
	}
	return st
}

// SyncSegments msyncs every active segment.
func (f *Factory) SyncSegments() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	var errs []error
	for _, s := range f.active {
		if err := s.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close writes a final manifest and unmaps every segment, keeping the
// files for the next Open. The caller must hold both queue locks.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	m := f.captureLocked()
	f.closed = true
	f.mu.Unlock()

	var errs []error
	if err := f.closeSegments(); err != nil {
		errs = append(errs, err)
	}
	if err := f.WriteManifest(m); err != nil {
		errs = append(errs, fmt.Errorf("failed to write manifest: %w", err))
	}
	return errors.Join(errs...)
}

func (f *Factory) closeSegments() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, s := range f.active {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range f.inactive {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
