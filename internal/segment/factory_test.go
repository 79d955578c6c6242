package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestFactory(t *testing.T, cfg Config) *Factory {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	f, n, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Open() recovered %d entries from a fresh directory", n)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// fill appends payloads to the current segment, rotating as needed.
func fill(t *testing.T, f *Factory, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		cur := f.Current()
		if !cur.HasCapacityFor(len(p)) {
			var err error
			if cur, err = f.Rotate(); err != nil {
				t.Fatalf("Rotate() error = %v", err)
			}
		}
		if _, err := cur.Append([]byte(p)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

// drain reads everything reachable from the head, advancing as needed.
func drain(t *testing.T, f *Factory) []string {
	t.Helper()
	var out []string
	for {
		p, ok, err := f.Head().ReadNext()
		if err != nil {
			t.Fatalf("ReadNext() error = %v", err)
		}
		if ok {
			out = append(out, string(p))
			continue
		}
		advanced, err := f.Advance()
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if !advanced {
			return out
		}
	}
}

func TestOpenValidation(t *testing.T) {
	if _, _, err := Open(Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil); err == nil {
		t.Error("Open() on a missing directory should fail")
	}
	if _, _, err := Open(Config{Dir: t.TempDir(), SegmentSize: 4}, nil); !errors.Is(err, ErrSegmentTooSmall) {
		t.Errorf("Open() error = %v, want ErrSegmentTooSmall", err)
	}
	if _, _, err := Open(Config{Dir: t.TempDir(), SegmentSize: 64, MaxBytes: 32}, nil); err == nil {
		t.Error("Open() with MaxBytes < SegmentSize should fail")
	}
}

func TestOpenDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.SegmentSize != 128<<20 || cfg.MaxBytes != 40<<30 {
		t.Errorf("defaults = %d/%d", cfg.SegmentSize, cfg.MaxBytes)
	}
}

func TestFactoryRotationAndFIFO(t *testing.T) {
	// 10-byte payloads take 15 bytes; a 64-byte segment holds 4.
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 64 * 10})

	var want []string
	for i := 0; i < 10; i++ {
		want = append(want, fmt.Sprintf("payload-%02d", i))
	}
	fill(t, f, want...)

	st := f.Stats()
	if st.ActiveSegments != 3 || st.InactiveSegments != 0 {
		t.Fatalf("Stats() = %+v, want 3 active", st)
	}
	if st.ReservedBytes != 3*64 {
		t.Errorf("ReservedBytes = %d, want %d", st.ReservedBytes, 3*64)
	}
	if st.CurrentSegment != FileName(2) {
		t.Errorf("CurrentSegment = %q, want %q", st.CurrentSegment, FileName(2))
	}

	got := drain(t, f)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("drained %v, want %v", got, want)
	}

	st = f.Stats()
	if st.ActiveSegments != 1 || st.InactiveSegments != 2 {
		t.Errorf("after drain Stats() = %+v, want 1 active 2 inactive", st)
	}
	if st.Recycles != 2 {
		t.Errorf("Recycles = %d, want 2", st.Recycles)
	}
}

func TestFactoryReusesInactive(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 64 * 10})
	fill(t, f, "aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc", "dddddddddd", "eeeeeeeeee")
	drain(t, f)
	created := f.Stats().Created

	fill(t, f, "ffffffffff", "gggggggggg", "hhhhhhhhhh", "iiiiiiiiii")
	st := f.Stats()
	if st.Created != created {
		t.Errorf("Created went from %d to %d; inactive segment should be reused", created, st.Created)
	}
	if st.InactiveSegments != 0 || st.ActiveSegments != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestFactoryOverflow(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 128})
	fill(t, f, "0123456789", "0123456789", "0123456789", "0123456789")
	fill(t, f, "0123456789", "0123456789", "0123456789", "0123456789")

	_, err := f.Rotate()
	if !errors.Is(err, ErrQueueOverflow) {
		t.Fatalf("Rotate() error = %v, want ErrQueueOverflow", err)
	}
	st := f.Stats()
	if st.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", st.Overflows)
	}
	if st.ReservedBytes > st.MaxBytes {
		t.Errorf("ReservedBytes %d exceeds MaxBytes %d", st.ReservedBytes, st.MaxBytes)
	}
}

func TestFactoryNeverRetiresSoleSegment(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 640})
	fill(t, f, "x")
	drain(t, f)
	advanced, err := f.Advance()
	if err != nil || advanced {
		t.Fatalf("Advance() = %v, %v on the sole segment", advanced, err)
	}
	if f.Stats().ActiveSegments != 1 {
		t.Error("sole active segment was retired")
	}
}

func TestFactoryAdvanceKeepsUnreadHead(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 640})
	fill(t, f, "0123456789", "0123456789", "0123456789", "0123456789", "0123456789")
	advanced, err := f.Advance()
	if err != nil || advanced {
		t.Fatalf("Advance() = %v, %v with unread head", advanced, err)
	}
}

func TestFactoryMaxInactiveDiscards(t *testing.T) {
	dir := t.TempDir()
	f := newTestFactory(t, Config{Dir: dir, SegmentSize: 64, MaxBytes: 640, MaxInactiveSegments: 1})
	for i := 0; i < 12; i++ {
		fill(t, f, "0123456789")
	}
	drain(t, f)

	st := f.Stats()
	if st.InactiveSegments != 1 || st.Discards != 1 {
		t.Fatalf("Stats() = %+v, want 1 inactive 1 discard", st)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "segment-*.db"))
	if len(files) != 2 {
		t.Errorf("found %d segment files, want 2", len(files))
	}
}

func TestFactoryPinnedSegmentsAreParked(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 64 * 3})
	fill(t, f, "0123456789", "0123456789", "0123456789", "0123456789", "0123456789")

	snap := f.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d segments, want 2", len(snap))
	}
	head := snap[0]
	gen := head.Generation()

	drain(t, f)
	if head.Generation() != gen {
		t.Fatal("pinned segment was recycled")
	}
	if st := f.Stats(); st.InactiveSegments != 1 || st.PinnedSegments != 2 {
		t.Fatalf("Stats() = %+v, want the pinned head parked", st)
	}

	// A parked segment is skipped when rotating.
	fill(t, f, "0123456789", "0123456789", "0123456789", "0123456789")
	if head.Generation() != gen {
		t.Fatal("parked segment reused while pinned")
	}
	if st := f.Stats(); st.ActiveSegments != 2 || st.Created != 3 {
		t.Fatalf("Stats() = %+v, want a new segment created", st)
	}

	for _, s := range snap {
		if err := f.Release(s); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}
	if head.Generation() != gen+1 {
		t.Errorf("released parked segment should be recycled, generation %d", head.Generation())
	}
	if st := f.Stats(); st.PinnedSegments != 0 {
		t.Errorf("PinnedSegments = %d after release", st.PinnedSegments)
	}
}

func TestFactoryReset(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 640})
	fill(t, f, "0123456789", "0123456789", "0123456789", "0123456789", "0123456789", "0123456789")
	current := f.Current()

	snap := f.Snapshot()
	gens := make([]uint64, len(snap))
	for i, s := range snap {
		gens[i] = s.Generation()
	}

	if err := f.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	st := f.Stats()
	if st.ActiveSegments != 1 || st.InactiveSegments != 1 {
		t.Errorf("Stats() = %+v, want 1 active 1 inactive", st)
	}
	if f.Current() != current {
		t.Error("Reset() should keep the current segment as write target")
	}
	if current.WritePosition() != 0 {
		t.Errorf("current WritePosition() = %d after Reset()", current.WritePosition())
	}
	for i, s := range snap {
		if s.Generation() == gens[i] {
			t.Errorf("segment %s generation unchanged by Reset()", s.Name())
		}
		f.Release(s)
	}
	if got := drain(t, f); len(got) != 0 {
		t.Errorf("drained %v after Reset()", got)
	}
}

func TestFactoryCloseIsIdempotent(t *testing.T) {
	f := newTestFactory(t, Config{SegmentSize: 64, MaxBytes: 640})
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := f.Rotate(); !errors.Is(err, ErrClosed) {
		t.Errorf("Rotate() after Close() error = %v, want ErrClosed", err)
	}
	if _, err := os.Stat(filepath.Join(f.Config().Dir, ManifestFileName)); err != nil {
		t.Errorf("Close() should leave a manifest: %v", err)
	}
}
