// Package segment implements the fixed-size memory-mapped files that back
// the disk queue, and the factory that allocates, recycles and discards
// them under a byte budget.
//
// Entry layout, repeated from offset 0:
//
//	[4-byte big-endian int32 size][1-byte tombstone][size payload bytes]
//
// A size of -1 is the end-of-segment marker. Entries are never moved; the
// tombstone byte is the only thing rewritten in place.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	// EntryOverhead is the per-entry header size: length plus tombstone.
	EntryOverhead = sizeFieldLen + 1

	sizeFieldLen = 4
	// endMarker is the int32 -1 end-of-segment size, as stored on disk.
	endMarker uint32 = math.MaxUint32

	tombstoneLive    byte = 0
	tombstoneDeleted byte = 0xFF

	minSegmentSize = 16
	fileSuffix     = ".db"
	filePrefix     = "segment-"
)

// Entry is one decoded entry header, with its payload when live.
type Entry struct {
	Offset  int
	Size    int
	Deleted bool
	Payload []byte
}

// Next returns the offset of the entry following e.
func (e Entry) Next() int {
	return e.Offset + EntryOverhead + e.Size
}

// Segment is one mapped file.
//
// The write position is only advanced by the holder of the queue write
// lock and is published atomically after the entry bytes are in place,
// so any reader that loads it sees complete entries below it. The read
// position is only moved by the holder of the queue read lock, and by
// the factory when it recycles a segment no reader can reach.
type Segment struct {
	seq    uint64
	name   string
	path   string
	file   *os.File
	data   []byte
	mapper mapper

	write atomic.Int64
	read  atomic.Int64

	refs atomic.Int32
	gen  atomic.Uint64

	// dirty marks a retired segment that could not be recycled because an
	// iterator still pinned it.
	dirty bool
}

// FileName returns the file name used for the segment with sequence seq.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%016x%s", filePrefix, seq, fileSuffix)
}

// ParseFileName extracts the sequence number from a segment file name.
func ParseFileName(name string) (uint64, bool) {
	var seq uint64
	if len(name) != len(filePrefix)+16+len(fileSuffix) {
		return 0, false
	}
	if _, err := fmt.Sscanf(name, filePrefix+"%016x"+fileSuffix, &seq); err != nil {
		return 0, false
	}
	return seq, true
}

func validateSize(size int64) error {
	if size < minSegmentSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrSegmentTooSmall, size, minSegmentSize)
	}
	if size > math.MaxInt32 {
		return fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, size)
	}
	return nil
}

// create allocates a fresh segment file of size bytes in dir.
func create(dir string, seq uint64, size int64, m mapper) (*Segment, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	name := FileName(seq)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size segment file: %w", err)
	}
	data, err := m.Map(int(f.Fd()), int(size))
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to map segment file: %w", err)
	}

	s := &Segment{seq: seq, name: name, path: path, file: f, data: data, mapper: m}
	s.putEndMarker(0)
	return s, nil
}

// open maps an existing segment file and recovers its write position by
// walking entries up to the end marker.
func open(dir, name string, size int64, m mapper) (*Segment, error) {
	seq, ok := ParseFileName(name)
	if !ok {
		return nil, fmt.Errorf("not a segment file: %s", name)
	}
	if err := validateSize(size); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	if info.Size() != size {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrSizeMismatch, name, info.Size(), size)
	}
	data, err := m.Map(int(f.Fd()), int(size))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map segment file: %w", err)
	}

	s := &Segment{seq: seq, name: name, path: path, file: f, data: data, mapper: m}
	s.write.Store(int64(s.scanEnd()))
	return s, nil
}

// scanEnd walks entry headers from offset 0 and returns the offset of the
// first position that does not start a well-formed entry. A torn entry is
// cut off by writing the end marker over it.
func (s *Segment) scanEnd() int {
	pos := 0
	for pos+sizeFieldLen <= len(s.data) {
		raw := binary.BigEndian.Uint32(s.data[pos:])
		if raw == endMarker {
			return pos
		}
		size := int32(raw)
		next := pos + EntryOverhead + int(size)
		if size < 0 || next > len(s.data) {
			s.putEndMarker(pos)
			return pos
		}
		pos = next
	}
	return pos
}

// rename moves the file to the name for seq. A reused segment takes a
// fresh sequence number so a stale manifest cannot mistake its new
// content for the old one.
func (s *Segment) rename(dir string, seq uint64) error {
	name := FileName(seq)
	path := filepath.Join(dir, name)
	if err := os.Rename(s.path, path); err != nil {
		return fmt.Errorf("failed to rename segment %s: %w", s.name, err)
	}
	s.seq, s.name, s.path = seq, name, path
	return nil
}

// Name returns the segment file name.
func (s *Segment) Name() string { return s.name }

// Seq returns the segment sequence number.
func (s *Segment) Seq() uint64 { return s.seq }

// Capacity returns the mapped size in bytes.
func (s *Segment) Capacity() int { return len(s.data) }

// WritePosition returns the published write position.
func (s *Segment) WritePosition() int { return int(s.write.Load()) }

// ReadPosition returns the consumer cursor. Requires the read lock.
func (s *Segment) ReadPosition() int { return int(s.read.Load()) }

// Generation is bumped every time the segment is recycled.
func (s *Segment) Generation() uint64 { return s.gen.Load() }

// Remaining returns the bytes left after the write position.
func (s *Segment) Remaining() int { return len(s.data) - s.WritePosition() }

// HasCapacityFor reports whether a payload of size bytes fits.
func (s *Segment) HasCapacityFor(size int) bool {
	return size+EntryOverhead <= s.Remaining()
}

// HasUnreadData reports whether the consumer cursor is behind the writer.
func (s *Segment) HasUnreadData() bool {
	return s.HasUnreadDataAt(s.ReadPosition())
}

// HasUnreadDataAt reports whether pos is behind the writer.
func (s *Segment) HasUnreadDataAt(pos int) bool {
	return pos < s.WritePosition()
}

// Pin marks the segment as held by an iterator.
func (s *Segment) Pin() { s.refs.Add(1) }

// Unpin releases one Pin.
func (s *Segment) Unpin() {
	if s.refs.Add(-1) < 0 {
		panic("segment: unpin without pin")
	}
}

// Pinned reports whether any iterator still holds the segment.
func (s *Segment) Pinned() bool { return s.refs.Load() > 0 }

func (s *Segment) putEndMarker(pos int) {
	binary.BigEndian.PutUint32(s.data[pos:], endMarker)
}

// Append writes payload as a live entry at the write position and
// returns the entry offset. Requires the write lock.
func (s *Segment) Append(payload []byte) (int, error) {
	if s.data == nil {
		return 0, ErrClosed
	}
	pos := s.WritePosition()
	if !s.HasCapacityFor(len(payload)) {
		return 0, ErrSegmentFull
	}

	binary.BigEndian.PutUint32(s.data[pos:], uint32(len(payload)))
	s.data[pos+sizeFieldLen] = tombstoneLive
	copy(s.data[pos+EntryOverhead:], payload)

	next := pos + EntryOverhead + len(payload)
	if len(s.data)-next >= sizeFieldLen {
		s.putEndMarker(next)
	}
	s.write.Store(int64(next))
	return pos, nil
}

// errEndMarker reports an end marker where an entry was expected.
var errEndMarker = errors.New("end of segment")

// EntryAt decodes the entry starting at pos. It returns ok == false when
// pos holds the end marker or is at or past the write position.
func (s *Segment) EntryAt(pos int) (Entry, bool, error) {
	e, err := s.entryAt(pos, s.WritePosition())
	if errors.Is(err, errEndMarker) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *Segment) entryAt(pos, limit int) (Entry, error) {
	if s.data == nil {
		return Entry{}, ErrClosed
	}
	if pos >= limit || pos+sizeFieldLen > len(s.data) {
		return Entry{}, errEndMarker
	}
	raw := binary.BigEndian.Uint32(s.data[pos:])
	if raw == endMarker {
		return Entry{}, errEndMarker
	}
	size := int32(raw)
	if size < 0 || pos+EntryOverhead+int(size) > limit {
		return Entry{}, fmt.Errorf("%w: %s offset %d size %d limit %d", ErrCorruptEntry, s.name, pos, size, limit)
	}

	e := Entry{Offset: pos, Size: int(size)}
	if s.data[pos+sizeFieldLen] != tombstoneLive {
		e.Deleted = true
		return e, nil
	}
	start := pos + EntryOverhead
	e.Payload = make([]byte, size)
	copy(e.Payload, s.data[start:start+int(size)])
	return e, nil
}

// ReadNext returns the next live payload and moves the read cursor past
// it, skipping tombstoned entries. ok is false once the cursor catches up
// with the writer. Requires the read lock.
func (s *Segment) ReadNext() (payload []byte, ok bool, err error) {
	limit := s.WritePosition()
	for pos := s.ReadPosition(); pos < limit; {
		e, err := s.entryAt(pos, limit)
		if errors.Is(err, errEndMarker) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		pos = e.Next()
		s.read.Store(int64(pos))
		if e.Deleted {
			continue
		}
		return e.Payload, true, nil
	}
	return nil, false, nil
}

// PeekNext returns the next live payload without moving the read cursor.
// Requires the read lock.
func (s *Segment) PeekNext() (payload []byte, ok bool, err error) {
	limit := s.WritePosition()
	for pos := s.ReadPosition(); pos < limit; {
		e, err := s.entryAt(pos, limit)
		if errors.Is(err, errEndMarker) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		pos = e.Next()
		if e.Deleted {
			continue
		}
		return e.Payload, true, nil
	}
	return nil, false, nil
}

// SkipDeleted moves the read cursor over leading tombstoned entries so an
// exhausted-but-for-tombstones segment reports no unread data. Requires
// the read lock.
func (s *Segment) SkipDeleted() error {
	limit := s.WritePosition()
	for pos := s.ReadPosition(); pos < limit; {
		e, err := s.entryAt(pos, limit)
		if errors.Is(err, errEndMarker) {
			return nil
		}
		if err != nil {
			return err
		}
		if !e.Deleted {
			return nil
		}
		pos = e.Next()
		s.read.Store(int64(pos))
	}
	return nil
}

// MarkDeleted tombstones the entry at pos. It only ever moves an entry
// from live to deleted and reports whether this call did so.
func (s *Segment) MarkDeleted(pos int) (bool, error) {
	e, err := s.entryAt(pos, s.WritePosition())
	if errors.Is(err, errEndMarker) {
		return false, fmt.Errorf("%w: no entry at offset %d", ErrCorruptEntry, pos)
	}
	if err != nil {
		return false, err
	}
	if e.Deleted {
		return false, nil
	}
	s.data[pos+sizeFieldLen] = tombstoneDeleted
	return true, nil
}

// SetReadPosition moves the read cursor during recovery. pos is rounded
// up to the next entry boundary and clamped to the write position.
func (s *Segment) SetReadPosition(pos int) {
	limit := s.WritePosition()
	cur := 0
	for cur < pos && cur < limit {
		e, err := s.entryAt(cur, limit)
		if err != nil {
			break
		}
		cur = e.Next()
	}
	if cur > limit {
		cur = limit
	}
	s.read.Store(int64(cur))
}

// LiveEntries calls fn for every live entry from the read cursor on and
// returns how many there were.
func (s *Segment) LiveEntries(fn func(payload []byte)) (int, error) {
	limit := s.WritePosition()
	n := 0
	for pos := s.ReadPosition(); pos < limit; {
		e, err := s.entryAt(pos, limit)
		if errors.Is(err, errEndMarker) {
			break
		}
		if err != nil {
			return n, err
		}
		pos = e.Next()
		if e.Deleted {
			continue
		}
		n++
		if fn != nil {
			fn(e.Payload)
		}
	}
	return n, nil
}

// Recycle empties the segment in place: both cursors go to zero and the
// end marker is written at offset 0. The generation is bumped so
// iterators holding the old content stop reading it.
func (s *Segment) Recycle() error {
	if s.data == nil {
		return ErrClosed
	}
	s.putEndMarker(0)
	s.read.Store(0)
	s.write.Store(0)
	s.gen.Add(1)
	s.dirty = false
	if err := s.mapper.Sync(s.data); err != nil {
		return fmt.Errorf("failed to sync recycled segment %s: %w", s.name, err)
	}
	return nil
}

// Sync flushes the mapped region to the file.
func (s *Segment) Sync() error {
	if s.data == nil {
		return ErrClosed
	}
	return s.mapper.Sync(s.data)
}

// Close syncs and unmaps the segment, keeping the file.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	var errs []error
	if err := s.mapper.Sync(s.data); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", s.name, err))
	}
	if err := s.mapper.Unmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("unmap %s: %w", s.name, err))
	}
	s.data = nil
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
	}
	return errors.Join(errs...)
}

// Discard unmaps the segment and deletes its file.
func (s *Segment) Discard() error {
	var errs []error
	if s.data != nil {
		if err := s.mapper.Unmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", s.name, err))
		}
		s.data = nil
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
		}
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove %s: %w", s.name, err))
	}
	return errors.Join(errs...)
}

func (s *Segment) String() string {
	return fmt.Sprintf("Segment(%s)", s.name)
}
