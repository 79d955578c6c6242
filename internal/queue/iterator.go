package queue

import (
	"errors"
	"fmt"

	"github.com/szibis/diskqueue/internal/segment"
)

// cursor walks a pinned snapshot of the active segments. It sees entries
// appended to those segments after the snapshot, but not segments
// created after it.
type cursor struct {
	q       queueAccess
	segs    []*segment.Segment
	gens    []uint64
	idx     int
	pos     int
	err     error
	relErr  error
	done    bool
	current struct {
		seg    *segment.Segment
		gen    uint64
		offset int
		ok     bool
	}
}

// queueAccess is the part of Queue a cursor needs, free of the element
// type.
type queueAccess interface {
	readLock()
	readUnlock()
	isClosed() bool
	release(*segment.Segment) error
	removeAt(seg *segment.Segment, gen uint64, offset int) (bool, error)
}

func (q *Queue[E]) readLock()      { q.readMu.Lock() }
func (q *Queue[E]) readUnlock()    { q.readMu.Unlock() }
func (q *Queue[E]) isClosed() bool { return q.closed.Load() }

func (q *Queue[E]) release(s *segment.Segment) error {
	return q.factory.Release(s)
}

// removeAt tombstones the entry at offset if it is still live and not yet
// consumed, and decrements the count when it did. Every logical delete
// goes through here.
func (q *Queue[E]) removeAt(seg *segment.Segment, gen uint64, offset int) (bool, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()
	if q.closed.Load() {
		return false, ErrQueueClosed
	}
	if seg.Generation() != gen || offset < seg.ReadPosition() {
		return false, nil
	}
	changed, err := seg.MarkDeleted(offset)
	if err != nil || !changed {
		return false, err
	}
	q.count.Add(-1)
	q.iterRemoves.Add(1)
	return true, nil
}

func (q *Queue[E]) rawIterator() (*cursor, error) {
	q.lockAll()
	defer q.unlockAll()
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	segs := q.factory.Snapshot()
	c := &cursor{q: q, segs: segs, gens: make([]uint64, len(segs))}
	for i, s := range segs {
		c.gens[i] = s.Generation()
	}
	return c, nil
}

// next returns the next live payload.
func (c *cursor) next() ([]byte, bool) {
	if c.done {
		return nil, false
	}
	c.q.readLock()
	defer c.q.readUnlock()

	c.current.ok = false
	if c.q.isClosed() {
		c.fail(ErrQueueClosed)
		return nil, false
	}
	for c.idx < len(c.segs) {
		seg := c.segs[c.idx]
		if seg.Generation() != c.gens[c.idx] {
			// Recycled by Clear: nothing left to see in it.
			c.releaseFront()
			continue
		}
		pos := max(c.pos, seg.ReadPosition())
		e, ok, err := seg.EntryAt(pos)
		if err != nil {
			c.fail(fmt.Errorf("iterate %s: %w", seg.Name(), err))
			return nil, false
		}
		if !ok {
			c.releaseFront()
			continue
		}
		c.pos = e.Next()
		if e.Deleted {
			continue
		}
		c.current.seg = seg
		c.current.gen = c.gens[c.idx]
		c.current.offset = e.Offset
		c.current.ok = true
		return e.Payload, true
	}
	c.done = true
	return nil, false
}

func (c *cursor) releaseFront() {
	if err := c.q.release(c.segs[c.idx]); err != nil {
		if c.err == nil {
			c.err = err
		}
		if c.relErr == nil {
			c.relErr = err
		}
	}
	c.segs[c.idx] = nil
	c.idx++
	c.pos = 0
}

func (c *cursor) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.releaseRest()
}

func (c *cursor) releaseRest() {
	for c.idx < len(c.segs) {
		c.releaseFront()
	}
	c.done = true
	c.current.ok = false
}

// remove deletes the entry last returned by next.
func (c *cursor) remove() (bool, error) {
	if !c.current.ok {
		return false, ErrNoCurrent
	}
	c.current.ok = false
	return c.q.removeAt(c.current.seg, c.current.gen, c.current.offset)
}

// close releases what is still pinned and reports the first release
// failure once.
func (c *cursor) close() error {
	if !c.done || c.idx < len(c.segs) {
		c.releaseRest()
	}
	err := c.relErr
	c.relErr = nil
	return err
}

// Iterator is a forward-only view over the elements queued when it was
// created. It pins the segments it has yet to visit, so it must be
// closed; it is not safe for concurrent use.
//
//	it, err := q.Iterator()
//	if err != nil { ... }
//	defer it.Close()
//	for it.Next() {
//		use(it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[E any] struct {
	q   *Queue[E]
	c   *cursor
	val E
	err error
}

// Iterator snapshots the queue.
func (q *Queue[E]) Iterator() (*Iterator[E], error) {
	c, err := q.rawIterator()
	if err != nil {
		return nil, err
	}
	return &Iterator[E]{q: q, c: c}, nil
}

// Next advances to the next live element. Segments are released as the
// iterator leaves them, and all of them once Next returns false.
func (it *Iterator[E]) Next() bool {
	var zero E
	it.val = zero
	if it.err != nil {
		return false
	}
	payload, ok := it.c.next()
	if !ok {
		it.err = it.c.err
		return false
	}
	v, err := it.q.decode(payload)
	if err != nil {
		it.err = err
		it.c.releaseRest()
		return false
	}
	it.val = v
	return true
}

// Value returns the element Next moved to.
func (it *Iterator[E]) Value() E { return it.val }

// Err returns the error that ended the iteration, if any.
func (it *Iterator[E]) Err() error { return it.err }

// Remove deletes the element Next moved to from the queue. It returns
// false when that element was consumed, removed or cleared in the
// meantime.
func (it *Iterator[E]) Remove() (bool, error) {
	removed, err := it.c.remove()
	if err != nil && !errors.Is(err, ErrNoCurrent) && it.err == nil {
		it.err = err
	}
	return removed, err
}

// Close releases every segment the iterator still pins and returns the
// first error hit while releasing them. It is safe to call more than
// once.
func (it *Iterator[E]) Close() error {
	return it.c.close()
}
