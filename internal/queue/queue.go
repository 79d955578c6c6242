// Package queue implements a blocking FIFO queue whose elements live in
// memory-mapped segment files instead of on the Go heap.
//
// Producers and consumers are serialized by separate locks so an insert
// never waits for a removal. Operations that must see a single instant
// (Drain, Clear, Iterator, Close) take both, write lock first.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/diskqueue/internal/cardinality"
	"github.com/szibis/diskqueue/internal/codec"
	"github.com/szibis/diskqueue/internal/logging"
	"github.com/szibis/diskqueue/internal/segment"
)

// errCountMismatch means the live count says there is an element but no
// segment holds one.
var errCountMismatch = errors.New("live count does not match segment contents")

// Stats is a point-in-time view of the queue.
type Stats struct {
	segment.Stats

	Name   string
	ID     string
	Len    int64
	Closed bool

	Offers            uint64
	Removals          uint64
	IteratorRemovals  uint64
	DistinctPayloads  uint64
	MembershipAdds    int64
	MembershipFPRatio float64
}

// Queue is a disk-backed blocking FIFO of E.
type Queue[E any] struct {
	cfg     Config
	id      string
	codec   codec.Codec[E]
	factory *segment.Factory

	// exactSize is set when codec.Size can reject elements up front.
	exactSize bool

	writeMu  sync.Mutex
	readMu   sync.Mutex
	notEmpty *sync.Cond

	// count is the number of live entries between the read frontier and
	// the write position.
	count  atomic.Int64
	closed atomic.Bool

	membership *cardinality.Membership
	distinct   *cardinality.Distinct

	offers      atomic.Uint64
	removals    atomic.Uint64
	iterRemoves atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens the queue in cfg.Dir, recovering any elements left by a
// previous instance.
func New[E any](cfg Config, c codec.Codec[E]) (*Queue[E], error) {
	if c == nil {
		return nil, ErrMissingCodec
	}
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, ErrMissingDirectory
	}
	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("%w: %s", ErrMissingDirectory, cfg.Dir)
	case err != nil:
		return nil, fmt.Errorf("failed to stat queue directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingDirectory, cfg.Dir)
	}

	q := &Queue[E]{
		cfg:        cfg,
		id:         uuid.NewString(),
		codec:      c,
		exactSize:  codec.ExactSize(c),
		membership: cardinality.NewMembership(cfg.Membership),
		distinct:   cardinality.NewDistinct(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.readMu)

	factory, n, err := segment.Open(cfg.segmentConfig(), func(payload []byte) {
		q.membership.Add(payload)
		q.distinct.Add(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open segments: %w", err)
	}
	q.factory = factory
	q.count.Store(int64(n))

	if cfg.MetaSyncInterval > 0 {
		go q.syncLoop()
	} else {
		close(q.doneCh)
	}

	logging.Info("opened disk queue", logging.F(
		"queue", cfg.Name,
		"queue_id", q.id,
		"dir", cfg.Dir,
		"segment_size", cfg.SegmentSize,
		"max_bytes", cfg.MaxBytes,
		"recovered", n,
	))
	return q, nil
}

func (q *Queue[E]) lockAll() {
	q.writeMu.Lock()
	q.readMu.Lock()
}

func (q *Queue[E]) unlockAll() {
	q.readMu.Unlock()
	q.writeMu.Unlock()
}

// isNil reports whether e is a nil value of a nillable kind.
func isNil(e any) bool {
	v := reflect.ValueOf(e)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// encode validates and encodes e outside any lock.
func (q *Queue[E]) encode(e E) ([]byte, error) {
	if isNil(e) {
		return nil, ErrNilElement
	}
	limit := int(q.cfg.SegmentSize) - segment.EntryOverhead
	if q.exactSize {
		if size := q.codec.Size(e); size > limit {
			return nil, fmt.Errorf("%w: %d bytes, segment holds %d", ErrElementTooLarge, size, limit)
		}
	}
	payload, err := q.codec.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode element: %w", err)
	}
	if len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes, segment holds %d", ErrElementTooLarge, len(payload), limit)
	}
	return payload, nil
}

// Offer appends e to the tail. It never blocks on consumers; it fails
// with ErrQueueOverflow once the byte budget is used up.
func (q *Queue[E]) Offer(e E) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	payload, err := q.encode(e)
	if err != nil {
		return err
	}
	return q.insert(context.Background(), payload)
}

// Put is Offer for callers holding a context. Inserts never wait for
// space, so the context is only checked before and after taking the
// write lock.
func (q *Queue[E]) Put(ctx context.Context, e E) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}
	payload, err := q.encode(e)
	if err != nil {
		return err
	}
	return q.insert(ctx, payload)
}

// OfferTimeout behaves like Put. There is no capacity to wait for: an
// insert either succeeds at once or overflows.
func (q *Queue[E]) OfferTimeout(ctx context.Context, e E, _ time.Duration) error {
	return q.Put(ctx, e)
}

func (q *Queue[E]) insert(ctx context.Context, payload []byte) error {
	q.writeMu.Lock()
	if q.closed.Load() {
		q.writeMu.Unlock()
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		q.writeMu.Unlock()
		return err
	}

	seg := q.factory.Current()
	if !seg.HasCapacityFor(len(payload)) {
		var err error
		if seg, err = q.factory.Rotate(); err != nil {
			q.writeMu.Unlock()
			return err
		}
	}
	if _, err := seg.Append(payload); err != nil {
		q.writeMu.Unlock()
		return fmt.Errorf("failed to append to %s: %w", seg.Name(), err)
	}
	q.membership.Add(payload)
	q.distinct.Add(payload)
	prev := q.count.Add(1) - 1
	q.offers.Add(1)
	q.writeMu.Unlock()

	if prev == 0 {
		q.signalNotEmpty()
	}
	return nil
}

func (q *Queue[E]) signalNotEmpty() {
	q.readMu.Lock()
	q.notEmpty.Signal()
	q.readMu.Unlock()
}

// awaitLocked blocks until an element is available. Requires readMu.
// On cancellation the waiter passes its wakeup on before returning, so a
// signal meant for some consumer is not swallowed.
func (q *Queue[E]) awaitLocked(ctx context.Context) error {
	if q.count.Load() > 0 {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		q.readMu.Lock()
		q.notEmpty.Broadcast()
		q.readMu.Unlock()
	})
	defer stop()

	for q.count.Load() == 0 {
		if q.closed.Load() {
			return ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			q.notEmpty.Signal()
			return err
		}
		q.notEmpty.Wait()
	}
	return nil
}

// dequeueLocked takes the next live payload. Requires readMu and a
// positive count.
func (q *Queue[E]) dequeueLocked() ([]byte, error) {
	for {
		payload, ok, err := q.factory.Head().ReadNext()
		if err != nil {
			return nil, err
		}
		if ok {
			prev := q.count.Add(-1) + 1
			q.removals.Add(1)
			if prev > 1 {
				q.notEmpty.Signal()
			}
			return payload, nil
		}
		advanced, err := q.factory.Advance()
		if err != nil {
			return nil, err
		}
		if !advanced {
			logging.Error("queue count out of sync with segments", logging.F("queue", q.cfg.Name, "count", q.count.Load()))
			return nil, fmt.Errorf("%w: count %d", errCountMismatch, q.count.Load())
		}
	}
}

func (q *Queue[E]) decode(payload []byte) (E, error) {
	e, err := q.codec.Decode(payload)
	if err != nil {
		var zero E
		return zero, fmt.Errorf("failed to decode element: %w", err)
	}
	return e, nil
}

// Take removes the head, waiting for one to arrive until ctx is done.
func (q *Queue[E]) Take(ctx context.Context) (E, error) {
	var zero E
	q.readMu.Lock()
	if q.closed.Load() {
		q.readMu.Unlock()
		return zero, ErrQueueClosed
	}
	if err := q.awaitLocked(ctx); err != nil {
		q.readMu.Unlock()
		return zero, err
	}
	if q.closed.Load() {
		q.readMu.Unlock()
		return zero, ErrQueueClosed
	}
	payload, err := q.dequeueLocked()
	q.readMu.Unlock()
	if err != nil {
		return zero, err
	}
	return q.decode(payload)
}

// PollTimeout removes the head, waiting at most timeout for one. It
// returns ok == false without error when the timeout elapses first, and
// ctx.Err() when ctx itself ends the wait.
func (q *Queue[E]) PollTimeout(ctx context.Context, timeout time.Duration) (E, bool, error) {
	var zero E
	if timeout <= 0 {
		return q.Poll()
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q.readMu.Lock()
	if q.closed.Load() {
		q.readMu.Unlock()
		return zero, false, ErrQueueClosed
	}
	if err := q.awaitLocked(waitCtx); err != nil {
		q.readMu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, false, nil
		}
		return zero, false, err
	}
	if q.closed.Load() {
		q.readMu.Unlock()
		return zero, false, ErrQueueClosed
	}
	payload, err := q.dequeueLocked()
	q.readMu.Unlock()
	if err != nil {
		return zero, false, err
	}
	e, err := q.decode(payload)
	return e, err == nil, err
}

// Poll removes the head if there is one, without waiting.
func (q *Queue[E]) Poll() (E, bool, error) {
	var zero E
	q.readMu.Lock()
	if q.closed.Load() {
		q.readMu.Unlock()
		return zero, false, ErrQueueClosed
	}
	if q.count.Load() == 0 {
		q.readMu.Unlock()
		return zero, false, nil
	}
	payload, err := q.dequeueLocked()
	q.readMu.Unlock()
	if err != nil {
		return zero, false, err
	}
	e, err := q.decode(payload)
	return e, err == nil, err
}

// Peek returns the head without removing it.
func (q *Queue[E]) Peek() (E, bool, error) {
	var zero E
	q.readMu.Lock()
	defer q.readMu.Unlock()
	if q.closed.Load() {
		return zero, false, ErrQueueClosed
	}
	if q.count.Load() == 0 {
		return zero, false, nil
	}
	for {
		head := q.factory.Head()
		if err := head.SkipDeleted(); err != nil {
			return zero, false, err
		}
		payload, ok, err := head.PeekNext()
		if err != nil {
			return zero, false, err
		}
		if ok {
			e, err := q.decode(payload)
			return e, err == nil, err
		}
		advanced, err := q.factory.Advance()
		if err != nil {
			return zero, false, err
		}
		if !advanced {
			return zero, false, fmt.Errorf("%w: count %d", errCountMismatch, q.count.Load())
		}
	}
}

// DrainTo moves min(Len(), limit) elements into dst in FIFO order and
// returns how many were moved; pass math.MaxInt to drain everything.
// limit <= 0 moves nothing. On a decode error the elements moved so far
// stay in dst.
func (q *Queue[E]) DrainTo(dst *[]E, limit int) (int, error) {
	q.lockAll()
	defer q.unlockAll()
	if q.closed.Load() {
		return 0, ErrQueueClosed
	}

	if limit <= 0 {
		return 0, nil
	}
	n := min(int(q.count.Load()), limit)
	moved := 0
	for ; moved < n; moved++ {
		payload, err := q.dequeueLocked()
		if err != nil {
			return moved, err
		}
		e, err := q.decode(payload)
		if err != nil {
			return moved, err
		}
		*dst = append(*dst, e)
	}
	if q.count.Load() == 0 {
		q.membership.Reset()
	}
	return moved, nil
}

// Drain removes and returns up to limit elements, with the same limit
// semantics as DrainTo.
func (q *Queue[E]) Drain(limit int) ([]E, error) {
	var out []E
	_, err := q.DrainTo(&out, limit)
	return out, err
}

// Clear drops every element.
func (q *Queue[E]) Clear() error {
	q.lockAll()
	defer q.unlockAll()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	dropped := q.count.Swap(0)
	q.membership.Reset()
	q.distinct.Reset()
	if err := q.factory.Reset(); err != nil {
		return fmt.Errorf("failed to reset segments: %w", err)
	}
	logging.Info("cleared disk queue", logging.F("queue", q.cfg.Name, "dropped", dropped))
	return nil
}

// Remove deletes the oldest element equal to e, comparing encoded bytes.
func (q *Queue[E]) Remove(e E) (bool, error) {
	payload, err := q.encode(e)
	if err != nil {
		return false, err
	}
	if !q.membership.MayContain(payload) {
		return false, nil
	}
	it, err := q.rawIterator()
	if err != nil {
		return false, err
	}
	defer it.close()
	for {
		p, ok := it.next()
		if !ok {
			return false, it.err
		}
		if string(p) != string(payload) {
			continue
		}
		removed, err := it.remove()
		if err != nil || removed {
			return removed, err
		}
	}
}

// Contains reports whether an element equal to e is queued, comparing
// encoded bytes.
func (q *Queue[E]) Contains(e E) (bool, error) {
	payload, err := q.encode(e)
	if err != nil {
		return false, err
	}
	if !q.membership.MayContain(payload) {
		return false, nil
	}
	it, err := q.rawIterator()
	if err != nil {
		return false, err
	}
	defer it.close()
	for {
		p, ok := it.next()
		if !ok {
			return false, it.err
		}
		if string(p) == string(payload) {
			return true, nil
		}
	}
}

// Len returns the number of live elements.
func (q *Queue[E]) Len() int {
	return int(q.count.Load())
}

// RemainingCapacity is unbounded by element count; the byte budget is
// reported by Stats.
func (q *Queue[E]) RemainingCapacity() int {
	return math.MaxInt
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[E]) Stats() Stats {
	return Stats{
		Stats:             q.factory.Stats(),
		Name:              q.cfg.Name,
		ID:                q.id,
		Len:               q.count.Load(),
		Closed:            q.closed.Load(),
		Offers:            q.offers.Load(),
		Removals:          q.removals.Load(),
		IteratorRemovals:  q.iterRemoves.Load(),
		DistinctPayloads:  q.distinct.Estimate(),
		MembershipAdds:    q.membership.Adds(),
		MembershipFPRatio: q.membership.FalsePositiveRate(),
	}
}

// Name returns the configured queue name.
func (q *Queue[E]) Name() string { return q.cfg.Name }

// Sync persists the manifest and flushes active segments. A Sync that
// loses a race with Close never overwrites the manifest Close wrote.
func (q *Queue[E]) Sync() error {
	q.lockAll()
	if q.closed.Load() {
		q.unlockAll()
		return ErrQueueClosed
	}
	m := q.factory.Capture()
	if q.count.Load() == 0 {
		q.membership.Reset()
	}
	q.unlockAll()

	if err := q.factory.SyncSegments(); err != nil {
		if errors.Is(err, segment.ErrClosed) {
			return ErrQueueClosed
		}
		manifestSyncErrorsTotal.Inc()
		return err
	}
	if err := q.factory.WriteManifest(m); err != nil {
		manifestSyncErrorsTotal.Inc()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	manifestSyncTotal.Inc()
	return nil
}

func (q *Queue[E]) syncLoop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.cfg.MetaSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := q.Sync(); err != nil && !errors.Is(err, ErrQueueClosed) {
				logging.Warn("failed to sync queue manifest", logging.F("queue", q.cfg.Name, "error", err.Error()))
			}
		}
	}
}

// Close stops the sync loop, wakes blocked consumers with ErrQueueClosed
// and unmaps the segments. Elements stay on disk for the next New.
func (q *Queue[E]) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(q.stopCh)
	<-q.doneCh

	q.lockAll()
	q.notEmpty.Broadcast()
	err := q.factory.Close()
	q.unlockAll()

	logging.Info("closed disk queue", logging.F("queue", q.cfg.Name, "queue_id", q.id, "remaining", q.count.Load()))
	if err != nil {
		return fmt.Errorf("failed to close segments: %w", err)
	}
	return nil
}

func (q *Queue[E]) String() string {
	st := q.factory.Stats()
	return fmt.Sprintf("Queue(%s, len=%d, active=%d, inactive=%d, reserved=%d)",
		q.cfg.Name, q.count.Load(), st.ActiveSegments, st.InactiveSegments, st.ReservedBytes)
}
