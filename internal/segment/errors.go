package segment

import "errors"

var (
	// ErrQueueOverflow is returned when allocating another segment would
	// exceed the configured byte budget.
	ErrQueueOverflow = errors.New("queue overflow: increase the max bytes or drain the queue")
	// ErrSegmentFull is returned by Append when the entry does not fit.
	ErrSegmentFull = errors.New("segment is full")
	// ErrElementTooLarge is returned for payloads no segment can hold.
	ErrElementTooLarge = errors.New("element larger than segment")
	// ErrCorruptEntry is returned when an entry header is inconsistent
	// with the segment bounds.
	ErrCorruptEntry = errors.New("corrupt segment entry")
	// ErrSegmentTooSmall is returned for segment sizes that cannot hold
	// a single entry header plus the end marker.
	ErrSegmentTooSmall = errors.New("segment size too small")
	// ErrSegmentTooLarge is returned for segment sizes that overflow the
	// 4-byte entry length field.
	ErrSegmentTooLarge = errors.New("segment size exceeds 2GiB")
	// ErrSizeMismatch is returned on recovery when segment files do not
	// match the configured segment size.
	ErrSizeMismatch = errors.New("segment size mismatch")
	// ErrClosed is returned when a closed segment or factory is used.
	ErrClosed = errors.New("segment closed")
)
