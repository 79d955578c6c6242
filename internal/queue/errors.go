package queue

import (
	"errors"

	"github.com/szibis/diskqueue/internal/segment"
)

var (
	// ErrQueueClosed is returned by every operation after Close.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrNilElement is returned when a nil pointer, map, slice,
	// interface, channel or func is offered.
	ErrNilElement = errors.New("nil element")
	// ErrMissingDirectory is returned when the queue directory does not
	// exist.
	ErrMissingDirectory = errors.New("queue directory does not exist")
	// ErrMissingCodec is returned when New is called without a codec.
	ErrMissingCodec = errors.New("no element codec configured")
	// ErrNoCurrent is returned by Iterator.Remove before the first Next
	// or after the iterator ended.
	ErrNoCurrent = errors.New("iterator has no current element")

	// ErrQueueOverflow is returned when the byte budget is exhausted.
	ErrQueueOverflow = segment.ErrQueueOverflow
	// ErrElementTooLarge is returned for elements no segment can hold.
	ErrElementTooLarge = segment.ErrElementTooLarge
)
