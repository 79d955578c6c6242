package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/diskqueue/internal/codec"
)

func TestLeakCheck_Queue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, err := New[string](Config{
		Dir:              t.TempDir(),
		SegmentSize:      perSegment(4),
		MetaSyncInterval: 5 * time.Millisecond,
	}, codec.String{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := q.Offer(testPayload); err != nil {
			t.Fatalf("Offer() error = %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		if _, err := q.Take(context.Background()); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
	}

	// A cancelled wait must not leave its AfterFunc behind.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Take(ctx); err == nil {
		t.Fatal("Take() on empty queue should time out")
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestLeakCheck_BlockedTakerOnClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, err := New[string](Config{Dir: t.TempDir(), SegmentSize: perSegment(4)}, codec.String{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Take(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	<-done
}

func TestLeakCheck_Iterator(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, err := New[string](Config{Dir: t.TempDir(), SegmentSize: perSegment(4), MetaSyncInterval: -1}, codec.String{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		q.Offer(testPayload)
	}
	it, err := q.Iterator()
	if err != nil {
		t.Fatalf("Iterator() error = %v", err)
	}
	it.Next()
	it.Close()
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
