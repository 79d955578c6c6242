// Package codec defines how queue elements are turned into segment payloads.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec encodes elements into payload bytes and back.
//
// Size must return the encoded length, or an upper bound of it, without
// encoding. The queue uses it to reject elements that can never fit into
// a segment before paying for encoding.
type Codec[E any] interface {
	Encode(e E) ([]byte, error)
	Decode(data []byte) (E, error)
	Size(e E) int
}

// Bounded is implemented by codecs whose Size is only an upper bound of
// the encoded length.
type Bounded interface {
	SizeIsBound() bool
}

// ExactSize reports whether c.Size returns the exact encoded length, so
// an oversized result can reject an element without encoding it.
func ExactSize(c any) bool {
	b, ok := c.(Bounded)
	return !ok || !b.SizeIsBound()
}

// String stores strings as their raw UTF-8 bytes.
type String struct{}

func (String) Encode(s string) ([]byte, error)    { return []byte(s), nil }
func (String) Decode(data []byte) (string, error) { return string(data), nil }
func (String) Size(s string) int                  { return len(s) }

// Bytes stores byte slices unchanged.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }

// Decode returns data as is. Segments hand out copies, so the slice is
// owned by the caller.
func (Bytes) Decode(data []byte) ([]byte, error) { return data, nil }
func (Bytes) Size(b []byte) int                  { return len(b) }

// Proto stores protobuf messages in their wire format.
type Proto[M proto.Message] struct {
	newMessage func() M
}

// NewProto returns a codec for messages created by newMessage.
func NewProto[M proto.Message](newMessage func() M) *Proto[M] {
	return &Proto[M]{newMessage: newMessage}
}

func (p *Proto[M]) Encode(m M) ([]byte, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func (p *Proto[M]) Decode(data []byte) (M, error) {
	m := p.newMessage()
	if err := proto.Unmarshal(data, m); err != nil {
		var zero M
		return zero, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}

func (p *Proto[M]) Size(m M) int {
	return proto.Size(m)
}

// JSON stores elements as JSON documents. Size has to encode, so prefer
// a dedicated codec on hot paths.
type JSON[E any] struct{}

func (JSON[E]) Encode(e E) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal element: %w", err)
	}
	return data, nil
}

func (JSON[E]) Decode(data []byte) (E, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("failed to unmarshal element: %w", err)
	}
	return e, nil
}

func (JSON[E]) Size(e E) int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}
