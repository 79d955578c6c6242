package codec

import (
	"bytes"
	"strings"
	"testing"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/proto"
)

func TestStringCodec(t *testing.T) {
	var c String
	data, err := c.Encode("hello")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if c.Size("hello") != len(data) {
		t.Errorf("Size() = %d, encoded %d bytes", c.Size("hello"), len(data))
	}
	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("Decode() = %q, want %q", got, "hello")
	}
}

func TestProtoCodec(t *testing.T) {
	c := NewProto(func() *colmetricspb.ExportMetricsServiceRequest {
		return &colmetricspb.ExportMetricsServiceRequest{}
	})

	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{SchemaUrl: "https://example.com/schema"},
		},
	}

	data, err := c.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if c.Size(req) != len(data) {
		t.Errorf("Size() = %d, encoded %d bytes", c.Size(req), len(data))
	}

	got, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !proto.Equal(req, got) {
		t.Errorf("Decode() = %v, want %v", got, req)
	}
}

func TestProtoCodecDecodeGarbage(t *testing.T) {
	c := NewProto(func() *colmetricspb.ExportMetricsServiceRequest {
		return &colmetricspb.ExportMetricsServiceRequest{}
	})
	if _, err := c.Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestJSONCodec(t *testing.T) {
	type job struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	var c JSON[job]

	in := job{ID: 7, Name: "reindex"}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if c.Size(in) != len(data) {
		t.Errorf("Size() = %d, encoded %d bytes", c.Size(in), len(data))
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out != in {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
}

func TestCompressedCodec(t *testing.T) {
	payload := []byte(strings.Repeat("compressible payload ", 200))

	for _, kind := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(string(kind), func(t *testing.T) {
			c, err := NewCompressed[[]byte](Bytes{}, kind)
			if err != nil {
				t.Fatalf("NewCompressed() error = %v", err)
			}
			defer c.Close()

			data, err := c.Encode(payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(data) > c.Size(payload) {
				t.Errorf("encoded %d bytes, Size() bound %d", len(data), c.Size(payload))
			}
			if kind != CompressionNone && len(data) >= len(payload) {
				t.Errorf("expected compression, got %d >= %d", len(data), len(payload))
			}

			out, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Error("Decode() did not restore payload")
			}
		})
	}
}

func TestExactSize(t *testing.T) {
	for _, kind := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		c, err := NewCompressed[string](String{}, kind)
		if err != nil {
			t.Fatalf("NewCompressed(%s) error = %v", kind, err)
		}
		if got, want := ExactSize(c), kind == CompressionNone; got != want {
			t.Errorf("ExactSize(%s) = %v, want %v", kind, got, want)
		}
		c.Close()
	}
	if !ExactSize(String{}) || !ExactSize(&Proto[*colmetricspb.ExportMetricsServiceRequest]{}) {
		t.Error("plain codecs report exact sizes")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"S2", CompressionS2, false},
		{"snappy", CompressionS2, false},
		{" zstd ", CompressionZstd, false},
		{"lz4", CompressionNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCompression(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCompression(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestZstdBoundNeverShrinks(t *testing.T) {
	for _, n := range []int{0, 1, 100, 128 << 10, 1 << 20} {
		if zstdBound(n) < n {
			t.Errorf("zstdBound(%d) = %d, want >= %d", n, zstdBound(n), n)
		}
	}
}
