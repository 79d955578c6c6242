package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/diskqueue/internal/codec"
	"github.com/szibis/diskqueue/internal/config"
	"github.com/szibis/diskqueue/internal/queue"
	"github.com/szibis/diskqueue/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.QueueDir = t.TempDir()
	cfg.QueueName = "test"
	cfg.QueueSegmentSize = 64 * 1024
	cfg.QueueMaxBytes = 16 * 64 * 1024
	cfg.QueueMetaSyncInterval = -1
	cfg.StatsAddr = ""
	return cfg
}

func openBytesQueue(t *testing.T, cfg *config.Config) *queue.Queue[[]byte] {
	t.Helper()
	q, closeQueue, err := openQueue[[]byte](cfg, codec.Bytes{})
	if err != nil {
		t.Fatalf("openQueue() error = %v", err)
	}
	t.Cleanup(func() { _ = closeQueue() })
	return q
}

func mustStatsServer(t *testing.T, cfg *config.Config, q *queue.Queue[[]byte]) *statsServer {
	t.Helper()
	srv, err := newStatsServer(cfg, q)
	if err != nil {
		t.Fatalf("newStatsServer() error = %v", err)
	}
	srv.handleQueue(q)
	return srv
}

func TestOpenQueueCompression(t *testing.T) {
	for _, compression := range []string{"none", "s2", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.QueueCompression = compression
			q, closeQueue, err := openQueue[[]byte](cfg, codec.Bytes{})
			if err != nil {
				t.Fatalf("openQueue() error = %v", err)
			}
			payload := bytes.Repeat([]byte("abc"), 100)
			if err := q.Offer(payload); err != nil {
				t.Fatalf("Offer() error = %v", err)
			}
			got, ok, err := q.Poll()
			if err != nil || !ok || !bytes.Equal(got, payload) {
				t.Errorf("Poll() = %d bytes, %v, %v", len(got), ok, err)
			}
			if err := closeQueue(); err != nil {
				t.Errorf("close error = %v", err)
			}
		})
	}
}

func TestOpenQueueInvalidCompression(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueCompression = "lz4"
	if _, _, err := openQueue[[]byte](cfg, codec.Bytes{}); err == nil {
		t.Error("openQueue() with unknown compression should fail")
	}
}

func TestQueueEndpoints(t *testing.T) {
	cfg := testConfig(t)
	q := openBytesQueue(t, cfg)
	srv := mustStatsServer(t, cfg, q)

	do := func(method, target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
		return rec
	}

	if rec := do(http.MethodGet, "/v1/queue", ""); rec.Code != http.StatusNoContent {
		t.Errorf("GET empty queue = %d, want 204", rec.Code)
	}
	for _, body := range []string{"first", "second"} {
		if rec := do(http.MethodPost, "/v1/queue", body); rec.Code != http.StatusAccepted {
			t.Fatalf("POST %q = %d", body, rec.Code)
		}
	}
	if rec := do(http.MethodGet, "/v1/queue/peek", ""); rec.Code != http.StatusOK || rec.Body.String() != "first" {
		t.Errorf("peek = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodGet, "/v1/queue?wait=10ms", ""); rec.Code != http.StatusOK || rec.Body.String() != "first" {
		t.Errorf("GET = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodGet, "/v1/queue?wait=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("GET with bad wait = %d, want 400", rec.Code)
	}
	if rec := do(http.MethodDelete, "/v1/queue", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rec.Code)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after DELETE", q.Len())
	}

	rec := do(http.MethodGet, "/stats", "")
	var st queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding /stats: %v", err)
	}
	if st.Name != "test" || st.Offers != 2 || st.Removals != 1 {
		t.Errorf("stats = %+v", st)
	}

	if rec := do(http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("ready = %d: %s", rec.Code, rec.Body.String())
	}
	srv.Stop(context.Background())
	if rec := do(http.MethodGet, "/live", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("live after Stop() = %d, want 503", rec.Code)
	}
}

func TestQueueEndpointErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSegmentSize = 64
	cfg.QueueMaxBytes = 128
	q := openBytesQueue(t, cfg)
	srv := mustStatsServer(t, cfg, q)

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader(strings.Repeat("x", 100))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized POST = %d, want 413", rec.Code)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec = httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader("x")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST after Close() = %d, want 503", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready after Close() = %d, want 503", rec.Code)
	}
}

func TestQueueEndpointsRequireAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.StatsAuthBearerToken = "s3cret"
	q := openBytesQueue(t, cfg)
	srv := mustStatsServer(t, cfg, q)

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader("x")))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("POST without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || q.Len() != 1 {
		t.Errorf("POST with token = %d, Len() = %d", rec.Code, q.Len())
	}

	rec = httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/stats without token = %d, want 200", rec.Code)
	}
}

func TestStatsServerTLSErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.StatsTLSEnabled = true
	cfg.StatsTLSCertFile = "/nonexistent/tls.crt"
	cfg.StatsTLSKeyFile = "/nonexistent/tls.key"
	q := openBytesQueue(t, cfg)
	if _, err := newStatsServer(cfg, q); err == nil {
		t.Error("newStatsServer() with missing certificates should fail")
	}
}

func TestWriteQueueError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{queue.ErrQueueOverflow, http.StatusInsufficientStorage},
		{queue.ErrElementTooLarge, http.StatusRequestEntityTooLarge},
		{queue.ErrQueueClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeQueueError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("writeQueueError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"250ms", 250 * time.Millisecond, false},
		{"5m", maxPollWait, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseWait(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseWait(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestBenchRequest(t *testing.T) {
	req := newBenchRequest(7, 25)
	if n := countDatapoints(req); n != 25 {
		t.Errorf("countDatapoints() = %d, want 25", n)
	}
	c := codec.NewProto(newExportRequest)
	data, err := c.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(data) > c.Size(req) {
		t.Errorf("encoded %d bytes, Size() = %d", len(data), c.Size(req))
	}
	decoded, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if countDatapoints(decoded) != 25 {
		t.Errorf("decoded request has %d datapoints", countDatapoints(decoded))
	}
}

func TestBenchHandler(t *testing.T) {
	done := make(chan struct{})
	h := &benchHandler{target: 2, done: func() { close(done) }}
	for i := 0; i < 2; i++ {
		if err := h.handle(context.Background(), newBenchRequest(i, 3)); err != nil {
			t.Fatalf("handle() error = %v", err)
		}
	}
	select {
	case <-done:
	default:
		t.Fatal("done not called after reaching target")
	}
	if h.datapoints.Load() != 6 {
		t.Errorf("datapoints = %d, want 6", h.datapoints.Load())
	}

	failing := &benchHandler{failureRate: 1, target: 1}
	if err := failing.handle(context.Background(), newBenchRequest(0, 1)); !errors.Is(err, errSimulatedFailure) {
		t.Errorf("handle() error = %v, want errSimulatedFailure", err)
	}
	if failing.failures.Load() != 1 || failing.handled.Load() != 0 {
		t.Errorf("failures/handled = %d/%d", failing.failures.Load(), failing.handled.Load())
	}
}

func TestProduceAndConsume(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	q, closeQueue, err := openQueue[exportRequest](cfg, codec.NewProto(newExportRequest))
	if err != nil {
		t.Fatalf("openQueue() error = %v", err)
	}
	defer closeQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := &benchHandler{target: 200, done: cancel}
	pool := worker.New[exportRequest](worker.Config{Workers: 3}, q, h.handle)

	runErr := make(chan error, 1)
	go func() { runErr <- pool.Run(ctx) }()

	if err := produce(ctx, pool, 200, 5); err != nil {
		t.Fatalf("produce() error = %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.handled.Load() != 200 || h.datapoints.Load() != 1000 {
		t.Errorf("handled %d requests with %d datapoints", h.handled.Load(), h.datapoints.Load())
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after bench", q.Len())
	}
}
