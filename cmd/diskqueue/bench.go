package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/diskqueue/internal/codec"
	"github.com/szibis/diskqueue/internal/config"
	"github.com/szibis/diskqueue/internal/logging"
	"github.com/szibis/diskqueue/internal/queue"
	"github.com/szibis/diskqueue/internal/worker"
)

const overflowRetryDelay = 50 * time.Millisecond

var errSimulatedFailure = errors.New("simulated handler failure")

type exportRequest = *colmetricspb.ExportMetricsServiceRequest

func newExportRequest() exportRequest {
	return &colmetricspb.ExportMetricsServiceRequest{}
}

// benchHandler consumes bench requests and calls done once target
// requests were handled successfully.
type benchHandler struct {
	failureRate float64
	target      uint64
	done        func()

	handled    atomic.Uint64
	failures   atomic.Uint64
	datapoints atomic.Uint64
}

func (h *benchHandler) handle(_ context.Context, req exportRequest) error {
	if h.failureRate > 0 && rand.Float64() < h.failureRate { //nolint:gosec // failure injection doesn't need crypto randomness
		h.failures.Add(1)
		return errSimulatedFailure
	}
	h.datapoints.Add(uint64(countDatapoints(req)))
	if h.handled.Add(1) == h.target && h.done != nil {
		h.done()
	}
	return nil
}

func runBench(ctx context.Context, cfg *config.Config) error {
	q, closeQueue, err := openQueue[exportRequest](cfg, codec.NewProto(newExportRequest))
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer func() {
		if err := closeQueue(); err != nil {
			logging.Error("failed to close queue", logging.F("error", err.Error()))
		}
	}()
	defer registerCollector(q, cfg.QueueName)()

	srv, err := newStatsServer(cfg, q)
	if err != nil {
		return err
	}
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()

	if cfg.BenchDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BenchDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &benchHandler{
		failureRate: cfg.WorkerHandlerFailureRate,
		target:      uint64(cfg.BenchRequests),
		done:        cancel,
	}
	pool := worker.New[exportRequest](cfg.WorkerConfig(), q, h.handle)

	logging.Info("bench started", logging.F(
		"queue", cfg.QueueName,
		"requests", cfg.BenchRequests,
		"datapoints", cfg.BenchDatapoints,
		"workers", cfg.Workers,
		"failure_rate", cfg.WorkerHandlerFailureRate,
		"recovered", q.Len(),
	))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return produce(gctx, pool, cfg.BenchRequests, cfg.BenchDatapoints)
	})
	err = g.Wait()
	elapsed := time.Since(start)

	st := q.Stats()
	logging.Info("bench finished", logging.F(
		"handled", h.handled.Load(),
		"failures", h.failures.Load(),
		"datapoints", h.datapoints.Load(),
		"remaining", st.Len,
		"segments_created", st.Created,
		"rotations", st.Rotations,
		"recycles", st.Recycles,
		"discards", st.Discards,
		"elapsed", elapsed,
		"requests_per_sec", float64(h.handled.Load())/elapsed.Seconds(),
	))
	return err
}

// produce submits n requests, backing off while the queue is over its
// byte budget.
func produce(ctx context.Context, pool *worker.Pool[exportRequest], n, datapoints int) error {
	for seq := 0; seq < n; seq++ {
		req := newBenchRequest(seq, datapoints)
		for {
			err := pool.Submit(req)
			if err == nil {
				break
			}
			if !errors.Is(err, queue.ErrQueueOverflow) {
				if errors.Is(err, queue.ErrQueueClosed) {
					return nil
				}
				return fmt.Errorf("failed to submit request %d: %w", seq, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(overflowRetryDelay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func newBenchRequest(seq, datapoints int) exportRequest {
	now := uint64(time.Now().UnixNano())
	points := make([]*metricspb.NumberDataPoint, datapoints)
	for i := range points {
		points[i] = &metricspb.NumberDataPoint{
			Attributes:   []*commonpb.KeyValue{stringAttr("series", strconv.Itoa(i))},
			TimeUnixNano: now,
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(seq)},
		}
	}
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{stringAttr("service.name", "diskqueue-bench")},
			},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope: &commonpb.InstrumentationScope{Name: "diskqueue/bench"},
				Metrics: []*metricspb.Metric{{
					Name: "diskqueue_bench_sequence",
					Data: &metricspb.Metric_Gauge{
						Gauge: &metricspb.Gauge{DataPoints: points},
					},
				}},
			}},
		}},
	}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func countDatapoints(req exportRequest) int {
	n := 0
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				switch d := m.GetData().(type) {
				case *metricspb.Metric_Gauge:
					n += len(d.Gauge.GetDataPoints())
				case *metricspb.Metric_Sum:
					n += len(d.Sum.GetDataPoints())
				case *metricspb.Metric_Histogram:
					n += len(d.Histogram.GetDataPoints())
				}
			}
		}
	}
	return n
}
