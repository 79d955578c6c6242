package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/diskqueue/internal/codec"
	"github.com/szibis/diskqueue/internal/config"
	"github.com/szibis/diskqueue/internal/logging"
	"github.com/szibis/diskqueue/internal/queue"
	"github.com/szibis/diskqueue/internal/telemetry"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		os.Exit(0)
	}

	if cfg.ShowVersion {
		config.PrintVersion(os.Stdout)
		os.Exit(0)
	}

	if cfg.ValidateOnly {
		result := config.ValidateConfig(cfg, nil)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		logging.Error("diskqueue failed", logging.F("mode", cfg.Mode, "error", err.Error()))
		os.Exit(1)
	}
	logging.Info("shutdown complete")
}

// run starts the process-wide machinery and the configured mode, and
// returns once the mode finishes or a signal arrives.
func run(cfg *config.Config) error {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    "diskqueue",
		"service.version": config.Version(),
	})

	applyMemoryLimit(cfg.MemoryLimitRatio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		logging.Info("telemetry enabled", logging.F(
			"endpoint", cfg.TelemetryEndpoint,
			"protocol", cfg.TelemetryProtocol,
		))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		defer shutdownCancel()
		logging.SetHook(nil)
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logging.Warn("telemetry shutdown error", logging.F("error", err.Error()))
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			logging.Info("shutting down", logging.F("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	switch cfg.Mode {
	case config.ModeBench:
		return runBench(ctx, cfg)
	case config.ModeInspect:
		return runInspect(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// applyMemoryLimit sets GOMEMLIMIT from the cgroup limit, falling back to
// system memory. Mapped segment pages are not counted against it.
func applyMemoryLimit(ratio float64) {
	if ratio <= 0 {
		return
	}
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		return
	}
	logging.Info("memory limit set", logging.F("limit_bytes", limit, "ratio", ratio))
}

// openQueue opens the configured queue with inner wrapped in the
// configured compression. The returned close func closes both.
func openQueue[E any](cfg *config.Config, inner codec.Codec[E]) (*queue.Queue[E], func() error, error) {
	kind, err := codec.ParseCompression(cfg.QueueCompression)
	if err != nil {
		return nil, nil, err
	}
	c, err := codec.NewCompressed(inner, kind)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New[E](cfg.QueueConfig(), c)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		qErr := q.Close()
		if err := c.Close(); err != nil && qErr == nil {
			return err
		}
		return qErr
	}
	return q, closeFn, nil
}

// registerCollector exports q's stats on the default registry, which the
// stats endpoint serves and telemetry pushes.
func registerCollector(src queue.StatsSource, name string) func() {
	collector := queue.NewCollector(src, name)
	if err := prometheus.DefaultRegisterer.Register(collector); err != nil {
		logging.Warn("failed to register queue collector", logging.F("queue", name, "error", err.Error()))
		return func() {}
	}
	return func() { prometheus.DefaultRegisterer.Unregister(collector) }
}

func runServe(ctx context.Context, cfg *config.Config) error {
	q, closeQueue, err := openQueue[[]byte](cfg, codec.Bytes{})
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
	srv.handleQueue(q)
	srv.Start()

	logging.Info("diskqueue started", logging.F(
		"mode", cfg.Mode,
		"queue", cfg.QueueName,
		"dir", cfg.QueueDir,
		"stats_addr", cfg.StatsAddr,
		"recovered", q.Len(),
	))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(shutdownCtx)
	return nil
}

func runInspect(cfg *config.Config) error {
	q, closeQueue, err := openQueue[[]byte](cfg, codec.Bytes{})
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	if err := writeStats(os.Stdout, q.Stats()); err != nil {
		_ = closeQueue()
		return err
	}
	return closeQueue()
}
