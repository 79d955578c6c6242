package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/szibis/diskqueue/internal/auth"
	"github.com/szibis/diskqueue/internal/config"
	"github.com/szibis/diskqueue/internal/health"
	"github.com/szibis/diskqueue/internal/logging"
	"github.com/szibis/diskqueue/internal/queue"
	tlspkg "github.com/szibis/diskqueue/internal/tls"
)

const (
	shutdownTimeout = 10 * time.Second
	maxPollWait     = 30 * time.Second
)

// statsServer serves /metrics, /stats, the /live and /ready probes and,
// in serve mode, the queue endpoints. Without TLS, HTTP/2 is accepted in
// cleartext.
type statsServer struct {
	mux    *http.ServeMux
	server *http.Server
	addr   string
	tls    *tls.Config
	auth   auth.ServerConfig
	health *health.Checker
}

func newStatsServer(cfg *config.Config, src queue.StatsSource) (*statsServer, error) {
	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.StatsTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("stats server TLS: %w", err)
	}

	s := &statsServer{
		mux:    http.NewServeMux(),
		addr:   cfg.StatsAddr,
		tls:    tlsConfig,
		auth:   cfg.StatsAuthConfig(),
		health: health.New(),
	}
	s.health.RegisterReadiness("queue", health.QueueCheck(src, cfg.HealthMaxFill))
	if cfg.HealthMinFreeDisk > 0 {
		s.health.RegisterReadiness("disk", health.DiskSpaceCheck(cfg.QueueDir, cfg.HealthMinFreeDisk))
	}

	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := writeStats(w, src.Stats()); err != nil {
			logging.Warn("failed to write stats", logging.F("error", err.Error()))
		}
	})
	s.mux.HandleFunc("/live", s.health.LiveHandler())
	s.mux.HandleFunc("/ready", s.health.ReadyHandler())

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           h2c.NewHandler(s.mux, &http2.Server{}),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// handleQueue exposes q over HTTP:
//
//	POST   /v1/queue             append the request body
//	GET    /v1/queue?wait=1s     remove the head, waiting up to wait
//	GET    /v1/queue/peek        read the head without removing it
//	DELETE /v1/queue             clear the queue
//
// All of them require the configured credentials.
func (s *statsServer) handleQueue(q *queue.Queue[[]byte]) {
	handle := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, auth.HTTPMiddleware(s.auth, h))
	}

	handle("POST /v1/queue", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
		if err := q.Put(r.Context(), body); err != nil {
			writeQueueError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	handle("GET /v1/queue", func(w http.ResponseWriter, r *http.Request) {
		wait, err := parseWait(r.URL.Query().Get("wait"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, ok, err := q.PollTimeout(r.Context(), wait)
		writeElement(w, payload, ok, err)
	})
	handle("GET /v1/queue/peek", func(w http.ResponseWriter, r *http.Request) {
		payload, ok, err := q.Peek()
		writeElement(w, payload, ok, err)
	})
	handle("DELETE /v1/queue", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Clear(); err != nil {
			writeQueueError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("wait must not be negative")
	}
	return min(d, maxPollWait), nil
}

func writeElement(w http.ResponseWriter, payload []byte, ok bool, err error) {
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueOverflow):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.Is(err, queue.ErrElementTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, queue.ErrQueueClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		logging.Error("queue request failed", logging.F("error", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeStats(w io.Writer, st queue.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// Start serves in the background. An empty address disables the server.
func (s *statsServer) Start() {
	if s.addr == "" {
		return
	}
	go func() {
		logging.Info("stats endpoint started", logging.F(
			"addr", s.addr,
			"path", "/metrics",
			"tls", s.tls != nil,
			"auth", s.auth.Enabled(),
		))
		var err error
		if s.tls != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("stats server error", logging.F("error", err.Error()))
		}
	}()
}

// Stop fails the probes and gracefully stops the server.
func (s *statsServer) Stop(ctx context.Context) {
	s.health.SetShuttingDown()
	if s.addr == "" {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		logging.Warn("stats server shutdown error", logging.F("error", err.Error()))
	}
}
