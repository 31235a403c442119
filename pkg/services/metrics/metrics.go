// Package metrics serves the HTTP status endpoint: prometheus metrics on
// /metrics, a JSON snapshot of every chain's workers on /status, and the
// pprof handlers under /debug/pprof/.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/orchestrator"
)

const (
	shutdownTimeout = 5 * time.Second
	updateInterval  = 5 * time.Second
)

type (
	// StatusProvider is the part of the orchestrator the service reads.
	StatusProvider interface {
		Status() []orchestrator.ChainStatus
	}

	// Service is the status HTTP server.
	Service struct {
		srv      *http.Server
		provider StatusProvider
		log      *zap.Logger

		started *atomic.Bool
		cancel  context.CancelFunc
		done    chan struct{}
	}
)

// NewService creates the status service listening on the given port.
func NewService(port int, provider StatusProvider, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		provider: provider,
		log:      log.With(zap.String("service", "status")),
		started:  atomic.NewBool(false),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server and the prometheus updater. It only starts
// once, subsequent calls are no-op.
func (s *Service) Start() {
	if !s.started.CAS(false, true) {
		return
	}
	s.log.Info("starting status endpoint", zap.String("endpoint", s.srv.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.updateLoop(ctx)

	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("status endpoint failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the HTTP server, waiting briefly for in-flight requests.
func (s *Service) Shutdown() {
	if !s.started.CAS(true, false) {
		return
	}
	s.log.Info("stopping status endpoint")
	s.cancel()
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("failed to stop status endpoint", zap.Error(err))
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Version string                     `json:"version,omitempty"`
		Chains  []orchestrator.ChainStatus `json:"chains"`
	}{
		Version: config.Version,
		Chains:  s.provider.Status(),
	})
	if err != nil {
		s.log.Warn("failed to write status response", zap.Error(err))
	}
}

// updateLoop refreshes the prometheus gauges from the orchestrator.
func (s *Service) updateLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateChainMetrics(s.provider.Status())
		}
	}
}
