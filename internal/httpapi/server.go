// Package httpapi serves the run monitor: health, metrics and the live
// sink counters.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/metrics"
)

// HealthSource reports live counters from a running sink.
type HealthSource interface {
	HealthSnapshot() map[string]int64
}

// Server is the monitor endpoint. It never touches the trading path.
type Server struct {
	srv    *http.Server
	source HealthSource
	runID  string
}

// New builds the monitor server. source may be nil when no run is
// active.
func New(addr, runID string, source HealthSource) *Server {
	s := &Server{source: source, runID: runID}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.srv.Addr).Msg("monitor listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status string           `json:"status"`
	RunID  string           `json:"run_id,omitempty"`
	TimeMs int64            `json:"time_ms"`
	Sink   map[string]int64 `json:"sink,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", RunID: s.runID, TimeMs: time.Now().UnixMilli()}
	if s.source != nil {
		resp.Sink = s.source.HealthSnapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("health response write failed")
	}
}
