package main

import (
	"errors"
	"net/http"

	"github.com/Station-Manager/serialcomm"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// newMetricsHandler serves the channel metrics on /metrics and the health
// snapshot on /health.
func newMetricsHandler(m *serialcomm.Metrics) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(m); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if s.HealthStatus == serialcomm.HealthStatusDown || s.HealthStatus == serialcomm.HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Status       serialcomm.HealthStatus `json:"status"`
			OpenChannels int64                   `json:"open_channels"`
			Frames       int64                   `json:"frames"`
			Errors       int64                   `json:"errors"`
		}{s.HealthStatus, s.OpenChannels, s.Frames, s.Errors})
	})
	return mux, nil
}

func startMetricsHTTP(addr string, m *serialcomm.Metrics, l zerolog.Logger) (*http.Server, error) {
	h, err := newMetricsHandler(m)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		l.Info().Str("addr", addr).Msg("metrics_listen")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("metrics_http_error")
		}
	}()
	return srv, nil
}
