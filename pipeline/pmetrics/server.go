// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package pmetrics exposes per-stage queue-depth gauges for Prometheus
// scraping. Each stage orchestrator runs one server on its own port.
package pmetrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default pmetrics errs class.
var Error = errs.Class("pmetrics")

// GaugeDef declares one gauge the stage will set.
type GaugeDef struct {
	Name string
	Help string
}

// Server holds a private registry and serves it over HTTP.
type Server struct {
	log    *zap.Logger
	server *http.Server
	gauges map[string]prometheus.Gauge
}

// NewServer registers the gauges and prepares an HTTP server on the port.
func NewServer(log *zap.Logger, port int, defs []GaugeDef) *Server {
	registry := prometheus.NewRegistry()
	gauges := make(map[string]prometheus.Gauge, len(defs))
	for _, def := range defs {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: def.Name, Help: def.Help})
		registry.MustRegister(gauge)
		gauges[def.Name] = gauge
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		log: log,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		gauges: gauges,
	}
}

// Set updates a declared gauge. Unknown names are programmer errors and are
// logged rather than panicking a long-lived worker.
func (s *Server) Set(name string, value float64) {
	gauge, ok := s.gauges[name]
	if !ok {
		s.log.Error("set of undeclared gauge", zap.String("name", name))
		return
	}
	gauge.Set(value)
}

// Run serves the metrics endpoint until the context is canceled.
func (s *Server) Run(ctx context.Context) (err error) {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return Error.Wrap(err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.server.Shutdown(context.Background())
		case <-done:
		}
	}()

	err = s.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return Error.Wrap(err)
}

// Close shuts the server down.
func (s *Server) Close() error {
	return Error.Wrap(s.server.Shutdown(context.Background()))
}
