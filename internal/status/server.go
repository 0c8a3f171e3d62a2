// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package status implements the read-only status HTTP surface: health and
// readiness probes plus the process's own Prometheus self-metrics.
package status

import (
	"context"
	_ "embed"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed index.html
var indexHTML []byte

// Server is the embedded HTTP/1.1 status server. Keep-alive is disabled:
// each connection is short-lived.
type Server struct {
	logger log.Logger
	http   *http.Server
}

// New builds a Server bound to addr, serving self-metrics from reg.
func New(logger log.Logger, reg *prometheus.Registry, addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(indexHTML)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/-/healthy", okHandler)
	mux.HandleFunc("/-/ready", okHandler)
	mux.HandleFunc("/-/reload", notImplementedHandler)
	mux.HandleFunc("/-/quit", notImplementedHandler)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	srv.SetKeepAlivesEnabled(false)

	return &Server{logger: logger, http: srv}
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func notImplementedHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

// ListenAndServe blocks until the server is shut down, per
// http.Server.ListenAndServe's own contract (it always returns a non-nil
// error; http.ErrServerClosed after a graceful Shutdown).
func (s *Server) ListenAndServe() error {
	level.Info(s.logger).Log("msg", "status server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
