// Copyright (c) 2014-2020 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package diag serves the supervisor's optional diagnostics HTTP endpoint:
// /metrics (Prometheus text format), /healthz, and /status (a JSON dump of
// the worker registry). It is purely observational and never mutates
// supervisor state.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/resquepool/jobpoold/internals/logger"
	"github.com/resquepool/jobpoold/internals/metrics"
	"github.com/resquepool/jobpoold/internals/registry"
)

// Server is the diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// StatusProvider supplies the live state rendered at /status. The
// supervisor loop is the only writer of the registry; Server only reads it,
// and only when a request arrives.
type StatusProvider interface {
	Registry() *registry.Registry
}

// New builds a diagnostics server listening on addr (e.g. ":8420"), not yet
// serving requests. Call Serve to start it.
func New(addr string, metricsReg *metrics.MetricsRegistry, status StatusProvider) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/metrics", handleMetrics(metricsReg)).Methods(http.MethodGet)
	router.HandleFunc("/status", handleStatus(status)).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{Handler: router},
		listener:   listener,
	}, nil
}

// Addr returns the address the server is bound to, useful when addr was
// ":0" (an ephemeral port, e.g. in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks, running the HTTP server until Shutdown is called.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func handleMetrics(reg *metrics.MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(reg.GatherMetrics())); err != nil {
			logger.Debugf("diag: writing /metrics response: %v", err)
		}
	}
}

type statusGroup struct {
	Group   string `json:"group"`
	Pids    []int  `json:"pids"`
	Command string `json:"command,omitempty"`
}

func handleStatus(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := status.Registry()
		snapshot := reg.Snapshot()

		groups := make([]statusGroup, 0, len(snapshot))
		for group, handles := range snapshot {
			pids := make([]int, len(handles))
			for i, h := range handles {
				pids[i] = h.Pid
			}
			groups = append(groups, statusGroup{Group: group, Pids: pids})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(groups); err != nil {
			logger.Debugf("diag: encoding /status response: %v", err)
		}
	}
}
