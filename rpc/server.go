//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package rpc

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
)

// Status is the wire form of GET /v1/status. State is one of "injecting",
// "injected", "inject-failed" or "recovering"; Error carries the inject
// failure when State is "inject-failed", so operators can distinguish a
// broken injection from a quiet one.
type Status struct {
	State         string          `json:"state"`
	Path          string          `json:"path"`
	Shadow        string          `json:"shadow,omitempty"`
	Error         string          `json:"error,omitempty"`
	FaultsEnabled bool            `json:"faults_enabled"`
	Counters      *domain.FsStats `json:"counters,omitempty"`
}

// Bridge is everything the core hands to the RPC worker: a status read, a
// teardown trigger, and the hookfs handle. Faults is nil when inject failed;
// the toggle endpoints then report a conflict instead of acting.
type Bridge struct {
	Status   func() Status
	Teardown func()
	Faults   domain.FaultInjectorIface
}

// Server serves the control surface over HTTP/JSON.
type Server struct {
	bridge Bridge
	router *mux.Router
	srv    *http.Server
}

func NewServer(addr string, bridge Bridge) *Server {

	s := &Server{bridge: bridge}

	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/faults", s.handleFaults).Methods(http.MethodPut)
	r.HandleFunc("/v1/config", s.handleConfig).Methods(http.MethodPut)
	r.HandleFunc("/v1/teardown", s.handleTeardown).Methods(http.MethodPost)
	s.router = r

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Router exposes the handler tree; used by tests and embedders.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		logrus.Infof("rpc listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("rpc server: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

type faultsRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {

	if s.bridge.Faults == nil {
		writeError(w, http.StatusConflict, "injection is not active")
		return
	}

	var req faultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Enabled {
		s.bridge.Faults.EnableInjection()
	} else {
		s.bridge.Faults.DisableInjection()
	}

	writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {

	if s.bridge.Faults == nil {
		writeError(w, http.StatusConflict, "injection is not active")
		return
	}

	var rules []domain.FaultRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.bridge.Faults.SetRules(rules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {

	// Acknowledge before triggering: teardown ends in process exit and the
	// client deserves its response first.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tearing down"})

	s.bridge.Teardown()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("encoding rpc response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
