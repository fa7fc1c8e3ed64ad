// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the public surface: it wires gorilla/mux routes and the
// /ws/dashboard push channel to the ingest and notification components.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kaleido-io/callstream/internal/ingest"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/notifyhub"
	"github.com/kaleido-io/callstream/internal/persistence"
)

// Server holds everything the HTTP layer needs to render responses.
type Server struct {
	p       *persistence.Persistence
	ingest  *ingest.Service
	hub     *notifyhub.Hub
	version string

	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer builds the router and wraps it in an http.Server bound to addr.
func NewServer(addr string, p *persistence.Persistence, ingestSvc *ingest.Service, hub *notifyhub.Hub, version string) *Server {
	s := &Server{
		p:         p,
		ingest:    ingestSvc,
		hub:       hub,
		version:   version,
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/call/stream/{call_id}", s.handleStream).Methods(http.MethodPost)
	router.HandleFunc("/v1/call/{call_id}/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/ws/dashboard", s.handleWebsocket)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	log.L(context.Background()).Infof("listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
