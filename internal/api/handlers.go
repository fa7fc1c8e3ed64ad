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

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/callstore"
	"github.com/kaleido-io/callstream/internal/ingest"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/msgs"
)

type streamRequestBody struct {
	Sequence  int     `json:"sequence"`
	Data      string  `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

type streamResponseBody struct {
	Status  string  `json:"status"`
	CallID  string  `json:"call_id"`
	Sequence int     `json:"sequence"`
	Message *string `json:"message"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	ctx := log.WithLogField(r.Context(), "call_id", callID)

	var body streamRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, i18n.NewError(ctx, msgs.MsgInvalidRequestBody, err))
		return
	}

	result, err := s.ingest.Ingest(ctx, callID, ingest.Packet{
		Sequence:  body.Sequence,
		Data:      body.Data,
		Timestamp: body.Timestamp,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, streamResponseBody{
		Status:   result.Status,
		CallID:   result.CallID,
		Sequence: result.Sequence,
		Message:  result.Message,
	})
}

type callStatusResponse struct {
	CallID       string    `json:"call_id"`
	State        string    `json:"state"`
	LastSequence int       `json:"last_sequence"`
	PacketCount  int       `json:"packet_count"`
	HasAIResult  bool      `json:"has_ai_result"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	ctx := log.WithLogField(r.Context(), "call_id", callID)

	call, err := callstore.LoadCallWithDetails(ctx, s.p.DB().WithContext(ctx), callID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, callStatusResponse{
		CallID:       call.CallID,
		State:        string(call.State),
		LastSequence: call.LastSequence,
		PacketCount:  len(call.Packets),
		HasAIResult:  call.AIResult != nil,
		CreatedAt:    call.CreatedAt,
		UpdatedAt:    call.UpdatedAt,
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Ping(); err != nil {
		log.L(r.Context()).Warnf("health check: database unreachable: %s", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Database: "connected"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "callstream",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
