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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/kaleido-io/callstream/internal/config"
	"github.com/kaleido-io/callstream/internal/ingest"
	"github.com/kaleido-io/callstream/internal/notifyhub"
	"github.com/kaleido-io/callstream/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *persistence.Persistence, func()) {
	ctx := context.Background()
	cfg := &config.Config{
		DatabaseDriver: "sqlite",
		DatabaseURL:    "file::memory:?cache=shared",
		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,
	}
	p, err := persistence.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(ctx, "sqlite"))

	hub := notifyhub.New()
	var triggered []string
	ingestSvc := ingest.NewService(p, func(callID string) { triggered = append(triggered, callID) })

	srv := NewServer(":0", p, ingestSvc, hub, "test")
	return srv, p, func() { _ = p.Close() }
}

func (s *Server) testRouter() http.Handler { return s.httpSrv.Handler }

func TestHandleStreamAcceptsValidPacket(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	body, _ := json.Marshal(map[string]interface{}{"sequence": 0, "data": "hello", "timestamp": 1.0})
	req := httptest.NewRequest(http.MethodPost, "/v1/call/stream/call-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp streamResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "call-1", resp.CallID)
}

func TestHandleStreamRejectsInvalidPayload(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	body, _ := json.Marshal(map[string]interface{}{"sequence": -1, "data": "hello", "timestamp": 1.0})
	req := httptest.NewRequest(http.MethodPost, "/v1/call/stream/call-2", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "FF30001", env.Error.Code)
}

func TestHandleStreamRejectsMalformedJSON(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	req := httptest.NewRequest(http.MethodPost, "/v1/call/stream/call-3", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleStatusReturnsCurrentState(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	body, _ := json.Marshal(map[string]interface{}{"sequence": 0, "data": "hello", "timestamp": 1.0})
	postReq := httptest.NewRequest(http.MethodPost, "/v1/call/stream/call-status", bytes.NewReader(body))
	srv.testRouter().ServeHTTP(httptest.NewRecorder(), postReq)

	req := httptest.NewRequest(http.MethodGet, "/v1/call/call-status/status", nil)
	rec := httptest.NewRecorder()
	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp callStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "call-status", resp.CallID)
	assert.Equal(t, "IN_PROGRESS", resp.State)
	assert.Equal(t, 1, resp.PacketCount)
}

func TestHandleStatusReturnsNotFoundForUnknownCall(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	req := httptest.NewRequest(http.MethodGet, "/v1/call/missing-call/status", nil)
	rec := httptest.NewRecorder()
	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealthReportsHealthyWhenDatabaseReachable(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleRootReturnsServiceBanner(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.testRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "callstream", body["service"])
}

func TestWebsocketSubscribeAndPing(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()

	ts := httptest.NewServer(srv.testRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/dashboard"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "call_id": "call-ws"}))
	var ack map[string]string
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, "call-ws", ack["call_id"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}
