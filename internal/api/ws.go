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
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/notifyhub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard peers may originate from any origin; this service has no
	// same-origin browser session to protect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer adapts a gorilla/websocket connection to notifyhub.Peer. Writes
// are serialised with a mutex since gorilla/websocket forbids concurrent
// writers on one connection.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(event notifyhub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(event)
}

type wsInbound struct {
	Action string `json:"action"`
	CallID string `json:"call_id"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L(r.Context()).Warnf("websocket upgrade failed: %s", err)
		return
	}

	peer := &wsPeer{id: uuid.NewString(), conn: conn}
	s.hub.Attach(peer)
	defer s.hub.Detach(peer)
	defer conn.Close()

	log.L(r.Context()).Debugf("dashboard peer %s connected", peer.id)

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			log.L(r.Context()).Debugf("dashboard peer %s disconnected: %s", peer.id, err)
			return
		}

		switch in.Action {
		case "subscribe":
			s.hub.Subscribe(peer, in.CallID)
			peer.mu.Lock()
			_ = peer.conn.WriteJSON(map[string]string{"type": "subscribed", "call_id": in.CallID})
			peer.mu.Unlock()
		case "ping":
			peer.mu.Lock()
			_ = peer.conn.WriteJSON(map[string]string{"type": "pong"})
			peer.mu.Unlock()
		default:
			log.L(r.Context()).Debugf("dashboard peer %s sent unknown action %q", peer.id, in.Action)
		}
	}
}
