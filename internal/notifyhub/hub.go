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

// Package notifyhub fans out call state-change events to connected push
// channel peers: a global registry of every connected peer, and a per-call
// registry of peers explicitly subscribed to one call.
package notifyhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/msgs"
	"github.com/serialx/hashring"
)

// Peer is anything that can receive a published Event and be identified for
// registry bookkeeping. The concrete websocket connection lives in the api
// package; the hub itself has no transport dependency.
type Peer interface {
	ID() string
	Send(event Event) error
}

// Event is the wire shape delivered to every observer on a state change.
type Event struct {
	Type      string           `json:"type"`
	CallID    string           `json:"call_id"`
	State     string           `json:"state,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	AIResult  *AIResultPayload `json:"ai_result,omitempty"`
}

// AIResultPayload is the subset of AIResult carried on a COMPLETED event.
type AIResultPayload struct {
	Transcript string `json:"transcript"`
	Sentiment  string `json:"sentiment"`
}

const shardCount = 16

// callShard holds the per_call_observers registry for the subset of
// call_ids consistently hashed to it. Sharding keeps subscribe/publish
// contention on one hot call_id from blocking unrelated calls, the same
// concern a distributed cache addresses by spreading keys across nodes.
type callShard struct {
	mu        sync.RWMutex
	observers map[string]map[string]Peer // call_id -> peer ID -> peer
}

// Hub is the process-wide singleton fan-out component. It is constructed
// once at service startup and wired as an explicit dependency into the
// orchestrator and HTTP layer rather than reached via a
// package-level global.
type Hub struct {
	allMu sync.RWMutex
	all   map[string]Peer

	ring   *hashring.HashRing
	shards []*callShard
}

// New constructs an empty Hub.
func New() *Hub {
	nodes := make([]string, shardCount)
	shards := make([]*callShard, shardCount)
	for i := 0; i < shardCount; i++ {
		nodes[i] = fmt.Sprintf("shard-%d", i)
		shards[i] = &callShard{observers: make(map[string]map[string]Peer)}
	}
	return &Hub{
		all:    make(map[string]Peer),
		ring:   hashring.New(nodes),
		shards: shards,
	}
}

func (h *Hub) shardFor(callID string) *callShard {
	node, ok := h.ring.GetNode(callID)
	if !ok {
		return h.shards[0]
	}
	for i, s := range h.shards {
		if fmt.Sprintf("shard-%d", i) == node {
			return s
		}
	}
	return h.shards[0]
}

// Attach registers peer as a global observer. Idempotent.
func (h *Hub) Attach(peer Peer) {
	h.allMu.Lock()
	defer h.allMu.Unlock()
	h.all[peer.ID()] = peer
}

// Detach removes peer from the global registry and from every per-call
// registry it had subscribed to. Idempotent.
func (h *Hub) Detach(peer Peer) {
	h.allMu.Lock()
	delete(h.all, peer.ID())
	h.allMu.Unlock()

	for _, shard := range h.shards {
		shard.mu.Lock()
		for callID, peers := range shard.observers {
			if _, ok := peers[peer.ID()]; ok {
				delete(peers, peer.ID())
				if len(peers) == 0 {
					delete(shard.observers, callID)
				}
			}
		}
		shard.mu.Unlock()
	}
}

// Subscribe adds peer to the per-call observer set for callID.
func (h *Hub) Subscribe(peer Peer, callID string) {
	shard := h.shardFor(callID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	peers, ok := shard.observers[callID]
	if !ok {
		peers = make(map[string]Peer)
		shard.observers[callID] = peers
	}
	peers[peer.ID()] = peer
}

// Publish delivers event to every per-call observer of callID, then to
// every global observer. A peer subscribed both ways may see the event
// twice; this is intentional (see the design notes on fan-out duplicates).
// Delivery failures detach the offending peer; Publish never returns an
// error to the caller, since a dropped notification must never abort a
// state transition that has already committed.
func (h *Hub) Publish(ctx context.Context, callID, state string, ai *AIResultPayload) {
	event := Event{
		Type:      "call_update",
		CallID:    callID,
		State:     state,
		Timestamp: time.Now(),
		AIResult:  ai,
	}

	shard := h.shardFor(callID)
	shard.mu.RLock()
	perCall := make([]Peer, 0, len(shard.observers[callID]))
	for _, p := range shard.observers[callID] {
		perCall = append(perCall, p)
	}
	shard.mu.RUnlock()

	h.allMu.RLock()
	global := make([]Peer, 0, len(h.all))
	for _, p := range h.all {
		global = append(global, p)
	}
	h.allMu.RUnlock()

	for _, p := range perCall {
		h.deliver(ctx, p, event)
	}
	for _, p := range global {
		h.deliver(ctx, p, event)
	}
}

func (h *Hub) deliver(ctx context.Context, peer Peer, event Event) {
	if err := peer.Send(event); err != nil {
		wrapped := i18n.NewError(ctx, msgs.MsgPeerSendFailed, peer.ID(), err)
		log.L(ctx).Warnf("%s", wrapped)
		h.Detach(peer)
	}
}
