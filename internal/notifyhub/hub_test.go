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

package notifyhub

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records every event it receives, and can be made to fail sends.
type fakePeer struct {
	id     string
	fail   bool
	mu     sync.Mutex
	events []Event
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(event Event) error {
	if p.fail {
		return fmt.Errorf("simulated send failure")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePeer) received() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func TestPublishDeliversToGlobalObserver(t *testing.T) {
	h := New()
	peer := &fakePeer{id: "peer-1"}
	h.Attach(peer)

	h.Publish(context.Background(), "call-1", "COMPLETED", nil)

	events := peer.received()
	require.Len(t, events, 1)
	assert.Equal(t, "call-1", events[0].CallID)
	assert.Equal(t, "COMPLETED", events[0].State)
}

func TestPublishDeliversToPerCallSubscriberOnly(t *testing.T) {
	h := New()
	subscribed := &fakePeer{id: "peer-sub"}
	unrelated := &fakePeer{id: "peer-other"}
	h.Subscribe(subscribed, "call-1")

	h.Publish(context.Background(), "call-1", "PROCESSING_AI", nil)

	assert.Len(t, subscribed.received(), 1)
	assert.Len(t, unrelated.received(), 0)
}

func TestPublishDeliversTwiceWhenBothGlobalAndPerCallSubscribed(t *testing.T) {
	h := New()
	peer := &fakePeer{id: "peer-both"}
	h.Attach(peer)
	h.Subscribe(peer, "call-1")

	h.Publish(context.Background(), "call-1", "COMPLETED", nil)

	assert.Len(t, peer.received(), 2)
}

func TestDetachRemovesFromGlobalAndPerCallRegistries(t *testing.T) {
	h := New()
	peer := &fakePeer{id: "peer-detach"}
	h.Attach(peer)
	h.Subscribe(peer, "call-1")

	h.Detach(peer)
	h.Publish(context.Background(), "call-1", "COMPLETED", nil)

	assert.Len(t, peer.received(), 0)
}

func TestDeliveryFailureDetachesPeer(t *testing.T) {
	h := New()
	failing := &fakePeer{id: "peer-fail", fail: true}
	h.Attach(failing)

	h.Publish(context.Background(), "call-1", "FAILED", nil)
	// second publish would panic/record if still attached and non-failing;
	// instead assert the registry no longer holds it.
	h.allMu.RLock()
	_, stillPresent := h.all[failing.id]
	h.allMu.RUnlock()

	assert.False(t, stillPresent)
}

func TestPublishCarriesAIResultPayloadOnCompleted(t *testing.T) {
	h := New()
	peer := &fakePeer{id: "peer-ai"}
	h.Attach(peer)

	h.Publish(context.Background(), "call-1", "COMPLETED", &AIResultPayload{
		Transcript: "hello world",
		Sentiment:  "positive",
	})

	events := peer.received()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].AIResult)
	assert.Equal(t, "hello world", events[0].AIResult.Transcript)
	assert.Equal(t, "positive", events[0].AIResult.Sentiment)
}

func TestShardForIsStableAcrossCalls(t *testing.T) {
	h := New()
	first := h.shardFor("call-stable")
	second := h.shardFor("call-stable")
	assert.Same(t, first, second)
}
