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

// Package ingest implements the per-packet transactional upsert: create the
// call on first sight, insert the packet idempotently, advance
// last_sequence, and signal the orchestrator after commit.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/callstore"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/msgs"
	"github.com/kaleido-io/callstream/internal/persistence"
	"gorm.io/gorm"
)

// Packet is the validated input to Ingest.
type Packet struct {
	Sequence  int
	Data      string
	Timestamp float64
}

// Result is what the HTTP layer renders back to the client.
type Result struct {
	Status  string
	CallID  string
	Sequence int
	Message *string
}

// Trigger is called after a successful commit to wake the orchestrator for
// callID. It must not block the ingest response.
type Trigger func(callID string)

// Service is the ingest handler's business logic, decoupled from transport.
type Service struct {
	p       *persistence.Persistence
	trigger Trigger
}

// NewService constructs an ingest Service.
func NewService(p *persistence.Persistence, trigger Trigger) *Service {
	return &Service{p: p, trigger: trigger}
}

// Validate checks the payload before any lock is acquired; a validation
// failure must never create or modify a row.
func Validate(ctx context.Context, callID string, pkt Packet) error {
	if callID == "" {
		return i18n.NewError(ctx, msgs.MsgInvalidCallID)
	}
	if pkt.Sequence < 0 {
		return i18n.NewError(ctx, msgs.MsgInvalidSequence, pkt.Sequence)
	}
	if pkt.Data == "" {
		return i18n.NewError(ctx, msgs.MsgInvalidData)
	}
	if pkt.Timestamp <= 0 {
		return i18n.NewError(ctx, msgs.MsgInvalidTimestamp, pkt.Timestamp)
	}
	return nil
}

// Ingest runs the full algorithm in one transaction, then signals the
// orchestrator after commit so the signal can never be lost ahead of the
// data it depends on being visible.
func (s *Service) Ingest(ctx context.Context, callID string, pkt Packet) (*Result, error) {
	if err := Validate(ctx, callID, pkt); err != nil {
		return nil, err
	}

	var message *string
	now := time.Now()

	err := s.p.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		call, err := callstore.LockOrCreateCall(ctx, tx, callID, now)
		if err != nil {
			return err
		}

		expected := call.LastSequence + 1
		if pkt.Sequence != expected {
			msg := fmt.Sprintf("sequence mismatch: expected %d, got %d", expected, pkt.Sequence)
			message = &msg
			log.L(ctx).Warnf("call %s: %s", callID, msg)
		}

		exists, err := callstore.PacketExists(ctx, tx, callID, pkt.Sequence)
		if err != nil {
			return err
		}
		if exists {
			log.L(ctx).Debugf("%s", i18n.NewError(ctx, msgs.MsgDuplicatePacket, callID, pkt.Sequence))
			return nil
		}

		if err := callstore.InsertPacket(ctx, tx, callID, pkt.Sequence, pkt.Data, pkt.Timestamp, now); err != nil {
			return err
		}

		if pkt.Sequence > call.LastSequence {
			call.LastSequence = pkt.Sequence
			call.UpdatedAt = now
			if err := callstore.SaveCall(ctx, tx, call); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.trigger != nil {
		s.trigger(callID)
	}

	return &Result{
		Status:   "accepted",
		CallID:   callID,
		Sequence: pkt.Sequence,
		Message:  message,
	}, nil
}
