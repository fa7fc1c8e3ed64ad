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

// Package callstore holds the GORM query building for Call, Packet and
// AIResult rows: row locking, eager loading, and the idempotent packet
// insert. Every other component reaches the database only through here.
package callstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/model"
	"github.com/kaleido-io/callstream/internal/msgs"
	"github.com/kaleido-io/callstream/internal/persistence"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// withRowLock applies a blocking FOR UPDATE clause for dialects that support
// it. SQLite has no row-level locking syntax and rejects FOR UPDATE outright;
// its single-writer semantics plus a pooled connection already serialize
// access, so the clause is simply omitted there.
func withRowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LockOrCreateCall selects the Call row for callID with a blocking FOR
// UPDATE lock, creating it in IN_PROGRESS/-1 on first sight. A unique-
// violation race on the insert (two ingesters both seeing "absent") is
// absorbed by re-selecting with the lock.
func LockOrCreateCall(ctx context.Context, tx *gorm.DB, callID string, now time.Time) (*model.Call, error) {
	var call model.Call
	err := withRowLock(tx).
		Where("call_id = ?", callID).
		Take(&call).Error
	if err == nil {
		return &call, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}

	// A failed INSERT aborts the whole transaction on postgres, so the create
	// runs under a savepoint that is rolled back before re-selecting.
	if spErr := tx.SavePoint("lock_or_create_call").Error; spErr != nil {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, spErr)
	}
	fresh := model.NewCall(callID, now)
	createErr := tx.Create(fresh).Error
	if createErr == nil {
		return fresh, nil
	}
	if !persistence.IsUniqueConstraintError(createErr) {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, createErr)
	}
	if rbErr := tx.RollbackTo("lock_or_create_call").Error; rbErr != nil {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, rbErr)
	}

	// Lost the race with a concurrent ingester for the same call_id; the
	// other transaction's insert is now visible once we re-acquire the lock.
	var raced model.Call
	if reselectErr := withRowLock(tx).
		Where("call_id = ?", callID).
		Take(&raced).Error; reselectErr != nil {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, reselectErr)
	}
	return &raced, nil
}

// PacketExists reports whether a packet with (callID, sequence) is already committed.
func PacketExists(ctx context.Context, tx *gorm.DB, callID string, sequence int) (bool, error) {
	var count int64
	err := tx.Model(&model.Packet{}).
		Where("call_id = ? AND sequence = ?", callID, sequence).
		Count(&count).Error
	if err != nil {
		return false, i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return count > 0, nil
}

// InsertPacket inserts a new packet row. DoNothing on a conflicting
// (call_id, sequence) makes the insert itself idempotent as a second line
// of defence behind the FOR UPDATE call lock and the PacketExists check.
func InsertPacket(ctx context.Context, tx *gorm.DB, callID string, sequence int, data string, timestamp float64, receivedAt time.Time) error {
	p := &model.Packet{
		ID:         uuid.NewString(),
		CallID:     callID,
		Sequence:   sequence,
		Data:       data,
		Timestamp:  timestamp,
		ReceivedAt: receivedAt,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}, {Name: "sequence"}},
		DoNothing: true,
	}).Create(p).Error
	if err != nil {
		return i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return nil
}

// SaveCall persists mutated Call fields (state, last_sequence, updated_at).
func SaveCall(ctx context.Context, tx *gorm.DB, call *model.Call) error {
	err := tx.Model(&model.Call{}).Where("call_id = ?", call.CallID).
		Select("state", "last_sequence", "updated_at").
		Updates(map[string]interface{}{
			"state":         call.State,
			"last_sequence": call.LastSequence,
			"updated_at":    call.UpdatedAt,
		}).Error
	if err != nil {
		return i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return nil
}

// LoadCallWithDetails eager-loads a Call with its packets (ordered by
// sequence) and its AIResult. Returns a typed not-found error when absent.
func LoadCallWithDetails(ctx context.Context, tx *gorm.DB, callID string) (*model.Call, error) {
	var call model.Call
	err := tx.
		Preload("Packets", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Preload("AIResult").
		Where("call_id = ?", callID).
		Take(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, i18n.NewError(ctx, msgs.MsgCallNotFound, callID)
	}
	if err != nil {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return &call, nil
}

// CountPackets returns the number of packets persisted for callID.
func CountPackets(ctx context.Context, tx *gorm.DB, callID string) (int64, error) {
	var count int64
	err := tx.Model(&model.Packet{}).Where("call_id = ?", callID).Count(&count).Error
	if err != nil {
		return 0, i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return count, nil
}

// UpsertAIResult creates the AIResult row for callID if absent, or updates
// the one in place otherwise, matching its "created lazily, updated
// thereafter" lifecycle.
func UpsertAIResult(ctx context.Context, tx *gorm.DB, result *model.AIResult) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		UpdateAll: true,
	}).Create(result).Error
	if err != nil {
		return i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return nil
}

// ListClaimableCallIDs returns every call_id currently sitting in a state
// the orchestrator can claim (IN_PROGRESS or FAILED). The housekeeping
// ticker uses this to re-trigger calls whose in-process Trigger signal was
// lost, e.g. across a process restart between an ingest commit and the
// orchestrator's in-memory trigger call.
func ListClaimableCallIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.Model(&model.Call{}).
		Where("state IN ?", []model.CallState{model.CallStateInProgress, model.CallStateFailed}).
		Pluck("call_id", &ids).Error
	if err != nil {
		return nil, i18n.NewError(ctx, msgs.MsgPersistenceError, err)
	}
	return ids, nil
}
