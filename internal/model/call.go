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

// Package model defines the persisted entities (Call, Packet, AIResult) and
// the Call state machine.
package model

import "time"

// CallState is one of the fixed set of states a Call can be in.
type CallState string

const (
	CallStateInProgress   CallState = "IN_PROGRESS"
	CallStateProcessingAI CallState = "PROCESSING_AI"
	CallStateCompleted    CallState = "COMPLETED"
	CallStateFailed       CallState = "FAILED"
	CallStateArchived     CallState = "ARCHIVED"
)

// validTransitions is the fixed transition graph. A state not present as a
// key has no outgoing edges (ARCHIVED is terminal).
var validTransitions = map[CallState][]CallState{
	CallStateInProgress:   {CallStateProcessingAI, CallStateFailed, CallStateCompleted},
	CallStateProcessingAI: {CallStateCompleted, CallStateFailed},
	CallStateFailed:       {CallStateProcessingAI, CallStateArchived},
	CallStateCompleted:    {CallStateArchived},
}

// CanTransitionTo reports whether moving from s to target is an allowed edge.
func (s CallState) CanTransitionTo(target CallState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Call is one logical streamed session.
type Call struct {
	CallID       string    `gorm:"column:call_id;primaryKey"`
	State        CallState `gorm:"column:state;not null"`
	LastSequence int       `gorm:"column:last_sequence;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`

	Packets  []Packet  `gorm:"foreignKey:CallID;references:CallID;constraint:OnDelete:CASCADE"`
	AIResult *AIResult `gorm:"foreignKey:CallID;references:CallID;constraint:OnDelete:CASCADE"`
}

func (Call) TableName() string { return "calls" }

// NewCall constructs a freshly-created Call in its initial state.
func NewCall(callID string, now time.Time) *Call {
	return &Call{
		CallID:       callID,
		State:        CallStateInProgress,
		LastSequence: -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// TransitionTo attempts to move the call to target, mutating State and
// UpdatedAt only if the edge is allowed. Returns whether the transition was
// applied.
func (c *Call) TransitionTo(target CallState, now time.Time) bool {
	if !c.State.CanTransitionTo(target) {
		return false
	}
	c.State = target
	c.UpdatedAt = now
	return true
}

// Packet is a single received audio-metadata chunk.
type Packet struct {
	ID         string    `gorm:"column:id;primaryKey"`
	CallID     string    `gorm:"column:call_id;not null;index:idx_packets_call_sequence,unique,priority:1"`
	Sequence   int       `gorm:"column:sequence;not null;index:idx_packets_call_sequence,unique,priority:2"`
	Data       string    `gorm:"column:data;not null"`
	Timestamp  float64   `gorm:"column:timestamp;not null"`
	ReceivedAt time.Time `gorm:"column:received_at;not null"`
}

func (Packet) TableName() string { return "packets" }

// AIResultStatus is the lifecycle status of a Call's transcription outcome.
type AIResultStatus string

const (
	AIResultStatusPending   AIResultStatus = "pending"
	AIResultStatusCompleted AIResultStatus = "completed"
	AIResultStatusFailed    AIResultStatus = "failed"
)

// AIResult is the zero-or-one transcription outcome for a Call.
type AIResult struct {
	CallID       string         `gorm:"column:call_id;primaryKey"`
	Transcript   *string        `gorm:"column:transcript"`
	Sentiment    *string        `gorm:"column:sentiment"`
	Status       AIResultStatus `gorm:"column:status;not null"`
	RetryCount   int            `gorm:"column:retry_count;not null"`
	LastRetryAt  *time.Time     `gorm:"column:last_retry_at"`
	CompletedAt  *time.Time     `gorm:"column:completed_at"`
	ErrorMessage *string        `gorm:"column:error_message"`
}

func (AIResult) TableName() string { return "ai_results" }
