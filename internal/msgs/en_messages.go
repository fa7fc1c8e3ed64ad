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

// Package msgs is the registered catalogue of error and log messages for
// this service. Every error kind that crosses a component boundary gets one
// entry here, with an HTTP status hint, rather than being constructed ad hoc
// with fmt.Errorf at the call site.
package msgs

import (
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"golang.org/x/text/language"
)

const (
	// Validation errors (422)
	MsgInvalidSequence    i18n.ErrorMessageKey = "FF30001"
	MsgInvalidData        i18n.ErrorMessageKey = "FF30002"
	MsgInvalidTimestamp   i18n.ErrorMessageKey = "FF30003"
	MsgInvalidCallID      i18n.ErrorMessageKey = "FF30004"
	MsgInvalidRequestBody i18n.ErrorMessageKey = "FF30005"

	// Not found (404)
	MsgCallNotFound i18n.ErrorMessageKey = "FF30010"

	// Internal / unexpected (500)
	MsgInternalError       i18n.ErrorMessageKey = "FF30020"
	MsgPersistenceError    i18n.ErrorMessageKey = "FF30021"
	MsgDatabaseUnreachable i18n.ErrorMessageKey = "FF30022"
	MsgMigrationFailed     i18n.ErrorMessageKey = "FF30023"

	// Domain logic (non-HTTP, logged only)
	MsgInvalidTransition    i18n.ErrorMessageKey = "FF30030"
	MsgDuplicatePacket      i18n.ErrorMessageKey = "FF30031"
	MsgTranscriptionFailed  i18n.ErrorMessageKey = "FF30032"
	MsgRetriesExhausted     i18n.ErrorMessageKey = "FF30033"
	MsgOrchestratorInternal i18n.ErrorMessageKey = "FF30034"

	// Notification hub
	MsgPeerSendFailed i18n.ErrorMessageKey = "FF30040"
)

func init() {
	i18n.FFE(language.AmericanEnglish, string(MsgInvalidSequence), "sequence must be >= 0, got %v", 422)
	i18n.FFE(language.AmericanEnglish, string(MsgInvalidData), "data must be a non-empty string", 422)
	i18n.FFE(language.AmericanEnglish, string(MsgInvalidTimestamp), "timestamp must be > 0, got %v", 422)
	i18n.FFE(language.AmericanEnglish, string(MsgInvalidCallID), "call_id must be a non-empty string", 422)
	i18n.FFE(language.AmericanEnglish, string(MsgInvalidRequestBody), "request body could not be parsed: %s", 422)

	i18n.FFE(language.AmericanEnglish, string(MsgCallNotFound), "call '%s' not found", 404)

	i18n.FFE(language.AmericanEnglish, string(MsgInternalError), "internal error", 500)
	i18n.FFE(language.AmericanEnglish, string(MsgPersistenceError), "persistence operation failed: %s", 500)
	i18n.FFE(language.AmericanEnglish, string(MsgDatabaseUnreachable), "database unreachable: %s", 500)
	i18n.FFE(language.AmericanEnglish, string(MsgMigrationFailed), "schema migration failed: %s", 500)

	i18n.FFE(language.AmericanEnglish, string(MsgInvalidTransition), "rejected transition for call '%s': %s -> %s")
	i18n.FFE(language.AmericanEnglish, string(MsgDuplicatePacket), "duplicate packet for call '%s' sequence %d ignored")
	i18n.FFE(language.AmericanEnglish, string(MsgTranscriptionFailed), "transcription attempt %d for call '%s' failed: %s")
	i18n.FFE(language.AmericanEnglish, string(MsgRetriesExhausted), "call '%s' exhausted %d retries: %s")
	i18n.FFE(language.AmericanEnglish, string(MsgOrchestratorInternal), "orchestrator internal error for call '%s': %s")

	i18n.FFE(language.AmericanEnglish, string(MsgPeerSendFailed), "failed to deliver event to peer %s: %s")
}
