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
	"strings"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/msgs"
)

// errorEnvelope is the one JSON shape used for every non-2xx response.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError renders err as the registered error envelope, picking the
// HTTP status from the error catalogue's status hint and falling back to
// 500 for anything unregistered.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	log.L(r.Context()).Errorf("request failed: %s", err)

	env := errorEnvelope{}
	env.Error.Code = code
	env.Error.Message = err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// classify extracts the registered message code from an i18n-formatted
// error ("FF30001: sequence must be ...") and looks up its HTTP status
// hint. Errors that were never constructed via the catalogue fall back to
// a generic 500.
func classify(err error) (status int, code string) {
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		candidate := msg[:idx]
		if hint, ok := i18n.GetStatusHint(candidate); ok {
			return hint, candidate
		}
	}
	return http.StatusInternalServerError, string(msgs.MsgInternalError)
}
